package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/0xAtelerix/powledger/application"
	"github.com/0xAtelerix/powledger/application/api"
)

const (
	maxRetries     = 3 // Number of retries for read-only RPC calls
	requestTimeout = 10 * time.Second
)

// readOnlyMethods are safe to resend after a transport error. A lost response
// to addTransaction or sealBlock may still have been applied by the node.
var readOnlyMethods = map[string]struct{}{
	"isChainValid": {},
	"getChain":     {},
	"getBlock":     {},
	"getPending":   {},
	"exportChain":  {},
}

func attemptsFor(method string) int {
	if _, ok := readOnlyMethods[method]; ok {
		return maxRetries
	}

	return 1
}

type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *JSONRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcClient struct {
	client    *http.Client
	url       string
	requestID atomic.Int64
}

func newRPCClient(url string) *rpcClient {
	return &rpcClient{
		client: &http.Client{Timeout: requestTimeout},
		url:    url,
	}
}

func main() {
	rpcURL := pflag.String("rpc-url", "http://localhost:8080/rpc", "JSON-RPC endpoint of the node")
	transactions := pflag.Int("transactions", 100, "number of transactions to submit")
	perBlock := pflag.Int("per-block", 20, "transactions per sealed block")
	workers := pflag.Int("workers", 8, "concurrent submitters")
	miner := pflag.String("miner", "test-client", "miner identity used when sealing")
	pflag.Parse()

	if err := run(context.Background(), newRPCClient(*rpcURL), *transactions, *perBlock, *workers, *miner); err != nil {
		fmt.Fprintf(os.Stderr, "test client failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, rpc *rpcClient, total, perBlock, workers int, miner string) error {
	if perBlock <= 0 {
		perBlock = total
	}

	start := time.Now()

	var sealed int

	for offset := 0; offset < total; offset += perBlock {
		end := min(offset+perBlock, total)

		if err := submitBatch(ctx, rpc, offset, end, workers); err != nil {
			return err
		}

		var res api.SealBlockResponse
		if err := rpc.call(ctx, "sealBlock", []any{api.SealBlockRequest{Miner: miner}}, &res); err != nil {
			return fmt.Errorf("seal after tx %d: %w", end, err)
		}

		if res.Sealed {
			sealed++
			fmt.Printf("Block %d sealed: nonce=%d hash=%s txs=%d\n",
				res.Block.Index, res.Block.Nonce, res.Block.Hash, len(res.Block.Transactions))
		}
	}

	var validity api.ValidityResponse
	if err := rpc.call(ctx, "isChainValid", nil, &validity); err != nil {
		return err
	}

	var chain []application.Block
	if err := rpc.call(ctx, "getChain", nil, &chain); err != nil {
		return err
	}

	fmt.Printf("\nSubmitted %d transactions in %d blocks | chain height %d | valid %t | elapsed %s\n",
		total, sealed, len(chain)-1, validity.Valid, time.Since(start).Round(time.Millisecond))

	if !validity.Valid {
		return fmt.Errorf("chain reported invalid: %s", validity.Reason)
	}

	return nil
}

// submitBatch sends transactions [from, to) with at most workers requests in flight.
func submitBatch(ctx context.Context, rpc *rpcClient, from, to, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := from; i < to; i++ {
		g.Go(func() error {
			req := api.AddTransactionRequest{Payload: fmt.Sprintf("client pays node-%d %d", i%7, i+1)}

			if err := rpc.call(ctx, "addTransaction", []any{req}, nil); err != nil {
				return fmt.Errorf("add transaction %d: %w", i, err)
			}

			return nil
		})
	}

	return g.Wait()
}

func (c *rpcClient) call(ctx context.Context, method string, params []any, result any) error {
	if params == nil {
		params = []any{}
	}

	request := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.requestID.Add(1),
	}

	reqBody, err := json.Marshal(request)
	if err != nil {
		return err
	}

	var lastErr error

	for retry := 0; retry < attemptsFor(method); retry++ {
		if retry > 0 {
			time.Sleep(time.Duration(retry) * time.Second)
		}

		var resp *JSONRPCResponse

		resp, lastErr = c.post(ctx, reqBody)
		if lastErr != nil {
			continue
		}

		if resp.Error != nil {
			return resp.Error
		}

		if result == nil {
			return nil
		}

		return json.Unmarshal(resp.Result, result)
	}

	return lastErr
}

func (c *rpcClient) post(ctx context.Context, body []byte) (*JSONRPCResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}
