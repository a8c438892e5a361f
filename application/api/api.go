package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/0xAtelerix/sdk/gosdk/rpc"

	"github.com/0xAtelerix/powledger/application"
)

type LedgerRPC struct {
	rpcServer *rpc.StandardRPCServer
	ledger    *application.Ledger
}

func NewLedgerRPC(rpcServer *rpc.StandardRPCServer, ledger *application.Ledger) *LedgerRPC {
	return &LedgerRPC{
		rpcServer: rpcServer,
		ledger:    ledger,
	}
}

func (c *LedgerRPC) AddRPCMethods() {
	c.rpcServer.AddMethod("addTransaction", c.AddTransaction)
	c.rpcServer.AddMethod("sealBlock", c.SealBlock)
	c.rpcServer.AddMethod("isChainValid", c.IsChainValid)
	c.rpcServer.AddMethod("getChain", c.GetChain)
	c.rpcServer.AddMethod("getBlock", c.GetBlock)
	c.rpcServer.AddMethod("getPending", c.GetPending)
	c.rpcServer.AddMethod("exportChain", c.ExportChain)
}

type AddTransactionRequest struct {
	Payload string `json:"payload"`
}

type AddTransactionResponse struct {
	Pending int `json:"pending"`
}

type SealBlockRequest struct {
	Miner string `json:"miner"`
}

type SealBlockResponse struct {
	Sealed  bool               `json:"sealed"`
	Message string             `json:"message,omitempty"`
	Block   *application.Block `json:"block,omitempty"`
}

type ValidityResponse struct {
	Valid       bool    `json:"valid"`
	FailedIndex *uint64 `json:"failedIndex,omitempty"`
	Reason      string  `json:"reason,omitempty"`
}

type GetBlockRequest struct {
	Index uint64 `json:"index"`
}

type ExportChainResponse struct {
	Encoding string `json:"encoding"`
	Blocks   int    `json:"blocks"`
	Data     []byte `json:"data"`
}

// AddTransaction queues a payload for the next block
func (c *LedgerRPC) AddTransaction(_ context.Context, params []any) (any, error) {
	var req AddTransactionRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	if err := c.ledger.AddTransaction(application.Transaction(req.Payload)); err != nil {
		return nil, err
	}

	return AddTransactionResponse{Pending: len(c.ledger.Pending())}, nil
}

// SealBlock runs the nonce search for the pending batch. It blocks until the
// block is sealed or the request context ends.
func (c *LedgerRPC) SealBlock(ctx context.Context, params []any) (any, error) {
	var req SealBlockRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	block, sealed, err := c.ledger.SealNextBlock(ctx, req.Miner)
	if err != nil {
		return nil, err
	}

	if !sealed {
		return SealBlockResponse{
			Sealed:  false,
			Message: "no pending transactions to seal",
		}, nil
	}

	return SealBlockResponse{
		Sealed:  true,
		Message: fmt.Sprintf("block %d sealed", block.Index),
		Block:   &block,
	}, nil
}

func (c *LedgerRPC) IsChainValid(_ context.Context, _ []any) (any, error) {
	err := c.ledger.Verify()
	if err == nil {
		return ValidityResponse{Valid: true}, nil
	}

	res := ValidityResponse{Reason: err.Error()}
	if index, ok := application.FailedIndex(err); ok {
		res.FailedIndex = &index
	}

	return res, nil
}

func (c *LedgerRPC) GetChain(_ context.Context, _ []any) (any, error) {
	return c.ledger.Blocks(), nil
}

func (c *LedgerRPC) GetBlock(_ context.Context, params []any) (any, error) {
	var req GetBlockRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	block, err := c.ledger.Block(req.Index)
	if err != nil {
		return nil, err
	}

	return block, nil
}

func (c *LedgerRPC) GetPending(_ context.Context, _ []any) (any, error) {
	return c.ledger.Pending(), nil
}

// ExportChain returns the whole chain CBOR-encoded so it can be audited offline
func (c *LedgerRPC) ExportChain(_ context.Context, _ []any) (any, error) {
	blocks := c.ledger.Blocks()

	data, err := application.EncodeChain(blocks)
	if err != nil {
		return nil, err
	}

	return ExportChainResponse{
		Encoding: "cbor",
		Blocks:   len(blocks),
		Data:     data,
	}, nil
}

func decodeParams(params []any, dst any) error {
	if len(params) == 0 {
		return application.ErrMissingParameters
	}

	paramBytes, err := json.Marshal(params[0])
	if err != nil {
		return fmt.Errorf("failed to marshal parameter: %w", err)
	}

	if err := json.Unmarshal(paramBytes, dst); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}

	return nil
}
