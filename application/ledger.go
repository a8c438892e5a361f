package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Option func(*Ledger)

func WithLogger(log zerolog.Logger) Option {
	return func(l *Ledger) {
		l.log = log
	}
}

func WithMetrics(m *Metrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// WithClock replaces the source of block timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger is an in-memory chain of sealed blocks plus a buffer of pending
// transactions. It is safe for concurrent use.
//
// Seals are serialized. A seal snapshots the pending buffer when it starts;
// transactions added while the nonce search runs stay pending for the next block.
type Ledger struct {
	cfg     Config
	reward  *uint256.Int
	log     zerolog.Logger
	metrics *Metrics
	now     func() time.Time

	sealMu sync.Mutex

	mu      sync.RWMutex
	pending []Transaction
	chain   []Block
}

// New validates cfg and creates a ledger holding a freshly sealed genesis block.
func New(ctx context.Context, cfg Config, opts ...Option) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Ledger{
		cfg:    cfg,
		reward: uint256.NewInt(cfg.Reward),
		log:    log.Logger,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	genesis, err := NewGenesisBlock(ctx, l.now(), cfg.Difficulty)
	if err != nil {
		return nil, err
	}

	l.chain = []Block{genesis}

	l.metrics.setHeight(genesis.Index)
	l.metrics.setPending(0)
	logGenesis(l.log, genesis)

	return l, nil
}

// AddTransaction appends tx to the pending buffer.
func (l *Ledger) AddTransaction(tx Transaction) error {
	if tx == "" {
		return ErrEmptyTransaction
	}

	l.mu.Lock()
	l.pending = append(l.pending, tx)
	n := len(l.pending)
	l.mu.Unlock()

	l.metrics.setPending(n)
	l.log.Debug().Str("tx", string(tx)).Int("pending", n).Msg("Transaction added")

	return nil
}

// SealNextBlock moves every pending transaction plus a reward for miner into a
// new block and appends it to the chain. When nothing is pending it returns
// sealed == false and leaves the ledger untouched.
func (l *Ledger) SealNextBlock(ctx context.Context, miner string) (block Block, sealed bool, err error) {
	if miner == "" {
		return Block{}, false, ErrEmptyMinerIdentity
	}

	l.sealMu.Lock()
	defer l.sealMu.Unlock()

	l.mu.RLock()
	taken := len(l.pending)
	if taken == 0 {
		l.mu.RUnlock()
		l.log.Debug().Str("miner", miner).Msg("No pending transactions to seal")

		return Block{}, false, nil
	}

	batch := make([]Transaction, 0, taken+1)
	batch = append(batch, l.pending...)
	batch = append(batch, RewardTransaction(miner, l.reward))

	index := uint64(len(l.chain))
	previousHash := l.chain[len(l.chain)-1].Hash
	l.mu.RUnlock()

	if l.cfg.SealTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, l.cfg.SealTimeout)
		defer cancel()
	}

	timestamp := l.now()
	start := time.Now()

	block, err = SealBlock(ctx, index, timestamp, batch, previousHash, l.cfg.Difficulty)
	if err != nil {
		l.log.Error().Err(err).Uint64("index", index).Str("miner", miner).Msg("Failed to seal block")

		return Block{}, false, fmt.Errorf("failed to seal block %d: %w", index, err)
	}

	took := time.Since(start)

	l.mu.Lock()
	l.chain = append(l.chain, block)
	l.pending = append([]Transaction(nil), l.pending[taken:]...)
	remaining := len(l.pending)
	l.mu.Unlock()

	l.metrics.observeSeal(block, took, remaining)

	l.log.Info().
		Uint64("index", block.Index).
		Str("miner", miner).
		Uint64("nonce", block.Nonce).
		Str("hash", block.Hash).
		Int("transactions", len(block.Transactions)).
		Int("pending", remaining).
		Dur("took", took).
		Msg("Block sealed")

	return block.clone(), true, nil
}

// IsValid reports whether every block after genesis re-hashes to its stored
// hash and links to its predecessor.
func (l *Ledger) IsValid() bool {
	return l.Verify() == nil
}

// Verify is IsValid with the first failing block reported as a *ValidationError.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	difficulty := l.cfg.Difficulty

	err := verifyChain(l.chain, &difficulty)
	if err != nil {
		l.log.Warn().Err(err).Msg("Chain validation failed")
	}

	return err
}

// VerifyChain applies the ledger's validation rules to a detached chain. The
// first block is trusted as the root. Each block is checked against its own
// stored difficulty.
func VerifyChain(blocks []Block) error {
	return verifyChain(blocks, nil)
}

// verifyChain additionally pins every block to difficulty when it is non-nil.
func verifyChain(blocks []Block, difficulty *uint) error {
	if len(blocks) == 0 {
		return ErrEmptyChain
	}

	for i := 1; i < len(blocks); i++ {
		current, previous := blocks[i], blocks[i-1]

		switch {
		case !current.Timestamp.Equal(normalizeTimestamp(current.Timestamp)):
			return &ValidationError{Index: uint64(i), Reason: "timestamp has sub-second precision"}
		case current.Hash != current.CalculateHash():
			return &ValidationError{Index: uint64(i), Reason: "stored hash does not match block contents"}
		case current.PreviousHash != previous.Hash:
			return &ValidationError{Index: uint64(i), Reason: "previous hash does not match predecessor"}
		case current.Difficulty > MaxDifficulty:
			return &ValidationError{Index: uint64(i), Reason: "difficulty exceeds digest length"}
		case difficulty != nil && current.Difficulty != *difficulty:
			return &ValidationError{Index: uint64(i), Reason: "difficulty does not match ledger"}
		case !current.MeetsDifficulty():
			return &ValidationError{Index: uint64(i), Reason: "hash does not satisfy difficulty"}
		}
	}

	return nil
}

// FailedIndex extracts the failing block position from a Verify error.
func FailedIndex(err error) (uint64, bool) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Index, true
	}

	return 0, false
}

// Blocks returns a copy of the chain, genesis first.
func (l *Ledger) Blocks() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.clone()
	}

	return out
}

// Block returns a copy of the block at index.
func (l *Ledger) Block(index uint64) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index >= uint64(len(l.chain)) {
		return Block{}, fmt.Errorf("%w: index %d, height %d", ErrBlockNotFound, index, len(l.chain)-1)
	}

	return l.chain[index].clone(), nil
}

// Tip returns a copy of the most recently sealed block.
func (l *Ledger) Tip() Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.chain[len(l.chain)-1].clone()
}

// Pending returns a copy of the transactions waiting to be sealed.
func (l *Ledger) Pending() []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return cloneTransactions(l.pending)
}

// Len is the number of blocks in the chain, genesis included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return len(l.chain)
}

func (l *Ledger) Difficulty() uint {
	return l.cfg.Difficulty
}

func (l *Ledger) Reward() *uint256.Int {
	return l.reward.Clone()
}

// Export encodes the current chain with EncodeChain.
func (l *Ledger) Export() ([]byte, error) {
	return EncodeChain(l.Blocks())
}
