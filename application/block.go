package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// GenesisPreviousHash is the sentinel stored as the genesis block's predecessor.
	GenesisPreviousHash = "0"

	// TimestampLayout is how a block timestamp is rendered into the hash input.
	TimestampLayout = "2006-01-02 15:04:05"

	// MaxDifficulty is the length of a hex-encoded SHA-256 digest.
	MaxDifficulty = sha256.Size * 2

	cancelCheckInterval = 1 << 12
)

// Block is a sealed batch of transactions. Blocks handed out by a Ledger are
// copies; mutating them never affects the chain.
type Block struct {
	Index        uint64        `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
	PreviousHash string        `json:"previousHash"`
	Nonce        uint64        `json:"nonce"`
	Difficulty   uint          `json:"difficulty"`
	Hash         string        `json:"hash"`
}

// SealBlock builds a block from its pre-seal fields and searches nonces from 0
// until the digest has difficulty leading hex zeros. The returned block is
// fully sealed. The search only stops early if ctx is cancelled.
func SealBlock(
	ctx context.Context,
	index uint64,
	timestamp time.Time,
	txs []Transaction,
	previousHash string,
	difficulty uint,
) (Block, error) {
	if difficulty > MaxDifficulty {
		return Block{}, fmt.Errorf("%w: %d > %d", ErrInvalidDifficulty, difficulty, MaxDifficulty)
	}

	b := Block{
		Index:        index,
		Timestamp:    normalizeTimestamp(timestamp),
		Transactions: cloneTransactions(txs),
		PreviousHash: previousHash,
		Difficulty:   difficulty,
	}

	prefix := b.hashPrefix()
	target := strings.Repeat("0", int(difficulty))
	buf := make([]byte, 0, len(prefix)+20)

	for nonce := uint64(0); ; nonce++ {
		if nonce%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return Block{}, fmt.Errorf("seal block %d interrupted after %d attempts: %w", index, nonce, err)
			}
		}

		buf = strconv.AppendUint(append(buf[:0], prefix...), nonce, 10)

		hash := digest(buf)
		if strings.HasPrefix(hash, target) {
			b.Nonce = nonce
			b.Hash = hash

			return b, nil
		}

		if nonce == math.MaxUint64 {
			return Block{}, ErrNonceSpaceExhausted
		}
	}
}

// CalculateHash recomputes the digest from the block's stored fields.
func (b Block) CalculateHash() string {
	return digest(strconv.AppendUint([]byte(b.hashPrefix()), b.Nonce, 10))
}

// MeetsDifficulty reports whether the stored hash carries the required zero prefix.
func (b Block) MeetsDifficulty() bool {
	if b.Difficulty > MaxDifficulty {
		return false
	}

	return strings.HasPrefix(b.Hash, strings.Repeat("0", int(b.Difficulty)))
}

// Attempts is the number of digests the nonce search computed.
func (b Block) Attempts() uint64 {
	return b.Nonce + 1
}

func (b Block) hashPrefix() string {
	return strconv.FormatUint(b.Index, 10) +
		b.Timestamp.UTC().Format(TimestampLayout) +
		renderTransactions(b.Transactions) +
		b.PreviousHash
}

func (b Block) clone() Block {
	b.Transactions = cloneTransactions(b.Transactions)

	return b
}

func normalizeTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:])
}
