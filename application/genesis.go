package application

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// GenesisTransaction is the sentinel payload of block 0.
const GenesisTransaction Transaction = "Genesis Block"

// NewGenesisBlock seals block 0 at the given difficulty.
func NewGenesisBlock(ctx context.Context, timestamp time.Time, difficulty uint) (Block, error) {
	genesis, err := SealBlock(
		ctx,
		0,
		timestamp,
		[]Transaction{GenesisTransaction},
		GenesisPreviousHash,
		difficulty,
	)
	if err != nil {
		return Block{}, fmt.Errorf("failed to seal genesis block: %w", err)
	}

	return genesis, nil
}

func logGenesis(log zerolog.Logger, genesis Block) {
	log.Info().
		Uint("difficulty", genesis.Difficulty).
		Uint64("nonce", genesis.Nonce).
		Str("hash", genesis.Hash).
		Time("timestamp", genesis.Timestamp).
		Msg("Genesis block sealed")
}
