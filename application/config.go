package application

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultDifficulty = 3
	DefaultReward     = 10
)

// Config holds the parameters fixed for the lifetime of a ledger.
type Config struct {
	// Difficulty is the number of leading hex zeros every block hash needs.
	Difficulty uint `validate:"max=64"`
	// Reward is paid to the miner of each sealed block.
	Reward uint64
	// SealTimeout bounds a single nonce search. Zero means unbounded.
	SealTimeout time.Duration `validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{
		Difficulty: DefaultDifficulty,
		Reward:     DefaultReward,
	}
}

func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid ledger config: %w", err)
	}

	return nil
}
