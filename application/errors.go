package application

import "fmt"

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrEmptyTransaction    = Error("transaction payload is empty")
	ErrEmptyMinerIdentity  = Error("miner identity is empty")
	ErrMissingParameters   = Error("missing parameters")
	ErrBlockNotFound       = Error("block not found")
	ErrEmptyChain          = Error("chain has no blocks")
	ErrNonceSpaceExhausted = Error("nonce space exhausted")
	ErrInvalidDifficulty   = Error("difficulty exceeds digest length")
)

// ValidationError reports the first block that failed chain validation.
type ValidationError struct {
	Index  uint64
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("block %d: %s", e.Index, e.Reason)
}
