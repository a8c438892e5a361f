package application

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// Transaction is an opaque textual payload. The ledger never parses it.
type Transaction string

// RewardTransaction credits the miner that sealed a block.
func RewardTransaction(miner string, reward *uint256.Int) Transaction {
	return Transaction("Reward to " + miner + ": " + reward.Dec() + " Coins")
}

// renderTransactions produces the canonical text form used as hash input.
func renderTransactions(txs []Transaction) string {
	var sb strings.Builder

	sb.WriteByte('[')

	for i, tx := range txs {
		if i > 0 {
			sb.WriteByte(',')
		}

		sb.WriteString(strconv.Quote(string(tx)))
	}

	sb.WriteByte(']')

	return sb.String()
}

func cloneTransactions(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)

	return out
}
