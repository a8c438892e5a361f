package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, difficulty uint, opts ...Option) *Ledger {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Difficulty = difficulty

	l, err := New(t.Context(), cfg, append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)

	return l
}

func TestNew_Genesis(t *testing.T) {
	l := newTestLedger(t, 3)

	require.Equal(t, 1, l.Len())

	genesis := l.Tip()
	require.Equal(t, uint64(0), genesis.Index)
	require.Equal(t, GenesisPreviousHash, genesis.PreviousHash)
	require.Equal(t, []Transaction{GenesisTransaction}, genesis.Transactions)
	require.True(t, strings.HasPrefix(genesis.Hash, "000"), genesis.Hash)
	require.Equal(t, genesis.Hash, genesis.CalculateHash())
	require.True(t, l.IsValid())
	require.Empty(t, l.Pending())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Difficulty = MaxDifficulty + 1

	_, err := New(t.Context(), cfg, WithLogger(zerolog.Nop()))
	require.Error(t, err)
}

func TestAddTransaction(t *testing.T) {
	l := newTestLedger(t, 1)

	require.NoError(t, l.AddTransaction("A pays B 5"))
	require.NoError(t, l.AddTransaction("B pays C 2"))

	require.Equal(t, []Transaction{"A pays B 5", "B pays C 2"}, l.Pending())
}

func TestAddTransaction_Empty(t *testing.T) {
	l := newTestLedger(t, 1)

	require.ErrorIs(t, l.AddTransaction(""), ErrEmptyTransaction)
	require.Empty(t, l.Pending())

	require.NoError(t, l.AddTransaction("   "))
	require.Equal(t, []Transaction{"   "}, l.Pending())
}

func TestSealNextBlock_EndToEnd(t *testing.T) {
	l := newTestLedger(t, 2)
	require.True(t, l.IsValid())

	require.NoError(t, l.AddTransaction("A pays B 5"))

	block, sealed, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)
	require.True(t, sealed)

	require.Equal(t, uint64(1), block.Index)
	require.Equal(t, []Transaction{"A pays B 5", "Reward to M: 10 Coins"}, block.Transactions)
	require.True(t, strings.HasPrefix(block.Hash, "00"), block.Hash)

	genesis, err := l.Block(0)
	require.NoError(t, err)
	require.Equal(t, genesis.Hash, block.PreviousHash)

	require.Empty(t, l.Pending())
	require.Equal(t, 2, l.Len())
	require.True(t, l.IsValid())
}

func TestSealNextBlock_NothingPending(t *testing.T) {
	l := newTestLedger(t, 1)

	block, sealed, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)
	require.False(t, sealed)
	require.Equal(t, Block{}, block)
	require.Equal(t, 1, l.Len())
}

func TestSealNextBlock_EmptyMiner(t *testing.T) {
	l := newTestLedger(t, 1)
	require.NoError(t, l.AddTransaction("A pays B 5"))

	_, sealed, err := l.SealNextBlock(t.Context(), "")
	require.ErrorIs(t, err, ErrEmptyMinerIdentity)
	require.False(t, sealed)
	require.Equal(t, 1, l.Len())
	require.Len(t, l.Pending(), 1)

	block, sealed, err := l.SealNextBlock(t.Context(), " ")
	require.NoError(t, err)
	require.True(t, sealed)
	require.Equal(t, Transaction("Reward to  : 10 Coins"), block.Transactions[1])
}

func TestSealNextBlock_PendingLifecycle(t *testing.T) {
	l := newTestLedger(t, 1)

	for i := range 4 {
		require.NoError(t, l.AddTransaction(Transaction(fmt.Sprintf("tx-%d", i))))
	}

	before := len(l.Pending())

	block, sealed, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)
	require.True(t, sealed)

	require.Empty(t, l.Pending())
	require.Len(t, block.Transactions, before+1)
	require.Equal(t, Transaction("Reward to M: 10 Coins"), block.Transactions[before])
}

func TestSealNextBlock_Linkage(t *testing.T) {
	l := newTestLedger(t, 1)

	for i := range 5 {
		require.NoError(t, l.AddTransaction(Transaction(fmt.Sprintf("tx-%d", i))))

		_, sealed, err := l.SealNextBlock(t.Context(), "M")
		require.NoError(t, err)
		require.True(t, sealed)
	}

	blocks := l.Blocks()
	require.Len(t, blocks, 6)

	for i := 1; i < len(blocks); i++ {
		require.Equal(t, uint64(i), blocks[i].Index)
		require.Equal(t, blocks[i-1].Hash, blocks[i].PreviousHash)
		require.Equal(t, blocks[i].Hash, blocks[i].CalculateHash())
	}

	require.True(t, l.IsValid())
}

func TestSealNextBlock_TimestampCapturedBeforeSearch(t *testing.T) {
	l := newTestLedger(t, 2, WithClock(func() time.Time { return fixedTime }))
	require.NoError(t, l.AddTransaction("A pays B 5"))

	block, _, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)

	require.True(t, block.Timestamp.Equal(fixedTime.Truncate(time.Second)))

	expected, err := SealBlock(t.Context(), 1, fixedTime, block.Transactions, block.PreviousHash, 2)
	require.NoError(t, err)
	require.Equal(t, expected, block)
}

func TestSealNextBlock_TransactionAddedMidSeal(t *testing.T) {
	var (
		l     *Ledger
		calls int
	)

	clock := func() time.Time {
		calls++
		if calls == 2 {
			require.NoError(t, l.AddTransaction("late"))
		}

		return fixedTime
	}

	l = newTestLedger(t, 2, WithClock(clock))
	require.NoError(t, l.AddTransaction("A pays B 5"))

	block, sealed, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)
	require.True(t, sealed)

	require.Equal(t, []Transaction{"A pays B 5", "Reward to M: 10 Coins"}, block.Transactions)
	require.Equal(t, []Transaction{"late"}, l.Pending())

	next, sealed, err := l.SealNextBlock(t.Context(), "N")
	require.NoError(t, err)
	require.True(t, sealed)
	require.Equal(t, []Transaction{"late", "Reward to N: 10 Coins"}, next.Transactions)
	require.True(t, l.IsValid())
}

func TestSealNextBlock_ConcurrentIntake(t *testing.T) {
	l := newTestLedger(t, 2)

	const writers, perWriter = 4, 25

	var wg sync.WaitGroup

	for w := range writers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range perWriter {
				assert.NoError(t, l.AddTransaction(Transaction(fmt.Sprintf("w%d-%d", w, i))))
			}
		}()
	}

	sealerDone := make(chan struct{})

	go func() {
		defer close(sealerDone)

		for range 10 {
			_, _, err := l.SealNextBlock(context.Background(), "M")
			assert.NoError(t, err)
		}
	}()

	wg.Wait()
	<-sealerDone

	_, _, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)

	seen := make(map[Transaction]int)

	for _, b := range l.Blocks()[1:] {
		for _, tx := range b.Transactions {
			if strings.HasPrefix(string(tx), "Reward to ") {
				continue
			}

			seen[tx]++
		}
	}

	require.Len(t, seen, writers*perWriter)

	for tx, n := range seen {
		require.Equal(t, 1, n, "transaction %q sealed more than once", tx)
	}

	require.Empty(t, l.Pending())
	require.True(t, l.IsValid())
}

func TestSealNextBlock_CancelledLeavesStateUntouched(t *testing.T) {
	l := newTestLedger(t, 1)
	require.NoError(t, l.AddTransaction("A pays B 5"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, sealed, err := l.SealNextBlock(ctx, "M")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, sealed)
	require.Equal(t, 1, l.Len())
	require.Equal(t, []Transaction{"A pays B 5"}, l.Pending())
}

func TestSealNextBlock_SealTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Difficulty = 1
	cfg.SealTimeout = 20 * time.Millisecond

	l, err := New(t.Context(), cfg, WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	require.NoError(t, l.AddTransaction("A pays B 5"))

	// unreachable target so only the timeout can end the search
	l.cfg.Difficulty = MaxDifficulty

	_, sealed, err := l.SealNextBlock(t.Context(), "M")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, sealed)
	require.Len(t, l.Pending(), 1)
}

func TestIsValid_TamperDetection(t *testing.T) {
	tampers := map[string]func(*Ledger){
		"transaction text": func(l *Ledger) { l.chain[1].Transactions[0] = "A pays B 500" },
		"index":            func(l *Ledger) { l.chain[1].Index = 7 },
		"timestamp":        func(l *Ledger) { l.chain[1].Timestamp = l.chain[1].Timestamp.Add(time.Hour) },
		"sub-second":       func(l *Ledger) { l.chain[1].Timestamp = l.chain[1].Timestamp.Add(900 * time.Millisecond) },
		"lower difficulty": func(l *Ledger) { l.chain[1].Difficulty = 0 },
		"raise difficulty": func(l *Ledger) { l.chain[2].Difficulty = MaxDifficulty },
		"nonce":            func(l *Ledger) { l.chain[2].Nonce++ },
		"hash":             func(l *Ledger) { l.chain[1].Hash = strings.Repeat("0", MaxDifficulty) },
		"previous hash":    func(l *Ledger) { l.chain[2].PreviousHash = l.chain[0].Hash },
		"reorder":          func(l *Ledger) { l.chain[1], l.chain[2] = l.chain[2], l.chain[1] },
	}

	for name, tamper := range tampers {
		t.Run(name, func(t *testing.T) {
			l := newTestLedger(t, 1)

			for _, tx := range []Transaction{"A pays B 5", "B pays C 3"} {
				require.NoError(t, l.AddTransaction(tx))

				_, _, err := l.SealNextBlock(t.Context(), "M")
				require.NoError(t, err)
			}

			require.True(t, l.IsValid())

			tamper(l)

			require.False(t, l.IsValid())

			_, ok := FailedIndex(l.Verify())
			require.True(t, ok)
		})
	}
}

func TestVerify_ReportsFirstFailingBlock(t *testing.T) {
	l := newTestLedger(t, 1)

	for i := range 3 {
		require.NoError(t, l.AddTransaction(Transaction(fmt.Sprintf("tx-%d", i))))

		_, _, err := l.SealNextBlock(t.Context(), "M")
		require.NoError(t, err)
	}

	l.chain[2].Transactions[0] = "forged"

	index, ok := FailedIndex(l.Verify())
	require.True(t, ok)
	require.Equal(t, uint64(2), index)
}

func TestVerify_ReasonPerCheck(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*Ledger)
		reason string
	}{
		{
			name:   "sub-second timestamp",
			tamper: func(l *Ledger) { l.chain[1].Timestamp = l.chain[1].Timestamp.Add(time.Millisecond) },
			reason: "timestamp has sub-second precision",
		},
		{
			name:   "difficulty lowered below ledger",
			tamper: func(l *Ledger) { l.chain[1].Difficulty = 0 },
			reason: "difficulty does not match ledger",
		},
		{
			name:   "difficulty out of range",
			tamper: func(l *Ledger) { l.chain[1].Difficulty = 1 << 63 },
			reason: "difficulty exceeds digest length",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, 1)
			require.NoError(t, l.AddTransaction("A pays B 5"))

			_, _, err := l.SealNextBlock(t.Context(), "M")
			require.NoError(t, err)

			tt.tamper(l)

			var verr *ValidationError
			require.ErrorAs(t, l.Verify(), &verr)
			require.Equal(t, uint64(1), verr.Index)
			require.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestIsValid_GenesisTrusted(t *testing.T) {
	l := newTestLedger(t, 1)

	l.chain[0].Transactions[0] = "rewritten"

	require.True(t, l.IsValid())
}

func TestVerifyChain_Empty(t *testing.T) {
	require.ErrorIs(t, VerifyChain(nil), ErrEmptyChain)
}

func TestReadViewsAreCopies(t *testing.T) {
	l := newTestLedger(t, 1)
	require.NoError(t, l.AddTransaction("A pays B 5"))

	pending := l.Pending()
	pending[0] = "changed"
	require.Equal(t, []Transaction{"A pays B 5"}, l.Pending())

	_, _, err := l.SealNextBlock(t.Context(), "M")
	require.NoError(t, err)

	blocks := l.Blocks()
	blocks[1].Transactions[0] = "changed"
	blocks[1].Hash = "changed"

	tip := l.Tip()
	tip.Transactions[0] = "changed"

	reward := l.Reward()
	reward.SetUint64(1000)

	require.True(t, l.IsValid())
	require.Equal(t, Transaction("A pays B 5"), l.Tip().Transactions[0])
	require.Equal(t, "10", l.Reward().Dec())
}

func TestBlock_NotFound(t *testing.T) {
	l := newTestLedger(t, 1)

	_, err := l.Block(1)
	require.ErrorIs(t, err, ErrBlockNotFound)
}
