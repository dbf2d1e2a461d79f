package api

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/factory"
	"github.com/warp/revenue-engine/revenue"
	"github.com/warp/revenue-engine/revenue/store"
)

func TestScheduler_ReportsDrift(t *testing.T) {
	// GIVEN: Two wallets, one edited behind the ledger's back
	ctx := context.Background()
	mem := store.NewMemory()
	cfg, err := factory.NewPolicyFactory().ParsePolicy(factory.DefaultPolicyJSON())
	require.NoError(t, err)
	h := NewHandler(mem, mem, cfg, zerolog.Nop())

	for _, owner := range []revenue.OwnerID{"aff-1", "aff-2"} {
		_, err := h.ledger.Credit(ctx, revenue.Posting{Owner: owner, Amount: decimal.NewFromInt(100), Type: revenue.TxCommission})
		require.NoError(t, err)
	}
	rs := NewReconciliationScheduler(h, time.Hour, zerolog.Nop())
	assert.Equal(t, 0, rs.RunOnce(ctx))

	require.NoError(t, mem.WithTx(ctx, func(tx revenue.Tx) error {
		w, err := tx.LockWallet(ctx, "aff-2", false)
		if err != nil {
			return err
		}
		w.Balance = w.Balance.Add(decimal.NewFromInt(1))
		return tx.SaveWallet(ctx, w)
	}))

	// WHEN: The scheduler runs
	violations := rs.RunOnce(ctx)

	// THEN: Exactly the edited wallet is reported
	assert.Equal(t, 1, violations)
	at, n := rs.LastRun()
	assert.False(t, at.IsZero())
	assert.Equal(t, 1, n)
}

func TestScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	cfg, err := factory.NewPolicyFactory().ParsePolicy(factory.DefaultPolicyJSON())
	require.NoError(t, err)
	h := NewHandler(mem, mem, cfg, zerolog.Nop())

	rs := NewReconciliationScheduler(h, time.Hour, zerolog.Nop())
	rs.Start()
	rs.Start()
	require.Eventually(t, func() bool {
		at, _ := rs.LastRun()
		return !at.IsZero()
	}, time.Second, 10*time.Millisecond)
	rs.Stop()
	rs.Stop()

	disabled := NewReconciliationScheduler(h, 0, zerolog.Nop())
	disabled.Start()
	disabled.Stop()
	at, _ := disabled.LastRun()
	assert.True(t, at.IsZero())
}
