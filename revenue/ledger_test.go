package revenue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
	"github.com/warp/revenue-engine/revenue/store"
	"github.com/warp/revenue-engine/revenue/storetest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// recorder collects events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []revenue.Event
}

func (r *recorder) Notify(_ context.Context, e revenue.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) types() []revenue.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]revenue.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

var fixedNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newTestLedger(t *testing.T) (*revenue.Ledger, *store.Memory, *recorder) {
	t.Helper()
	mem := store.NewMemory()
	rec := &recorder{}
	return revenue.NewLedger(mem, revenue.WithNotifier(rec), revenue.WithClock(clock)), mem, rec
}

func commission(owner revenue.OwnerID, amount string) revenue.Posting {
	return revenue.Posting{Owner: owner, Amount: dec(amount), Type: revenue.TxCommission, Reference: "sale:test"}
}

// =============================================================================
// CREDIT / DEBIT
// =============================================================================

func TestLedger_CreditCreatesWallet(t *testing.T) {
	ledger, _, rec := newTestLedger(t)
	ctx := context.Background()

	// WHEN: Crediting an owner with no wallet
	entry, err := ledger.Credit(ctx, commission("aff-1", "20000"))
	require.NoError(t, err)

	// THEN: The wallet exists with the credit applied
	w, err := ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "20000", w.Balance)
	storetest.AssertAmount(t, "20000", w.TotalEarned)
	storetest.AssertAmount(t, "0", w.TotalPayout)

	assert.Equal(t, revenue.Credit, entry.Direction)
	storetest.AssertAmount(t, "20000", entry.Amount)
	storetest.AssertAmount(t, "20000", entry.BalanceAfter)
	assert.Equal(t, fixedNow, entry.CreatedAt)
	assert.NotEmpty(t, entry.ID)

	assert.Equal(t, []revenue.EventType{revenue.EventWalletCredited}, rec.types())
}

func TestLedger_DebitCap(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, commission("aff-1", "100"))
	require.NoError(t, err)

	// WHEN: Debiting more than the balance
	_, err = ledger.Debit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("100.01"), Type: revenue.TxClawback})

	// THEN: InsufficientBalance with details, nothing applied
	require.ErrorIs(t, err, revenue.ErrInsufficientBalance)
	var ibe *revenue.InsufficientBalanceError
	require.True(t, errors.As(err, &ibe))
	storetest.AssertAmount(t, "100", ibe.Available)
	storetest.AssertAmount(t, "0.01", ibe.Shortfall())

	w, err := ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "100", w.Balance)
	history, err := ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	// Debiting the exact balance is allowed
	entry, err := ledger.Debit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("100"), Type: revenue.TxClawback})
	require.NoError(t, err)
	storetest.AssertAmount(t, "-100", entry.Amount)
	storetest.AssertAmount(t, "0", entry.BalanceAfter)

	w, err = ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "0", w.TotalEarned)
}

func TestLedger_DebitMissingWallet(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.Debit(context.Background(), revenue.Posting{Owner: "ghost", Amount: dec("1"), Type: revenue.TxClawback})
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)
}

func TestLedger_InvalidPostings(t *testing.T) {
	ledger, _, rec := newTestLedger(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		debit bool
		p     revenue.Posting
	}{
		{"zero amount", false, revenue.Posting{Owner: "a", Amount: dec("0"), Type: revenue.TxCommission}},
		{"negative amount", false, revenue.Posting{Owner: "a", Amount: dec("-5"), Type: revenue.TxCommission}},
		{"missing owner", false, revenue.Posting{Amount: dec("5"), Type: revenue.TxCommission}},
		{"unknown type", false, revenue.Posting{Owner: "a", Amount: dec("5"), Type: "bonus"}},
		{"clawback as credit", false, revenue.Posting{Owner: "a", Amount: dec("5"), Type: revenue.TxClawback}},
		{"commission as debit", true, revenue.Posting{Owner: "a", Amount: dec("5"), Type: revenue.TxCommission}},
		{"payout hold", true, revenue.Posting{Owner: "a", Amount: dec("5"), Type: revenue.TxPayoutHold}},
		{"payout refund", false, revenue.Posting{Owner: "a", Amount: dec("5"), Type: revenue.TxPayoutRefund}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var err error
			if tc.debit {
				_, err = ledger.Debit(ctx, tc.p)
			} else {
				_, err = ledger.Credit(ctx, tc.p)
			}
			assert.ErrorIs(t, err, revenue.ErrInvalidPosting)
		})
	}

	_, err := ledger.Wallet(ctx, "a")
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)
	assert.Empty(t, rec.types())
}

func TestLedger_IdempotencyKey(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	p := commission("aff-1", "50")
	p.IdempotencyKey = "sale:1:affiliate:aff-1"

	_, err := ledger.Credit(ctx, p)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, p)
	require.ErrorIs(t, err, revenue.ErrDuplicateIdempotencyKey)

	w, err := ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "50", w.Balance)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestLedger_SameWalletSerializes(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, commission("aff-1", "100"))
	require.NoError(t, err)

	// GIVEN: 50 concurrent debits of 3 against a balance of 100
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, short := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Debit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("3"), Type: revenue.TxClawback})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, revenue.ErrInsufficientBalance):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	// THEN: Exactly 33 fit, the balance never went negative
	assert.Equal(t, 33, succeeded)
	assert.Equal(t, 17, short)
	w, err := ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "1", w.Balance)

	_, err = ledger.Reconcile(ctx, "aff-1")
	assert.NoError(t, err)
}

func TestLedger_DifferentWalletsIndependent(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	owners := []revenue.OwnerID{"a", "b", "c", "d"}
	for _, o := range owners {
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(o revenue.OwnerID) {
				defer wg.Done()
				_, err := ledger.Credit(ctx, commission(o, "1.10"))
				assert.NoError(t, err)
			}(o)
		}
	}
	wg.Wait()

	reports, err := ledger.ReconcileAll(ctx)
	require.NoError(t, err)
	require.Len(t, reports, len(owners))
	for _, r := range reports {
		storetest.AssertAmount(t, "11", r.Balance)
		assert.Equal(t, 10, r.Entries)
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestLedger_ReconcileDetectsTamperedWallet(t *testing.T) {
	ledger, mem, _ := newTestLedger(t)
	ctx := context.Background()
	_, err := ledger.Credit(ctx, commission("aff-1", "100"))
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, commission("aff-2", "100"))
	require.NoError(t, err)

	// GIVEN: A wallet aggregate written behind the ledger's back
	err = mem.WithTx(ctx, func(tx revenue.Tx) error {
		w, err := tx.LockWallet(ctx, "aff-1", false)
		if err != nil {
			return err
		}
		w.Balance = dec("150")
		return tx.SaveWallet(ctx, w)
	})
	require.NoError(t, err)

	// WHEN: Reconciling
	r, err := ledger.Reconcile(ctx, "aff-1")

	// THEN: An integrity violation with both sides of the mismatch
	require.ErrorIs(t, err, revenue.ErrLedgerIntegrityViolation)
	var ie *revenue.IntegrityError
	require.True(t, errors.As(err, &ie))
	storetest.AssertAmount(t, "150", ie.Balance)
	require.True(t, ie.LedgerSum.Valid)
	storetest.AssertAmount(t, "100", ie.LedgerSum.Decimal)
	storetest.AssertAmount(t, "100", r.LedgerSum)

	// AND: ReconcileAll reports it alongside the healthy wallet
	reports, err := ledger.ReconcileAll(ctx)
	require.ErrorIs(t, err, revenue.ErrLedgerIntegrityViolation)
	assert.Len(t, reports, 2)

	// AND: Nothing was corrected
	w, err := ledger.Wallet(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "150", w.Balance)
}

func TestLedger_HistoryMissingWallet(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.History(context.Background(), "ghost")
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)
}
