package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
	"github.com/warp/revenue-engine/revenue/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) revenue.Store { return newTestStore(t) })
}

func TestSQLite_LogIsAppendOnly(t *testing.T) {
	// GIVEN: A wallet with one entry
	s := newTestStore(t)
	ctx := context.Background()
	ledger := revenue.NewLedger(s)
	_, err := ledger.Credit(ctx, revenue.Posting{Owner: "aff-1", Amount: decimal.NewFromInt(100), Type: revenue.TxCommission})
	require.NoError(t, err)

	// WHEN: Someone edits the log directly
	_, err = s.db.ExecContext(ctx, `UPDATE wallet_transactions SET amount = '1000000'`)

	// THEN: The database refuses
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.ExecContext(ctx, `DELETE FROM wallet_transactions`)
	require.Error(t, err)

	history, err := ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	storetest.AssertAmount(t, "100", history[0].Amount)
}

func TestSQLite_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "revenue.db")
	ctx := context.Background()

	s, err := New(path)
	require.NoError(t, err)
	ledger := revenue.NewLedger(s)
	_, err = ledger.Credit(ctx, revenue.Posting{
		Owner:          "aff-1",
		Amount:         decimal.RequireFromString("1234.5678"),
		Type:           revenue.TxCommission,
		IdempotencyKey: "sale:1:affiliate:aff-1",
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN: The database is reopened
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN: Balances survive exactly, and the key is still taken
	w, err := s.FindByOwner(ctx, "aff-1")
	require.NoError(t, err)
	storetest.AssertAmount(t, "1234.5678", w.Balance)

	_, err = revenue.NewLedger(s).Credit(ctx, revenue.Posting{
		Owner:          "aff-1",
		Amount:         decimal.NewFromInt(1),
		Type:           revenue.TxCommission,
		IdempotencyKey: "sale:1:affiliate:aff-1",
	})
	assert.ErrorIs(t, err, revenue.ErrDuplicateIdempotencyKey)
}

func TestSQLite_DistributeEndToEnd(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	share := decimal.NewFromInt(70)
	require.NoError(t, s.SaveCourse(ctx, revenue.Course{ID: "go-101", MentorID: "mentor-1", MentorShare: &share, Active: true}))

	policy := revenue.CommissionPolicy{
		Rates:     map[revenue.SaleKind]decimal.Decimal{revenue.SaleCourse: decimal.NewFromInt(10)},
		Precision: 2,
	}
	dist := revenue.NewDistributor(s, revenue.NewResolver(s))
	sale := revenue.CourseSale{
		SaleBase: revenue.SaleBase{ID: "sale-6", Amount: decimal.NewFromInt(500000), AffiliateID: "aff-1"},
		CourseID: "go-101",
	}

	result, err := dist.Distribute(ctx, policy, sale)
	require.NoError(t, err)
	storetest.AssertAmount(t, "350000", result.MentorCredited)
	storetest.AssertAmount(t, "50000", result.AffiliateCredited)

	// Replay hits the fast path and the unique constraints
	result, err = dist.Distribute(ctx, policy, sale)
	require.NoError(t, err)
	assert.Equal(t, revenue.SkipAlreadyProcessed, result.SkippedReason)

	reports, err := revenue.NewLedger(s).ReconcileAll(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 2)
}
