package revenue_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
	"github.com/warp/revenue-engine/revenue/store"
	"github.com/warp/revenue-engine/revenue/storetest"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type payoutEnv struct {
	*distEnv
	payouts *revenue.PayoutService
}

func newTestPayouts(t *testing.T, rules revenue.PayoutRules) *payoutEnv {
	t.Helper()
	env := newTestDistributor(t, store.NewMemory())
	return &payoutEnv{
		distEnv: env,
		payouts: revenue.NewPayoutService(env.store, rules,
			revenue.WithNotifier(env.events), revenue.WithClock(clock)),
	}
}

// fund gives owner a balance through a real sale at 10%.
func (e *payoutEnv) fund(t *testing.T, owner revenue.OwnerID, sale, amount string) {
	t.Helper()
	_, err := e.dist.Distribute(context.Background(), e.policy, productSale(sale, amount, string(owner)))
	require.NoError(t, err)
}

func (e *payoutEnv) wallet(t *testing.T, owner revenue.OwnerID) *revenue.Wallet {
	t.Helper()
	w, err := e.ledger.Wallet(context.Background(), owner)
	require.NoError(t, err)
	return w
}

// =============================================================================
// REQUEST
// =============================================================================

func TestPayout_RequestHoldsFunds(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()

	// WHEN: Requesting 15,000 of a 20,000 balance
	p, err := env.payouts.Request(ctx, "aff-1", dec("15000"), "monthly")
	require.NoError(t, err)

	// THEN: PENDING, and the amount is held
	assert.Equal(t, revenue.PayoutPending, p.Status)
	assert.Equal(t, "monthly", p.Note)
	assert.Equal(t, fixedNow, p.RequestedAt)
	assert.Nil(t, p.ProcessedAt)

	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "5000", w.Balance)
	storetest.AssertAmount(t, "15000", w.PendingPayout)
	storetest.AssertAmount(t, "20000", w.TotalEarned)
	storetest.AssertAmount(t, "0", w.TotalPayout)

	pending, err := env.payouts.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, p.ID, pending[0].ID)

	// A second request cannot spend the held funds
	_, err = env.payouts.Request(ctx, "aff-1", dec("6000"), "")
	assert.ErrorIs(t, err, revenue.ErrInsufficientBalance)
}

func TestPayout_RequestAboveBalance(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()

	// WHEN: Requesting 25,000 against 20,000
	p, err := env.payouts.Request(ctx, "aff-1", dec("25000"), "")

	// THEN: Rejected, nothing created or held
	require.ErrorIs(t, err, revenue.ErrInsufficientBalance)
	assert.Nil(t, p)

	mine, err := env.payouts.ListByOwner(ctx, "aff-1")
	require.NoError(t, err)
	assert.Empty(t, mine)
	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "20000", w.Balance)
	storetest.AssertAmount(t, "0", w.PendingPayout)
}

func TestPayout_RequestValidation(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{MinAmount: dec("100")})
	env.fund(t, "aff-1", "sale-1", "10000")
	ctx := context.Background()

	for _, amount := range []string{"0", "-10", "99.99"} {
		_, err := env.payouts.Request(ctx, "aff-1", dec(amount), "")
		assert.ErrorIs(t, err, revenue.ErrInvalidPayoutAmount, amount)
	}
	_, err := env.payouts.Request(ctx, "", dec("100"), "")
	assert.ErrorIs(t, err, revenue.ErrInvalidPayoutAmount)

	// An owner who never earned has nothing to withdraw
	_, err = env.payouts.Request(ctx, "stranger", dec("100"), "")
	assert.ErrorIs(t, err, revenue.ErrInsufficientBalance)

	_, err = env.payouts.Request(ctx, "aff-1", dec("100"), "")
	assert.NoError(t, err)
}

// =============================================================================
// APPROVE
// =============================================================================

func TestPayout_Approve(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{FeeFlat: dec("5"), FeePercent: dec("1"), Precision: 2})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("15000"), "")
	require.NoError(t, err)

	// WHEN: Approving
	approved, err := env.payouts.Approve(ctx, p.ID, "admin-1")
	require.NoError(t, err)

	// THEN: APPROVED, balance 5,000, hold moved to lifetime payouts
	assert.Equal(t, revenue.PayoutApproved, approved.Status)
	assert.Equal(t, "admin-1", approved.ProcessedBy)
	require.NotNil(t, approved.ProcessedAt)
	storetest.AssertAmount(t, "155", approved.Fee)
	storetest.AssertAmount(t, "14845", approved.NetAmount)

	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "5000", w.Balance)
	storetest.AssertAmount(t, "15000", w.TotalPayout)
	storetest.AssertAmount(t, "0", w.PendingPayout)

	// The stored payout matches what was returned
	got, err := env.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, revenue.PayoutApproved, got.Status)

	// Approval writes no balance entry
	history, err := env.ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, revenue.TxPayoutHold, history[1].Type)

	_, err = env.ledger.Reconcile(ctx, "aff-1")
	assert.NoError(t, err)

	assert.Contains(t, env.events.types(), revenue.EventPayoutApproved)
}

func TestPayout_ApproveMarksCoveredConversionsPaid(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	ctx := context.Background()
	// Conversions of 100, 200 and 300, oldest first
	env.fund(t, "aff-1", "sale-1", "1000")
	env.fund(t, "aff-1", "sale-2", "2000")
	env.fund(t, "aff-1", "sale-3", "3000")

	// WHEN: Approving a payout of 350
	p, err := env.payouts.Request(ctx, "aff-1", dec("350"), "")
	require.NoError(t, err)
	_, err = env.payouts.Approve(ctx, p.ID, "admin")
	require.NoError(t, err)

	// THEN: 100 and 200 are covered, 300 is not
	convs, err := env.tracker.ListByAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.True(t, convs[0].PaidOut)
	assert.True(t, convs[1].PaidOut)
	assert.False(t, convs[2].PaidOut)

	// WHEN: The remaining 250 is paid out
	p, err = env.payouts.Request(ctx, "aff-1", dec("250"), "")
	require.NoError(t, err)
	_, err = env.payouts.Approve(ctx, p.ID, "admin")
	require.NoError(t, err)

	convs, err = env.tracker.ListByAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	assert.True(t, convs[2].PaidOut)
}

func TestPayout_SettleSpendsOtherIncomeFirst(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	ctx := context.Background()
	// GIVEN: 10 of commission and 700 of other income
	env.fund(t, "aff-1", "sale-1", "100")
	_, err := env.ledger.Credit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("700"), Type: revenue.TxAdjustment, Description: "mentor bonus"})
	require.NoError(t, err)

	// WHEN: Withdrawing 10
	p, err := env.payouts.Request(ctx, "aff-1", dec("10"), "")
	require.NoError(t, err)
	_, err = env.payouts.Approve(ctx, p.ID, "admin")
	require.NoError(t, err)

	// THEN: The commission is not yet considered paid
	convs, err := env.tracker.ListByAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.False(t, convs[0].PaidOut)

	// WHEN: Withdrawing the rest
	p, err = env.payouts.Request(ctx, "aff-1", dec("700"), "")
	require.NoError(t, err)
	_, err = env.payouts.Approve(ctx, p.ID, "admin")
	require.NoError(t, err)

	convs, err = env.tracker.ListByAffiliate(ctx, "aff-1")
	require.NoError(t, err)
	assert.True(t, convs[0].PaidOut)
}

// =============================================================================
// REJECT
// =============================================================================

func TestPayout_RejectRefunds(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("15000"), "")
	require.NoError(t, err)

	// WHEN: Rejecting with a reason
	rejected, err := env.payouts.Reject(ctx, p.ID, "admin-1", "bank details invalid")
	require.NoError(t, err)

	// THEN: REJECTED with the reason, balance restored to 20,000
	assert.Equal(t, revenue.PayoutRejected, rejected.Status)
	assert.Equal(t, "bank details invalid", rejected.RejectionReason)
	require.NotNil(t, rejected.ProcessedAt)

	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "20000", w.Balance)
	storetest.AssertAmount(t, "0", w.PendingPayout)
	storetest.AssertAmount(t, "0", w.TotalPayout)

	// AND: Hold and refund both stay in the log and net to zero
	history, err := env.ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, revenue.TxPayoutHold, history[1].Type)
	assert.Equal(t, revenue.TxPayoutRefund, history[2].Type)
	assert.True(t, history[1].Amount.Add(history[2].Amount).IsZero())

	_, err = env.ledger.Reconcile(ctx, "aff-1")
	assert.NoError(t, err)
}

func TestPayout_RejectRequiresReason(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "1000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("50"), "")
	require.NoError(t, err)

	for _, reason := range []string{"", "   "} {
		_, err := env.payouts.Reject(ctx, p.ID, "admin", reason)
		assert.ErrorIs(t, err, revenue.ErrReasonRequired)
	}

	got, err := env.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, revenue.PayoutPending, got.Status)
}

func TestPayout_LedgerCannotPostHoldOrRefund(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("15000"), "")
	require.NoError(t, err)

	// WHEN: Posting a refund or a hold outside the payout workflow
	_, err = env.ledger.Credit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("15000"), Type: revenue.TxPayoutRefund, Reference: string(p.ID)})
	assert.ErrorIs(t, err, revenue.ErrInvalidPosting)
	_, err = env.ledger.Debit(ctx, revenue.Posting{Owner: "aff-1", Amount: dec("100"), Type: revenue.TxPayoutHold})
	assert.ErrorIs(t, err, revenue.ErrInvalidPosting)

	// THEN: The hold is untouched
	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "5000", w.Balance)
	storetest.AssertAmount(t, "15000", w.PendingPayout)

	// AND: The payout can still leave PENDING
	rejected, err := env.payouts.Reject(ctx, p.ID, "admin", "duplicate")
	require.NoError(t, err)
	assert.Equal(t, revenue.PayoutRejected, rejected.Status)
	storetest.AssertAmount(t, "20000", env.wallet(t, "aff-1").Balance)
}

func TestPayout_ApproveUncoveredHold(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "10000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("100"), "")
	require.NoError(t, err)

	// GIVEN: Pending payouts cleared behind the ledger's back
	err = env.store.WithTx(ctx, func(tx revenue.Tx) error {
		w, err := tx.LockWallet(ctx, "aff-1", false)
		if err != nil {
			return err
		}
		w.PendingPayout = dec("0")
		return tx.SaveWallet(ctx, w)
	})
	require.NoError(t, err)

	// WHEN: Approving
	_, err = env.payouts.Approve(ctx, p.ID, "admin")

	// THEN: An integrity violation that claims no log sum it never computed
	require.ErrorIs(t, err, revenue.ErrLedgerIntegrityViolation)
	var ie *revenue.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.False(t, ie.LedgerSum.Valid)
	assert.NotContains(t, err.Error(), "log sum")

	got, err := env.payouts.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, revenue.PayoutPending, got.Status)
}

// =============================================================================
// TERMINALITY
// =============================================================================

func TestPayout_TerminalStates(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "10000")
	ctx := context.Background()

	approved, err := env.payouts.Request(ctx, "aff-1", dec("100"), "")
	require.NoError(t, err)
	_, err = env.payouts.Approve(ctx, approved.ID, "admin")
	require.NoError(t, err)

	rejected, err := env.payouts.Request(ctx, "aff-1", dec("100"), "")
	require.NoError(t, err)
	_, err = env.payouts.Reject(ctx, rejected.ID, "admin", "duplicate")
	require.NoError(t, err)

	before, err := env.ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	walletBefore := env.wallet(t, "aff-1")

	for _, id := range []revenue.PayoutID{approved.ID, rejected.ID} {
		_, err := env.payouts.Approve(ctx, id, "admin")
		assert.ErrorIs(t, err, revenue.ErrAlreadyProcessed)
		var te *revenue.TransitionError
		assert.True(t, errors.As(err, &te))

		_, err = env.payouts.Reject(ctx, id, "admin", "again")
		assert.ErrorIs(t, err, revenue.ErrAlreadyProcessed)
	}

	after, err := env.ledger.History(ctx, "aff-1")
	require.NoError(t, err)
	assert.Len(t, after, len(before), "no further entries")
	walletAfter := env.wallet(t, "aff-1")
	assert.True(t, walletBefore.Balance.Equal(walletAfter.Balance))
	assert.True(t, walletBefore.TotalPayout.Equal(walletAfter.TotalPayout))

	_, err = env.payouts.Approve(ctx, "missing", "admin")
	assert.ErrorIs(t, err, revenue.ErrPayoutNotFound)
}

func TestPayout_ConcurrentDoubleApproval(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "200000")
	ctx := context.Background()
	p, err := env.payouts.Request(ctx, "aff-1", dec("15000"), "")
	require.NoError(t, err)

	// WHEN: Ten admins approve or reject at once
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins, lost := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = env.payouts.Approve(ctx, p.ID, "admin")
			} else {
				_, err = env.payouts.Reject(ctx, p.ID, "admin", "race")
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, revenue.ErrAlreadyProcessed):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one decision was applied
	assert.Equal(t, 1, wins)
	assert.Equal(t, 9, lost)

	w := env.wallet(t, "aff-1")
	storetest.AssertAmount(t, "0", w.PendingPayout)
	_, err = env.ledger.Reconcile(ctx, "aff-1")
	assert.NoError(t, err)
}

func TestPayout_ListByOwnerNewestFirst(t *testing.T) {
	env := newTestPayouts(t, revenue.PayoutRules{})
	env.fund(t, "aff-1", "sale-1", "10000")
	ctx := context.Background()

	first, err := env.payouts.Request(ctx, "aff-1", dec("10"), "")
	require.NoError(t, err)
	second, err := env.payouts.Request(ctx, "aff-1", dec("20"), "")
	require.NoError(t, err)

	mine, err := env.payouts.ListByOwner(ctx, "aff-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)
}
