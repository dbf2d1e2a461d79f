/*
Package storetest is the contract every revenue.Store must satisfy.

Each implementation's tests call Run with a constructor returning a fresh,
empty store:

	func TestContract(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) revenue.Store { return NewMemory() })
	}

The suite checks the storage-level guarantees the engine relies on:
rollback of failed units, uniqueness of conversions and idempotency keys,
ordering of reads, and serialization of concurrent postings.
*/
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/revenue-engine/revenue"
)

// Factory returns an empty store. Cleanup is registered on t.
type Factory func(t *testing.T) revenue.Store

func Run(t *testing.T, newStore Factory) {
	t.Run("WalletNotFound", func(t *testing.T) { testWalletNotFound(t, newStore(t)) })
	t.Run("LockWalletCreates", func(t *testing.T) { testLockWalletCreates(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("DuplicateIdempotencyKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("DuplicateConversion", func(t *testing.T) { testDuplicateConversion(t, newStore(t)) })
	t.Run("ConversionsOrderAndPaid", func(t *testing.T) { testConversions(t, newStore(t)) })
	t.Run("PayoutLifecycle", func(t *testing.T) { testPayouts(t, newStore(t)) })
	t.Run("LedgerRoundTrip", func(t *testing.T) { testLedgerRoundTrip(t, newStore(t)) })
	t.Run("ConcurrentCredits", func(t *testing.T) { testConcurrentCredits(t, newStore(t)) })
	t.Run("Courses", func(t *testing.T) { testCourses(t, newStore(t)) })
}

func id(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// AssertAmount compares decimals by value, ignoring scale.
func AssertAmount(t *testing.T, want string, got decimal.Decimal) bool {
	t.Helper()
	return assert.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// WALLETS AND LOG
// =============================================================================

func testWalletNotFound(t *testing.T, s revenue.Store) {
	ctx := context.Background()

	_, err := s.FindByOwner(ctx, "nobody")
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)

	err = s.WithTx(ctx, func(tx revenue.Tx) error {
		_, err := tx.LockWallet(ctx, "nobody", false)
		return err
	})
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)
}

func testLockWalletCreates(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	owner := revenue.OwnerID(id("aff"))

	// WHEN: A wallet is locked with create and saved
	err := s.WithTx(ctx, func(tx revenue.Tx) error {
		w, err := tx.LockWallet(ctx, owner, true)
		if err != nil {
			return err
		}
		AssertAmount(t, "0", w.Balance)
		w.Balance = dec("12.50")
		w.TotalEarned = dec("12.50")
		return tx.SaveWallet(ctx, w)
	})
	require.NoError(t, err)

	// THEN: It is visible outside the unit
	w, err := s.FindByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, owner, w.Owner)
	AssertAmount(t, "12.5", w.Balance)
	AssertAmount(t, "12.5", w.TotalEarned)
	AssertAmount(t, "0", w.PendingPayout)

	wallets, err := s.Wallets(ctx)
	require.NoError(t, err)
	require.Len(t, wallets, 1)
	assert.Equal(t, owner, wallets[0].Owner)
}

func testRollback(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	owner := revenue.OwnerID(id("aff"))
	boom := errors.New("boom")

	// GIVEN: A unit that writes a wallet, an entry and a payout, then fails
	err := s.WithTx(ctx, func(tx revenue.Tx) error {
		w, err := tx.LockWallet(ctx, owner, true)
		if err != nil {
			return err
		}
		w.Balance = dec("100")
		w.TotalEarned = dec("100")
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, entry(owner, "100", "rollback-key")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN: Nothing survived
	_, err = s.FindByOwner(ctx, owner)
	assert.ErrorIs(t, err, revenue.ErrWalletNotFound)
	txs, err := s.Transactions(ctx, owner)
	require.NoError(t, err)
	assert.Empty(t, txs)

	// AND: The idempotency key is still free
	err = s.WithTx(ctx, func(tx revenue.Tx) error {
		if _, err := tx.LockWallet(ctx, owner, true); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, entry(owner, "100", "rollback-key"))
	})
	assert.NoError(t, err)
}

func testDuplicateKey(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	owner := revenue.OwnerID(id("aff"))
	key := id("key")

	append1 := func() error {
		return s.WithTx(ctx, func(tx revenue.Tx) error {
			if _, err := tx.LockWallet(ctx, owner, true); err != nil {
				return err
			}
			return tx.AppendTransaction(ctx, entry(owner, "5", key))
		})
	}
	require.NoError(t, append1())
	assert.ErrorIs(t, append1(), revenue.ErrDuplicateIdempotencyKey)

	// Entries without a key never collide
	for i := 0; i < 2; i++ {
		err := s.WithTx(ctx, func(tx revenue.Tx) error {
			return tx.AppendTransaction(ctx, entry(owner, "1", ""))
		})
		require.NoError(t, err)
	}

	txs, err := s.Transactions(ctx, owner)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	AssertAmount(t, "5", txs[0].Amount)
	assert.Equal(t, key, txs[0].IdempotencyKey)
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func testDuplicateConversion(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	aff := revenue.OwnerID(id("aff"))
	sale := revenue.SaleID(id("sale"))

	insert := func() error {
		return s.WithTx(ctx, func(tx revenue.Tx) error {
			return tx.InsertConversion(ctx, conversion(aff, sale, "20000", time.Now().UTC()))
		})
	}
	require.NoError(t, insert())
	assert.ErrorIs(t, insert(), revenue.ErrDuplicateConversion)

	// Same sale, other affiliate is a different pair
	err := s.WithTx(ctx, func(tx revenue.Tx) error {
		return tx.InsertConversion(ctx, conversion(revenue.OwnerID(id("aff")), sale, "1", time.Now().UTC()))
	})
	require.NoError(t, err)

	c, err := s.FindConversion(ctx, aff, sale)
	require.NoError(t, err)
	AssertAmount(t, "20000", c.CommissionAmount)
	assert.False(t, c.PaidOut)
	assert.Nil(t, c.PaidAt)

	_, err = s.FindConversion(ctx, aff, "other-sale")
	assert.ErrorIs(t, err, revenue.ErrConversionNotFound)
}

func testConversions(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	aff := revenue.OwnerID(id("aff"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var ids []revenue.ConversionID
	for i, amount := range []string{"10", "20", "30"} {
		c := conversion(aff, revenue.SaleID(id("sale")), amount, base.Add(time.Duration(i)*time.Hour))
		ids = append(ids, c.ID)
		require.NoError(t, s.WithTx(ctx, func(tx revenue.Tx) error { return tx.InsertConversion(ctx, c) }))
	}

	list, err := s.ConversionsByAffiliate(ctx, aff)
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := range ids {
		assert.Equal(t, ids[i], list[i].ID, "oldest first")
	}

	paidAt := base.Add(24 * time.Hour)
	err = s.WithTx(ctx, func(tx revenue.Tx) error {
		c, err := tx.GetConversion(ctx, ids[1])
		if err != nil {
			return err
		}
		AssertAmount(t, "20", c.CommissionAmount)
		return tx.MarkConversionPaid(ctx, ids[1], paidAt)
	})
	require.NoError(t, err)

	c, err := s.FindConversionByID(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, c.PaidOut)
	require.NotNil(t, c.PaidAt)
	assert.WithinDuration(t, paidAt, *c.PaidAt, time.Millisecond)

	_, err = s.FindConversionByID(ctx, "missing")
	assert.ErrorIs(t, err, revenue.ErrConversionNotFound)
}

// =============================================================================
// PAYOUTS
// =============================================================================

func testPayouts(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	owner := revenue.OwnerID(id("aff"))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	first := payout(owner, "100", base)
	second := payout(owner, "50", base.Add(time.Hour))
	for _, p := range []revenue.Payout{first, second} {
		p := p
		require.NoError(t, s.WithTx(ctx, func(tx revenue.Tx) error {
			if _, err := tx.LockWallet(ctx, owner, true); err != nil {
				return err
			}
			return tx.InsertPayout(ctx, p)
		}))
	}

	pending, err := s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID, "oldest first")

	// WHEN: The first payout is approved
	processed := base.Add(2 * time.Hour)
	err = s.WithTx(ctx, func(tx revenue.Tx) error {
		p, err := tx.LockPayout(ctx, first.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, revenue.PayoutPending, p.Status)
		p.Status = revenue.PayoutApproved
		p.ProcessedAt = &processed
		p.ProcessedBy = "admin"
		p.Fee = dec("1.5")
		p.NetAmount = dec("98.5")
		return tx.UpdatePayout(ctx, *p)
	})
	require.NoError(t, err)

	got, err := s.FindPayout(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, revenue.PayoutApproved, got.Status)
	assert.Equal(t, "admin", got.ProcessedBy)
	require.NotNil(t, got.ProcessedAt)
	AssertAmount(t, "1.5", got.Fee)
	AssertAmount(t, "98.5", got.NetAmount)

	pending, err = s.PendingPayouts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	mine, err := s.PayoutsByOwner(ctx, owner)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID, "newest first")

	_, err = s.FindPayout(ctx, "missing")
	assert.ErrorIs(t, err, revenue.ErrPayoutNotFound)
	err = s.WithTx(ctx, func(tx revenue.Tx) error {
		_, err := tx.LockPayout(ctx, "missing")
		return err
	})
	assert.ErrorIs(t, err, revenue.ErrPayoutNotFound)
}

// =============================================================================
// THROUGH THE ENGINE
// =============================================================================

func testLedgerRoundTrip(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	ledger := revenue.NewLedger(s)
	owner := revenue.OwnerID(id("aff"))

	_, err := ledger.Credit(ctx, revenue.Posting{Owner: owner, Amount: dec("200.25"), Type: revenue.TxCommission, Reference: "sale:1"})
	require.NoError(t, err)
	_, err = ledger.Debit(ctx, revenue.Posting{Owner: owner, Amount: dec("50.25"), Type: revenue.TxClawback, Reference: "sale:1"})
	require.NoError(t, err)

	_, err = ledger.Debit(ctx, revenue.Posting{Owner: owner, Amount: dec("1000"), Type: revenue.TxClawback})
	require.ErrorIs(t, err, revenue.ErrInsufficientBalance)

	w, err := ledger.Wallet(ctx, owner)
	require.NoError(t, err)
	AssertAmount(t, "150", w.Balance)
	AssertAmount(t, "150", w.TotalEarned)

	history, err := ledger.History(ctx, owner)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, revenue.Credit, history[0].Direction)
	assert.Equal(t, revenue.Debit, history[1].Direction)
	AssertAmount(t, "-50.25", history[1].Amount)
	AssertAmount(t, "150", history[1].BalanceAfter)

	r, err := ledger.Reconcile(ctx, owner)
	require.NoError(t, err)
	AssertAmount(t, "150", r.LedgerSum)
	assert.Equal(t, 2, r.Entries)
}

func testConcurrentCredits(t *testing.T, s revenue.Store) {
	ctx := context.Background()
	ledger := revenue.NewLedger(s)
	owner := revenue.OwnerID(id("aff"))

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Credit(ctx, revenue.Posting{Owner: owner, Amount: dec("10"), Type: revenue.TxCommission})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	w, err := ledger.Wallet(ctx, owner)
	require.NoError(t, err)
	AssertAmount(t, "200", w.Balance)

	_, err = ledger.Reconcile(ctx, owner)
	assert.NoError(t, err)
}

func testCourses(t *testing.T, s revenue.Store) {
	writer, ok := s.(revenue.CourseWriter)
	if !ok {
		t.Skip("store does not persist courses")
	}
	catalog := s.(revenue.CourseCatalog)
	ctx := context.Background()

	share := dec("65")
	course := revenue.Course{ID: revenue.CourseID(id("course")), MentorID: "mentor-1", MentorShare: &share, Active: true}
	require.NoError(t, writer.SaveCourse(ctx, course))

	got, err := catalog.Course(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, revenue.OwnerID("mentor-1"), got.MentorID)
	require.NotNil(t, got.MentorShare)
	AssertAmount(t, "65", *got.MentorShare)
	assert.True(t, got.Active)

	// Upsert without a share falls back to the policy default
	course.MentorShare = nil
	course.Active = false
	require.NoError(t, writer.SaveCourse(ctx, course))
	got, err = catalog.Course(ctx, course.ID)
	require.NoError(t, err)
	assert.Nil(t, got.MentorShare)
	assert.False(t, got.Active)

	_, err = catalog.Course(ctx, "missing")
	assert.ErrorIs(t, err, revenue.ErrCourseNotFound)
}

// =============================================================================
// FIXTURES
// =============================================================================

func entry(owner revenue.OwnerID, amount, key string) revenue.WalletTransaction {
	return revenue.WalletTransaction{
		ID:             revenue.TransactionID(uuid.NewString()),
		Owner:          owner,
		Direction:      revenue.Credit,
		Amount:         dec(amount),
		Type:           revenue.TxAdjustment,
		Reference:      "test",
		IdempotencyKey: key,
		BalanceAfter:   dec(amount),
		CreatedAt:      time.Now().UTC(),
	}
}

func conversion(aff revenue.OwnerID, sale revenue.SaleID, amount string, at time.Time) revenue.Conversion {
	return revenue.Conversion{
		ID:               revenue.ConversionID(uuid.NewString()),
		AffiliateID:      aff,
		SaleID:           sale,
		SaleKind:         revenue.SaleCourse,
		CommissionAmount: dec(amount),
		Rate:             dec("10"),
		Base:             dec(amount).Mul(dec("10")),
		CreatedAt:        at,
	}
}

func payout(owner revenue.OwnerID, amount string, at time.Time) revenue.Payout {
	return revenue.Payout{
		ID:          revenue.PayoutID(uuid.NewString()),
		Owner:       owner,
		Amount:      dec(amount),
		Status:      revenue.PayoutPending,
		RequestedAt: at,
		Fee:         decimal.Zero,
		NetAmount:   decimal.Zero,
	}
}
