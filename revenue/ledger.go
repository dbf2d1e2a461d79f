/*
ledger.go - Wallet ledger, the system of record for balances

PURPOSE:
  Every change to a wallet balance goes through the Ledger. A posting
  appends one WalletTransaction and updates the wallet aggregate in the
  same atomic unit, or does neither.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: Entries are never edited or removed
  2. RECONCILED: Balance == sum(entry amounts) == Earned - Payout - Pending
  3. NON-NEGATIVE: A debit larger than the balance is rejected whole
  4. IDEMPOTENT: A posting with a used idempotency key is rejected whole

POSTINGS:
  Credit(Posting{Type: TxCommission, ...})    Balance+, Earned+
  Debit(Posting{Type: TxClawback, ...})       Balance-, Earned-
  Debit(Posting{Type: TxPayoutHold, ...})     Balance-, Pending+
  Credit(Posting{Type: TxPayoutRefund, ...})  Balance+, Pending-

  A type posted in the wrong direction is ErrInvalidPosting.

CORRECTIONS:
  Nothing is ever edited. A wrong credit is undone by a clawback; both
  entries stay in the log.

RECONCILIATION:
  Reconcile replays the log and compares it to the aggregate. A mismatch
  is an IntegrityError, logged at error level and returned. The ledger
  never guesses the right balance.

SEE ALSO:
  - store.go: Tx.LockWallet is the per-wallet contention point
  - distribution.go, payout.go: post inside their own units via apply
*/
package revenue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Posting is an instruction to move money in one wallet.
type Posting struct {
	Owner          OwnerID
	Amount         decimal.Decimal // always positive; direction comes from the call
	Type           TxType
	Reference      string // sale or payout that caused it
	Description    string
	IdempotencyKey string // optional
}

// =============================================================================
// LEDGER
// =============================================================================

type Ledger struct {
	store Store
	deps
}

func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, deps: newDeps(opts)}
}

// Credit adds p.Amount to the owner's wallet, creating it if needed.
func (l *Ledger) Credit(ctx context.Context, p Posting) (*WalletTransaction, error) {
	return l.post(ctx, Credit, p)
}

// Debit removes p.Amount from the owner's wallet. It fails with an
// InsufficientBalanceError, writing nothing, if the balance is short.
//
// Payout holds and refunds are rejected with ErrInvalidPosting on both
// Credit and Debit; only PayoutService posts them.
func (l *Ledger) Debit(ctx context.Context, p Posting) (*WalletTransaction, error) {
	return l.post(ctx, Debit, p)
}

func (l *Ledger) post(ctx context.Context, dir Direction, p Posting) (*WalletTransaction, error) {
	eff, err := validatePosting(dir, p)
	if err != nil {
		return nil, err
	}
	if eff.pending {
		return nil, fmt.Errorf("%w: %s is only posted by the payout workflow", ErrInvalidPosting, p.Type)
	}

	var entry *WalletTransaction
	err = l.store.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = l.apply(ctx, tx, dir, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.emit(ctx, entryEvent(*entry))
	return entry, nil
}

// apply performs a posting inside an existing unit. Callers emit events
// themselves once the unit commits.
func (l *Ledger) apply(ctx context.Context, tx Tx, dir Direction, p Posting) (*WalletTransaction, error) {
	eff, err := validatePosting(dir, p)
	if err != nil {
		return nil, err
	}

	w, err := tx.LockWallet(ctx, p.Owner, dir == Credit)
	if err != nil {
		return nil, err
	}

	signed := p.Amount
	if dir == Debit {
		if p.Amount.GreaterThan(w.Balance) {
			return nil, &InsufficientBalanceError{Owner: p.Owner, Available: w.Balance, Requested: p.Amount}
		}
		signed = p.Amount.Neg()
	}

	w.Balance = w.Balance.Add(signed)
	if eff.earned {
		w.TotalEarned = w.TotalEarned.Add(signed)
	}
	if eff.pending {
		// A hold raises pending, a refund lowers it.
		w.PendingPayout = w.PendingPayout.Sub(signed)
		if w.PendingPayout.IsNegative() {
			return nil, l.integrity(&IntegrityError{
				Owner:    w.Owner,
				Balance:  w.Balance,
				Expected: w.Expected(),
				Detail:   fmt.Sprintf("refund of %s exceeds pending payouts", p.Amount),
			})
		}
	}

	now := l.nowFn()
	w.UpdatedAt = now
	entry := WalletTransaction{
		ID:             TransactionID(uuid.NewString()),
		Owner:          p.Owner,
		Direction:      dir,
		Amount:         signed,
		Type:           p.Type,
		Reference:      p.Reference,
		Description:    p.Description,
		IdempotencyKey: p.IdempotencyKey,
		BalanceAfter:   w.Balance,
		CreatedAt:      now,
	}
	if err := tx.AppendTransaction(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.SaveWallet(ctx, w); err != nil {
		return nil, err
	}

	l.log.Debug().
		Str("owner", string(p.Owner)).
		Str("type", string(p.Type)).
		Str("amount", signed.String()).
		Str("balance", w.Balance.String()).
		Msg("posted")
	return &entry, nil
}

func validatePosting(dir Direction, p Posting) (effect, error) {
	if p.Owner == "" {
		return effect{}, fmt.Errorf("%w: missing owner", ErrInvalidPosting)
	}
	if !p.Amount.IsPositive() {
		return effect{}, fmt.Errorf("%w: amount %s must be positive", ErrInvalidPosting, p.Amount)
	}
	eff, ok := txEffects[p.Type]
	if !ok {
		return effect{}, fmt.Errorf("%w: unknown transaction type %q", ErrInvalidPosting, p.Type)
	}
	if eff.direction != dir {
		return effect{}, fmt.Errorf("%w: %s posts as %s, not %s", ErrInvalidPosting, p.Type, eff.direction, dir)
	}
	return eff, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (l *Ledger) Wallet(ctx context.Context, owner OwnerID) (*Wallet, error) {
	return l.store.FindByOwner(ctx, owner)
}

// History returns the owner's entries in append order.
func (l *Ledger) History(ctx context.Context, owner OwnerID) ([]WalletTransaction, error) {
	if _, err := l.store.FindByOwner(ctx, owner); err != nil {
		return nil, err
	}
	return l.store.Transactions(ctx, owner)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconciliation is the outcome of checking one wallet against its log.
type Reconciliation struct {
	Owner     OwnerID
	Balance   decimal.Decimal
	LedgerSum decimal.Decimal
	Expected  decimal.Decimal
	Entries   int
}

// Reconcile checks the owner's wallet against its log. A mismatch returns
// the report together with an *IntegrityError.
func (l *Ledger) Reconcile(ctx context.Context, owner OwnerID) (Reconciliation, error) {
	w, err := l.store.FindByOwner(ctx, owner)
	if err != nil {
		return Reconciliation{}, err
	}
	return l.reconcile(ctx, *w)
}

// ReconcileAll checks every wallet. Violations are joined into the error;
// the reports are returned regardless.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	wallets, err := l.store.Wallets(ctx)
	if err != nil {
		return nil, err
	}
	reports := make([]Reconciliation, 0, len(wallets))
	var violations []error
	for _, w := range wallets {
		r, err := l.reconcile(ctx, w)
		if err != nil && !errors.Is(err, ErrLedgerIntegrityViolation) {
			return nil, err
		}
		if err != nil {
			violations = append(violations, err)
		}
		reports = append(reports, r)
	}
	return reports, errors.Join(violations...)
}

func (l *Ledger) reconcile(ctx context.Context, w Wallet) (Reconciliation, error) {
	entries, err := l.store.Transactions(ctx, w.Owner)
	if err != nil {
		return Reconciliation{}, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	r := Reconciliation{
		Owner:     w.Owner,
		Balance:   w.Balance,
		LedgerSum: sum,
		Expected:  w.Expected(),
		Entries:   len(entries),
	}

	var detail string
	switch {
	case !w.Balance.Equal(sum):
		detail = "balance differs from transaction log"
	case !w.Balance.Equal(r.Expected):
		detail = "balance differs from lifetime totals"
	case w.Balance.IsNegative():
		detail = "negative balance"
	case w.PendingPayout.IsNegative():
		detail = "negative pending payouts"
	case len(entries) > 0 && !entries[len(entries)-1].BalanceAfter.Equal(w.Balance):
		detail = "last entry balance differs from wallet"
	default:
		return r, nil
	}
	return r, l.integrity(&IntegrityError{
		Owner:     w.Owner,
		Balance:   w.Balance,
		LedgerSum: decimal.NullDecimal{Decimal: sum, Valid: true},
		Expected:  r.Expected,
		Detail:    detail,
	})
}

func (l *Ledger) integrity(e *IntegrityError) error {
	ev := l.log.Error().
		Str("owner", string(e.Owner)).
		Str("balance", e.Balance.String()).
		Str("expected", e.Expected.String())
	if e.LedgerSum.Valid {
		ev = ev.Str("ledger_sum", e.LedgerSum.Decimal.String())
	}
	ev.Msg(e.Detail)
	return e
}

func entryEvent(e WalletTransaction) Event {
	typ := EventWalletCredited
	if e.Direction == Debit {
		typ = EventWalletDebited
	}
	return Event{
		Type:      typ,
		Owner:     e.Owner,
		Amount:    e.Amount.Abs(),
		Balance:   e.BalanceAfter,
		Reference: e.Reference,
		TxType:    e.Type,
		At:        e.CreatedAt,
	}
}
