/*
payout.go - Withdrawal requests and their approval workflow

STATE MACHINE:

  request ──► PENDING ──approve──► APPROVED (terminal)
                 │
                 └──reject───► REJECTED (terminal)

POLICY: debit on request, refund on reject.

  request:  payout_hold DEBIT    Balance -amt, Pending +amt
  approve:  no log entry         Pending -amt, TotalPayout +amt
  reject:   payout_refund CREDIT Balance +amt, Pending -amt

  A pending request holds its funds, so two requests can never spend the
  same balance and approval cannot fail for lack of funds. The hold and
  the refund of a rejected payout both stay in the log and net to zero.

TERMINALITY:
  Approve and Reject lock the payout row first, then the wallet. A payout
  that has left PENDING fails with a TransitionError (ErrAlreadyProcessed)
  and nothing is written. Of two concurrent approvals exactly one wins.

FEES:
  Computed at approval: FeeFlat + amount * FeePercent / 100, capped at the
  amount. Stored on the payout as Fee and NetAmount. The wallet is charged
  the gross amount.
*/
package revenue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutService struct {
	store   Store
	rules   PayoutRules
	ledger  *Ledger
	tracker *ConversionTracker
	deps
}

func NewPayoutService(store Store, rules PayoutRules, opts ...Option) *PayoutService {
	d := newDeps(opts)
	return &PayoutService{
		store:   store,
		rules:   rules,
		ledger:  &Ledger{store: store, deps: d},
		tracker: &ConversionTracker{store: store, deps: d},
		deps:    d,
	}
}

// =============================================================================
// REQUEST
// =============================================================================

// Request creates a PENDING payout and holds amount on the owner's wallet.
// Nothing is created if the amount is invalid or exceeds the balance.
func (s *PayoutService) Request(ctx context.Context, owner OwnerID, amount decimal.Decimal, note string) (*Payout, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: missing owner", ErrInvalidPayoutAmount)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount %s must be positive", ErrInvalidPayoutAmount, amount)
	}
	if amount.LessThan(s.rules.MinAmount) {
		return nil, fmt.Errorf("%w: amount %s below minimum %s", ErrInvalidPayoutAmount, amount, s.rules.MinAmount)
	}

	now := s.nowFn()
	p := Payout{
		ID:          PayoutID(uuid.NewString()),
		Owner:       owner,
		Amount:      amount,
		Status:      PayoutPending,
		Note:        note,
		RequestedAt: now,
		Fee:         decimal.Zero,
		NetAmount:   decimal.Zero,
	}

	var hold *WalletTransaction
	err := s.store.WithTx(ctx, func(tx Tx) error {
		var err error
		hold, err = s.ledger.apply(ctx, tx, Debit, Posting{
			Owner:          owner,
			Amount:         amount,
			Type:           TxPayoutHold,
			Reference:      payoutReference(p.ID),
			Description:    "payout requested",
			IdempotencyKey: payoutReference(p.ID) + ":hold",
		})
		if errors.Is(err, ErrWalletNotFound) {
			return &InsufficientBalanceError{Owner: owner, Available: decimal.Zero, Requested: amount}
		}
		if err != nil {
			return err
		}
		return tx.InsertPayout(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payout_id", string(p.ID)).
		Str("owner", string(owner)).
		Str("amount", amount.String()).
		Msg("payout requested")
	s.emit(ctx,
		entryEvent(*hold),
		Event{
			Type:     EventPayoutRequested,
			Owner:    owner,
			Amount:   amount,
			Balance:  hold.BalanceAfter,
			PayoutID: p.ID,
			At:       now,
		},
	)
	return &p, nil
}

// =============================================================================
// APPROVE / REJECT
// =============================================================================

// Approve settles a PENDING payout: the hold becomes lifetime payout, the
// fee is recorded and covered conversions are marked paid.
func (s *PayoutService) Approve(ctx context.Context, id PayoutID, actor string) (*Payout, error) {
	var (
		out     Payout
		balance decimal.Decimal
		settled int
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		p, err := s.lockPending(ctx, tx, id, "approve")
		if err != nil {
			return err
		}
		w, err := tx.LockWallet(ctx, p.Owner, false)
		if err != nil {
			return fmt.Errorf("failed to lock wallet of payout %s: %w", id, err)
		}
		if w.PendingPayout.LessThan(p.Amount) {
			return s.ledger.integrity(&IntegrityError{
				Owner:    w.Owner,
				Balance:  w.Balance,
				Expected: w.Expected(),
				Detail:   fmt.Sprintf("payout %s of %s not covered by pending %s", id, p.Amount, w.PendingPayout),
			})
		}

		now := s.nowFn()
		w.PendingPayout = w.PendingPayout.Sub(p.Amount)
		w.TotalPayout = w.TotalPayout.Add(p.Amount)
		w.UpdatedAt = now
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}

		p.Fee = s.rules.Fee(p.Amount)
		p.NetAmount = p.Amount.Sub(p.Fee)
		p.Status = PayoutApproved
		p.ProcessedAt = &now
		p.ProcessedBy = actor
		if err := tx.UpdatePayout(ctx, *p); err != nil {
			return err
		}

		settled, err = s.tracker.settle(ctx, tx, *w, now)
		if err != nil {
			return err
		}
		out = *p
		balance = w.Balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payout_id", string(id)).
		Str("owner", string(out.Owner)).
		Str("amount", out.Amount.String()).
		Str("fee", out.Fee.String()).
		Int("conversions_paid", settled).
		Msg("payout approved")
	s.emit(ctx, Event{
		Type:     EventPayoutApproved,
		Owner:    out.Owner,
		Amount:   out.Amount,
		Balance:  balance,
		PayoutID: out.ID,
		At:       *out.ProcessedAt,
	})
	return &out, nil
}

// Reject refunds the hold of a PENDING payout. reason is mandatory.
func (s *PayoutService) Reject(ctx context.Context, id PayoutID, actor, reason string) (*Payout, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	var (
		out    Payout
		refund *WalletTransaction
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		p, err := s.lockPending(ctx, tx, id, "reject")
		if err != nil {
			return err
		}
		refund, err = s.ledger.apply(ctx, tx, Credit, Posting{
			Owner:          p.Owner,
			Amount:         p.Amount,
			Type:           TxPayoutRefund,
			Reference:      payoutReference(p.ID),
			Description:    "payout rejected, refund: " + reason,
			IdempotencyKey: payoutReference(p.ID) + ":refund",
		})
		if err != nil {
			return err
		}

		now := s.nowFn()
		p.Status = PayoutRejected
		p.ProcessedAt = &now
		p.ProcessedBy = actor
		p.RejectionReason = reason
		if err := tx.UpdatePayout(ctx, *p); err != nil {
			return err
		}
		out = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("payout_id", string(id)).
		Str("owner", string(out.Owner)).
		Str("reason", reason).
		Msg("payout rejected")
	s.emit(ctx,
		entryEvent(*refund),
		Event{
			Type:     EventPayoutRejected,
			Owner:    out.Owner,
			Amount:   out.Amount,
			Balance:  refund.BalanceAfter,
			PayoutID: out.ID,
			Reason:   reason,
			At:       *out.ProcessedAt,
		},
	)
	return &out, nil
}

func (s *PayoutService) lockPending(ctx context.Context, tx Tx, id PayoutID, action string) (*Payout, error) {
	p, err := tx.LockPayout(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != PayoutPending {
		return nil, &TransitionError{PayoutID: id, Status: p.Status, Action: action}
	}
	return p, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *PayoutService) Get(ctx context.Context, id PayoutID) (*Payout, error) {
	return s.store.FindPayout(ctx, id)
}

// ListByOwner returns the owner's payouts newest first.
func (s *PayoutService) ListByOwner(ctx context.Context, owner OwnerID) ([]Payout, error) {
	return s.store.PayoutsByOwner(ctx, owner)
}

// Pending returns the approval queue, oldest first.
func (s *PayoutService) Pending(ctx context.Context) ([]Payout, error) {
	return s.store.PendingPayouts(ctx)
}

func payoutReference(id PayoutID) string {
	return "payout:" + string(id)
}
