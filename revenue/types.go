/*
Package revenue provides the revenue distribution and wallet ledger engine.

PURPOSE:
  Turns a confirmed sale into money owed to the people who earned it, keeps
  that money in internal wallets, and lets wallet owners withdraw it through
  an approval workflow. Everything else on the platform (checkout, listings,
  notifications) talks to this package; nothing in here talks back.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: Withdrawable balance plus lifetime totals for one owner
  - WalletTransaction: Immutable, signed ledger entry
  - Conversion: Commission an affiliate earned on one sale
  - Payout: A withdrawal request and its lifecycle

DESIGN PRINCIPLES:
  1. Append-only log: Wallet transactions are never modified or removed
  2. Precision: All money is decimal.Decimal, never float64
  3. Type Safety: Distinct ID types prevent mixing owners, sales, payouts
  4. One unit per change: Aggregate update and log entry commit together

WALLET INVARIANTS:
  Balance == TotalEarned - TotalPayout - PendingPayout
  Balance == sum(WalletTransaction.Amount) over the wallet's log
  Balance >= 0

USAGE:
  store := memory.New()
  ledger := revenue.NewLedger(store)
  tx, err := ledger.Credit(ctx, revenue.Posting{
      Owner:  "aff-1",
      Amount: decimal.NewFromInt(20000),
      Type:   revenue.TxCommission,
  })

SEE ALSO:
  - sale.go: Sale variants handed in by checkout
  - commission.go: Rate resolution
  - ledger.go: Balance mutations
  - payout.go: Withdrawal state machine
  - store.go: Persistence interfaces
*/
package revenue

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type SaleID string
type CourseID string
type PayoutID string
type ConversionID string
type TransactionID string

// =============================================================================
// WALLET - One per user capable of earning money
// =============================================================================

type Wallet struct {
	Owner         OwnerID
	Balance       decimal.Decimal // withdrawable right now
	TotalEarned   decimal.Decimal // net lifetime earnings
	TotalPayout   decimal.Decimal // lifetime amount paid out
	PendingPayout decimal.Decimal // held for PENDING payouts
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// NewWallet returns an empty wallet for owner.
func NewWallet(owner OwnerID, at time.Time) *Wallet {
	return &Wallet{
		Owner:         owner,
		Balance:       decimal.Zero,
		TotalEarned:   decimal.Zero,
		TotalPayout:   decimal.Zero,
		PendingPayout: decimal.Zero,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

// Expected returns the balance implied by the lifetime totals.
func (w Wallet) Expected() decimal.Decimal {
	return w.TotalEarned.Sub(w.TotalPayout).Sub(w.PendingPayout)
}

// =============================================================================
// WALLET TRANSACTION - Immutable ledger entry
// =============================================================================

type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

type TxType string

const (
	TxCommission   TxType = "commission"    // Affiliate commission on a sale
	TxMentorShare  TxType = "mentor_share"  // Mentor share of a course sale
	TxAdjustment   TxType = "adjustment"    // Manual credit by an operator
	TxClawback     TxType = "clawback"      // Manual debit by an operator
	TxPayoutHold   TxType = "payout_hold"   // Funds held for a pending payout
	TxPayoutRefund TxType = "payout_refund" // Hold returned on rejection
)

// WalletTransaction is one entry in a wallet's log. Amount is signed:
// positive for CREDIT, negative for DEBIT.
type WalletTransaction struct {
	ID             TransactionID
	Owner          OwnerID
	Direction      Direction
	Amount         decimal.Decimal
	Type           TxType
	Reference      string
	Description    string
	IdempotencyKey string
	BalanceAfter   decimal.Decimal
	CreatedAt      time.Time
}

// effect describes how a transaction type moves the wallet aggregate.
type effect struct {
	direction Direction
	earned    bool // moves TotalEarned with the balance
	pending   bool // moves PendingPayout against the balance
}

var txEffects = map[TxType]effect{
	TxCommission:   {direction: Credit, earned: true},
	TxMentorShare:  {direction: Credit, earned: true},
	TxAdjustment:   {direction: Credit, earned: true},
	TxClawback:     {direction: Debit, earned: true},
	TxPayoutHold:   {direction: Debit, pending: true},
	TxPayoutRefund: {direction: Credit, pending: true},
}

// DirectionOf returns the direction a transaction type posts in.
func DirectionOf(t TxType) (Direction, bool) {
	e, ok := txEffects[t]
	return e.direction, ok
}

// =============================================================================
// CONVERSION - Commission owed to one affiliate for one sale
// =============================================================================

type Conversion struct {
	ID               ConversionID
	AffiliateID      OwnerID
	SaleID           SaleID
	SaleKind         SaleKind
	CommissionAmount decimal.Decimal // frozen at sale time
	Rate             decimal.Decimal
	Base             decimal.Decimal
	PaidOut          bool
	PaidAt           *time.Time
	CreatedAt        time.Time
}

// =============================================================================
// PAYOUT - Withdrawal request
// =============================================================================

type PayoutStatus string

const (
	PayoutPending  PayoutStatus = "PENDING"
	PayoutApproved PayoutStatus = "APPROVED"
	PayoutRejected PayoutStatus = "REJECTED"
)

func (s PayoutStatus) Terminal() bool {
	return s == PayoutApproved || s == PayoutRejected
}

type Payout struct {
	ID              PayoutID
	Owner           OwnerID
	Amount          decimal.Decimal
	Status          PayoutStatus
	Note            string
	RequestedAt     time.Time
	ProcessedAt     *time.Time
	ProcessedBy     string
	RejectionReason string
	Fee             decimal.Decimal
	NetAmount       decimal.Decimal
}

// =============================================================================
// COURSE - Catalog entry needed to pay mentors
// =============================================================================

type Course struct {
	ID          CourseID
	MentorID    OwnerID
	MentorShare *decimal.Decimal // percent; nil uses the policy default
	Active      bool
	UpdatedAt   time.Time
}
