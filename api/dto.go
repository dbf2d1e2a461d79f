/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the revenue domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  All amounts are decimal strings ("1500.00"). Requests accept numbers
  too, but strings keep exact decimals.

VALIDATION:
  Shape checks use go-playground/validator struct tags. Business rules
  (positive amounts, payout minimum, rejection reason) stay in the revenue
  package so every caller gets them.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/revenue-engine/revenue"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SaleRequest is a confirmed purchase posted by checkout.
type SaleRequest struct {
	ID            string          `json:"id" validate:"required,max=128"`
	Kind          string          `json:"kind" validate:"required,oneof=membership course product"`
	Amount        decimal.Decimal `json:"amount"`
	ListPrice     decimal.Decimal `json:"list_price"`
	BuyerID       string          `json:"buyer_id" validate:"max=128"`
	AffiliateID   string          `json:"affiliate_id" validate:"max=128"`
	AffiliateTier string          `json:"affiliate_tier" validate:"max=64"`
	Coupon        *CouponDTO      `json:"coupon,omitempty"`
	Plan          string          `json:"plan,omitempty" validate:"max=64"`
	CourseID      string          `json:"course_id,omitempty" validate:"required_if=Kind course"`
	ProductID     string          `json:"product_id,omitempty"`
	ConfirmedAt   *time.Time      `json:"confirmed_at,omitempty"`
}

type CouponDTO struct {
	Code              string `json:"code" validate:"max=64"`
	AffiliateDisabled bool   `json:"affiliate_disabled"`
}

// toSale builds the sale variant named by Kind.
func (r SaleRequest) toSale() revenue.Sale {
	base := revenue.SaleBase{
		ID:            revenue.SaleID(r.ID),
		Amount:        r.Amount,
		ListPrice:     r.ListPrice,
		BuyerID:       revenue.OwnerID(r.BuyerID),
		AffiliateID:   revenue.OwnerID(r.AffiliateID),
		AffiliateTier: r.AffiliateTier,
	}
	if r.Coupon != nil {
		base.Coupon = &revenue.Coupon{Code: r.Coupon.Code, AffiliateDisabled: r.Coupon.AffiliateDisabled}
	}
	if r.ConfirmedAt != nil {
		base.ConfirmedAt = r.ConfirmedAt.UTC()
	}

	switch revenue.SaleKind(r.Kind) {
	case revenue.SaleMembership:
		return revenue.MembershipSale{SaleBase: base, Plan: r.Plan}
	case revenue.SaleCourse:
		return revenue.CourseSale{SaleBase: base, CourseID: revenue.CourseID(r.CourseID)}
	default:
		return revenue.ProductSale{SaleBase: base, ProductID: r.ProductID}
	}
}

type PayoutRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=500"`
}

type ApproveRequest struct {
	Actor string `json:"actor" validate:"required"`
}

// RejectRequest carries the reason shown to the owner. An empty reason is
// refused by the payout service.
type RejectRequest struct {
	Actor  string `json:"actor" validate:"required"`
	Reason string `json:"reason" validate:"max=500"`
}

// AdjustmentRequest is a manual operator correction.
type AdjustmentRequest struct {
	Type           string          `json:"type" validate:"required,oneof=adjustment clawback"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference" validate:"max=128"`
	Description    string          `json:"description" validate:"required,max=500"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type CourseRequest struct {
	MentorID    string           `json:"mentor_id" validate:"required,max=128"`
	MentorShare *decimal.Decimal `json:"mentor_share,omitempty"`
	Active      *bool            `json:"active,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type WalletDTO struct {
	Owner         string          `json:"owner"`
	Balance       decimal.Decimal `json:"balance"`
	TotalEarned   decimal.Decimal `json:"total_earned"`
	TotalPayout   decimal.Decimal `json:"total_payout"`
	PendingPayout decimal.Decimal `json:"pending_payout"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func toWalletDTO(w *revenue.Wallet) WalletDTO {
	return WalletDTO{
		Owner:         string(w.Owner),
		Balance:       w.Balance,
		TotalEarned:   w.TotalEarned,
		TotalPayout:   w.TotalPayout,
		PendingPayout: w.PendingPayout,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
}

type TransactionDTO struct {
	ID             string          `json:"id"`
	Direction      string          `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Type           string          `json:"type"`
	Reference      string          `json:"reference,omitempty"`
	Description    string          `json:"description,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	BalanceAfter   decimal.Decimal `json:"balance_after"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toTransactionDTO(t revenue.WalletTransaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(t.ID),
		Direction:      string(t.Direction),
		Amount:         t.Amount,
		Type:           string(t.Type),
		Reference:      t.Reference,
		Description:    t.Description,
		IdempotencyKey: t.IdempotencyKey,
		BalanceAfter:   t.BalanceAfter,
		CreatedAt:      t.CreatedAt,
	}
}

type PayoutDTO struct {
	ID              string          `json:"id"`
	Owner           string          `json:"owner"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	Note            string          `json:"note,omitempty"`
	RequestedAt     time.Time       `json:"requested_at"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	ProcessedBy     string          `json:"processed_by,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	NetAmount       decimal.Decimal `json:"net_amount"`
}

func toPayoutDTO(p *revenue.Payout) PayoutDTO {
	return PayoutDTO{
		ID:              string(p.ID),
		Owner:           string(p.Owner),
		Amount:          p.Amount,
		Status:          string(p.Status),
		Note:            p.Note,
		RequestedAt:     p.RequestedAt,
		ProcessedAt:     p.ProcessedAt,
		ProcessedBy:     p.ProcessedBy,
		RejectionReason: p.RejectionReason,
		Fee:             p.Fee,
		NetAmount:       p.NetAmount,
	}
}

func toPayoutDTOs(ps []revenue.Payout) []PayoutDTO {
	dtos := make([]PayoutDTO, len(ps))
	for i := range ps {
		dtos[i] = toPayoutDTO(&ps[i])
	}
	return dtos
}

type ConversionDTO struct {
	ID               string          `json:"id"`
	AffiliateID      string          `json:"affiliate_id"`
	SaleID           string          `json:"sale_id"`
	SaleKind         string          `json:"sale_kind"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	Rate             decimal.Decimal `json:"rate"`
	Base             decimal.Decimal `json:"base"`
	PaidOut          bool            `json:"paid_out"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

func toConversionDTO(c *revenue.Conversion) ConversionDTO {
	return ConversionDTO{
		ID:               string(c.ID),
		AffiliateID:      string(c.AffiliateID),
		SaleID:           string(c.SaleID),
		SaleKind:         string(c.SaleKind),
		CommissionAmount: c.CommissionAmount,
		Rate:             c.Rate,
		Base:             c.Base,
		PaidOut:          c.PaidOut,
		PaidAt:           c.PaidAt,
		CreatedAt:        c.CreatedAt,
	}
}

// LegDTO is one beneficiary of a distributed sale.
type LegDTO struct {
	Owner            string          `json:"owner"`
	Rate             decimal.Decimal `json:"rate"`
	Amount           decimal.Decimal `json:"amount"`
	Credited         bool            `json:"credited"`
	AlreadyProcessed bool            `json:"already_processed"`
	TransactionID    string          `json:"transaction_id,omitempty"`
	ConversionID     string          `json:"conversion_id,omitempty"`
	Error            string          `json:"error,omitempty"`
}

type DistributionDTO struct {
	SaleID            string          `json:"sale_id"`
	Kind              string          `json:"kind"`
	Affiliate         *LegDTO         `json:"affiliate,omitempty"`
	Mentor            *LegDTO         `json:"mentor,omitempty"`
	AffiliateCredited decimal.Decimal `json:"affiliate_credited"`
	MentorCredited    decimal.Decimal `json:"mentor_credited"`
	PlatformAmount    decimal.Decimal `json:"platform_amount"`
	SkippedReason     string          `json:"skipped_reason,omitempty"`
	Error             string          `json:"error,omitempty"`
	Retryable         bool            `json:"retryable,omitempty"`
}

func toDistributionDTO(r *revenue.DistributionResult) DistributionDTO {
	return DistributionDTO{
		SaleID:            string(r.SaleID),
		Kind:              string(r.Resolution.Kind),
		Affiliate:         toLegDTO(r.Affiliate),
		Mentor:            toLegDTO(r.Mentor),
		AffiliateCredited: r.AffiliateCredited,
		MentorCredited:    r.MentorCredited,
		PlatformAmount:    r.Resolution.PlatformAmount(),
		SkippedReason:     r.SkippedReason,
	}
}

// toLegDTO returns nil for a leg nothing was owed on.
func toLegDTO(b revenue.BeneficiaryResult) *LegDTO {
	if !b.Owed {
		return nil
	}
	dto := &LegDTO{
		Owner:            string(b.Owner),
		Rate:             b.Rate,
		Amount:           b.Amount,
		Credited:         b.Credited,
		AlreadyProcessed: b.AlreadyProcessed,
	}
	if b.Transaction != nil {
		dto.TransactionID = string(b.Transaction.ID)
	}
	if b.Conversion != nil {
		dto.ConversionID = string(b.Conversion.ID)
	}
	if b.Err != nil {
		dto.Error = b.Err.Error()
	}
	return dto
}

type ReconciliationDTO struct {
	Owner      string          `json:"owner"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Expected   decimal.Decimal `json:"expected"`
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
	Detail     string          `json:"detail,omitempty"`
}

type CourseDTO struct {
	ID          string           `json:"id"`
	MentorID    string           `json:"mentor_id"`
	MentorShare *decimal.Decimal `json:"mentor_share,omitempty"`
	Active      bool             `json:"active"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
