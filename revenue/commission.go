/*
commission.go - Commission policy resolution

PURPOSE:
  Given a sale and the commission policy in force, computes the rate and
  base for the referring affiliate and, for course sales, the mentor.
  Pure computation: nothing is written and the policy is passed per call,
  so tests can inject any policy without touching shared state.

BASE:
  The base is always the final paid amount. A coupon that halves the price
  halves the commission; the list price is never used to top it up.

AFFILIATE RATE PRECEDENCE:
  1. No affiliate, self-referral, or coupon with AffiliateDisabled -> 0
  2. Membership plan override (MembershipSale only)
  3. Affiliate tier override for the sale kind
  4. Default rate for the sale kind

MENTOR SHARE:
  Course sales only. The course's own share, else DefaultMentorShare.
  It is not netted against the affiliate share; the platform keeps the
  remainder. Combined shares above 100% are rejected.

EXAMPLE:
  policy := revenue.CommissionPolicy{
      Rates:     map[revenue.SaleKind]decimal.Decimal{revenue.SaleCourse: decimal.NewFromInt(10)},
      Precision: 2,
  }
  res, err := resolver.Resolve(ctx, policy, sale)
  // res.AffiliateAmount == sale.Amount * 10 / 100
*/
package revenue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// MaxPrecision is the most decimal places a stored amount keeps.
const MaxPrecision = 4

// =============================================================================
// POLICY - Explicit configuration value objects
// =============================================================================

// CommissionPolicy holds the platform-wide commission settings.
type CommissionPolicy struct {
	// Rates is the default affiliate percentage per sale kind.
	Rates map[SaleKind]decimal.Decimal

	// TierRates overrides Rates for affiliates in a tier.
	TierRates map[string]map[SaleKind]decimal.Decimal

	// PlanRates overrides the affiliate rate for a membership plan.
	PlanRates map[string]decimal.Decimal

	// DefaultMentorShare applies to courses without their own share.
	DefaultMentorShare decimal.Decimal

	// Precision is the number of decimal places amounts are rounded to.
	Precision int32
}

// Validate checks every rate is within [0, 100].
func (p CommissionPolicy) Validate() error {
	check := func(name string, r decimal.Decimal) error {
		if !validRate(r) {
			return fmt.Errorf("%w: %s rate %s outside [0, 100]", ErrInvalidPolicy, name, r)
		}
		return nil
	}
	for kind, r := range p.Rates {
		if err := check(string(kind), r); err != nil {
			return err
		}
	}
	for tier, rates := range p.TierRates {
		for kind, r := range rates {
			if err := check(tier+"/"+string(kind), r); err != nil {
				return err
			}
		}
	}
	for plan, r := range p.PlanRates {
		if err := check("plan "+plan, r); err != nil {
			return err
		}
	}
	if err := check("default mentor", p.DefaultMentorShare); err != nil {
		return err
	}
	if p.Precision < 0 || p.Precision > MaxPrecision {
		return fmt.Errorf("%w: precision %d outside [0, %d]", ErrInvalidPolicy, p.Precision, MaxPrecision)
	}
	return nil
}

// PayoutRules governs withdrawal requests and approval fees.
type PayoutRules struct {
	MinAmount  decimal.Decimal // zero means any positive amount
	FeeFlat    decimal.Decimal
	FeePercent decimal.Decimal
	Precision  int32
}

func (r PayoutRules) Validate() error {
	if r.MinAmount.IsNegative() || r.FeeFlat.IsNegative() {
		return fmt.Errorf("%w: negative payout minimum or fee", ErrInvalidPolicy)
	}
	if !validRate(r.FeePercent) {
		return fmt.Errorf("%w: fee percent %s outside [0, 100]", ErrInvalidPolicy, r.FeePercent)
	}
	return nil
}

// Fee returns the fee charged on a payout of amount, capped at amount.
func (r PayoutRules) Fee(amount decimal.Decimal) decimal.Decimal {
	fee := r.FeeFlat.Add(amount.Mul(r.FeePercent).Div(hundred)).Round(r.Precision)
	if fee.GreaterThan(amount) {
		return amount
	}
	return fee
}

func validRate(r decimal.Decimal) bool {
	return !r.IsNegative() && !r.GreaterThan(hundred)
}

// =============================================================================
// RESOLUTION
// =============================================================================

// Resolution is what a sale owes and to whom.
type Resolution struct {
	SaleID SaleID
	Kind   SaleKind

	AffiliateID     OwnerID
	AffiliateRate   decimal.Decimal
	AffiliateBase   decimal.Decimal
	AffiliateAmount decimal.Decimal

	MentorID     OwnerID
	MentorRate   decimal.Decimal
	MentorBase   decimal.Decimal
	MentorAmount decimal.Decimal
}

// PlatformAmount is what remains for the platform after both shares.
func (r Resolution) PlatformAmount() decimal.Decimal {
	return r.AffiliateBase.Sub(r.AffiliateAmount).Sub(r.MentorAmount)
}

// =============================================================================
// RESOLVER
// =============================================================================

type Resolver struct {
	catalog CourseCatalog
}

// NewResolver creates a resolver. catalog may be nil if no course sales
// are expected; course sales then fail as InvalidSale.
func NewResolver(catalog CourseCatalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// Resolve computes rates, bases and amounts for sale under policy.
func (r *Resolver) Resolve(ctx context.Context, policy CommissionPolicy, sale Sale) (Resolution, error) {
	if sale == nil {
		return Resolution{}, &InvalidSaleError{Reason: "missing sale"}
	}
	base := sale.Base()
	if base.ID == "" {
		return Resolution{}, &InvalidSaleError{Reason: "missing sale id"}
	}
	if base.Amount.IsNegative() {
		return Resolution{}, &InvalidSaleError{SaleID: base.ID, Reason: "negative amount"}
	}

	res := Resolution{
		SaleID:          base.ID,
		Kind:            sale.Kind(),
		AffiliateID:     base.AffiliateID,
		AffiliateRate:   decimal.Zero,
		AffiliateBase:   base.Amount,
		AffiliateAmount: decimal.Zero,
		MentorRate:      decimal.Zero,
		MentorBase:      decimal.Zero,
		MentorAmount:    decimal.Zero,
	}

	switch s := sale.(type) {
	case MembershipSale:
		rate, ok := policy.PlanRates[s.Plan]
		if !ok {
			rate = affiliateRate(policy, base.AffiliateTier, SaleMembership)
		}
		res.AffiliateRate = rate
	case CourseSale:
		res.AffiliateRate = affiliateRate(policy, base.AffiliateTier, SaleCourse)
		mentor, share, err := r.mentorShare(ctx, policy, s)
		if err != nil {
			return Resolution{}, err
		}
		res.MentorID = mentor
		res.MentorRate = share
		res.MentorBase = base.Amount
	case ProductSale:
		res.AffiliateRate = affiliateRate(policy, base.AffiliateTier, SaleProduct)
	default:
		return Resolution{}, &InvalidSaleError{SaleID: base.ID, Reason: fmt.Sprintf("unknown sale kind %q", sale.Kind())}
	}

	if !affiliateEligible(base) {
		res.AffiliateRate = decimal.Zero
	}
	if !validRate(res.AffiliateRate) || !validRate(res.MentorRate) {
		return Resolution{}, &InvalidSaleError{SaleID: base.ID, Reason: "rate outside [0, 100]"}
	}
	if res.AffiliateRate.Add(res.MentorRate).GreaterThan(hundred) {
		return Resolution{}, &InvalidSaleError{SaleID: base.ID, Reason: "combined shares exceed the sale amount"}
	}

	res.AffiliateAmount = percentOf(res.AffiliateBase, res.AffiliateRate, policy.Precision)
	res.MentorAmount = percentOf(res.MentorBase, res.MentorRate, policy.Precision)
	return res, nil
}

func (r *Resolver) mentorShare(ctx context.Context, policy CommissionPolicy, s CourseSale) (OwnerID, decimal.Decimal, error) {
	if s.CourseID == "" {
		return "", decimal.Zero, &InvalidSaleError{SaleID: s.ID, Reason: "course sale without course id"}
	}
	if r.catalog == nil {
		return "", decimal.Zero, &InvalidSaleError{SaleID: s.ID, Reason: "no course catalog configured"}
	}
	course, err := r.catalog.Course(ctx, s.CourseID)
	if errors.Is(err, ErrCourseNotFound) {
		return "", decimal.Zero, &InvalidSaleError{SaleID: s.ID, Reason: fmt.Sprintf("course %s not found", s.CourseID)}
	}
	if err != nil {
		return "", decimal.Zero, fmt.Errorf("failed to load course %s: %w", s.CourseID, err)
	}
	if !course.Active {
		return "", decimal.Zero, &InvalidSaleError{SaleID: s.ID, Reason: fmt.Sprintf("course %s is not active", s.CourseID)}
	}
	if course.MentorID == "" {
		return "", decimal.Zero, &InvalidSaleError{SaleID: s.ID, Reason: fmt.Sprintf("course %s has no mentor", s.CourseID)}
	}
	share := policy.DefaultMentorShare
	if course.MentorShare != nil {
		share = *course.MentorShare
	}
	return course.MentorID, share, nil
}

func affiliateRate(policy CommissionPolicy, tier string, kind SaleKind) decimal.Decimal {
	if tier != "" {
		if r, ok := policy.TierRates[tier][kind]; ok {
			return r
		}
	}
	if r, ok := policy.Rates[kind]; ok {
		return r
	}
	return decimal.Zero
}

func affiliateEligible(b SaleBase) bool {
	if !b.HasAffiliate() {
		return false
	}
	if b.BuyerID != "" && b.BuyerID == b.AffiliateID {
		return false
	}
	if b.Coupon != nil && b.Coupon.AffiliateDisabled {
		return false
	}
	return true
}

func percentOf(base, rate decimal.Decimal, precision int32) decimal.Decimal {
	return base.Mul(rate).Div(hundred).Round(precision)
}
