/*
distribution.go - Revenue distribution for one confirmed sale

PURPOSE:
  Turns a sale into wallet credits: the affiliate who referred the buyer
  and, for course sales, the mentor who owns the course.

LEGS:
  Each beneficiary is a leg with its own atomic unit.

  affiliate: insert Conversion + credit wallet (one unit)
             key "sale:<id>:affiliate:<owner>"
  mentor:    credit wallet
             key "sale:<id>:mentor:<owner>"

  A mentor failure does not undo the affiliate credit already committed.
  The failed leg is reported in a DistributionError and a retry of the
  whole sale credits only what is still missing.

IDEMPOTENCY:
  1. Fast path: an existing Conversion skips the affiliate leg
  2. Unique (affiliate, sale) on conversions catches concurrent duplicates
  3. Unique idempotency keys on the log catch mentor replays

  Replaying a sale never credits anyone twice.

EXAMPLE:
  Course sale 500,000, affiliate rate 10%, mentor share 70%
  -> affiliate +50,000 (commission), mentor +350,000 (mentor_share)
  -> platform keeps 100,000
*/
package revenue

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Leg string

const (
	LegAffiliate Leg = "affiliate"
	LegMentor    Leg = "mentor"
)

const (
	SkipAlreadyProcessed = "already processed"
	SkipNothingOwed      = "no commission owed"
)

// BeneficiaryResult is the outcome of one leg.
type BeneficiaryResult struct {
	Leg    Leg
	Owner  OwnerID
	Rate   decimal.Decimal
	Amount decimal.Decimal

	Owed             bool
	Credited         bool
	AlreadyProcessed bool

	Transaction *WalletTransaction
	Conversion  *Conversion // affiliate leg only
	Err         error
}

// DistributionResult aggregates the legs of one sale.
type DistributionResult struct {
	SaleID     SaleID
	Resolution Resolution
	Affiliate  BeneficiaryResult
	Mentor     BeneficiaryResult

	// Amounts credited by this call. Zero for skipped or failed legs.
	AffiliateCredited decimal.Decimal
	MentorCredited    decimal.Decimal

	SkippedReason string
}

// =============================================================================
// DISTRIBUTOR
// =============================================================================

type Distributor struct {
	store    Store
	resolver *Resolver
	ledger   *Ledger
	tracker  *ConversionTracker
	deps
}

func NewDistributor(store Store, resolver *Resolver, opts ...Option) *Distributor {
	d := newDeps(opts)
	return &Distributor{
		store:    store,
		resolver: resolver,
		ledger:   &Ledger{store: store, deps: d},
		tracker:  &ConversionTracker{store: store, deps: d},
		deps:     d,
	}
}

// Distribute credits every beneficiary of sale at most once.
//
// Invalid sales return an InvalidSaleError and touch nothing. Storage
// failures return the partial result together with a *DistributionError
// naming the legs that still need a retry.
func (d *Distributor) Distribute(ctx context.Context, policy CommissionPolicy, sale Sale) (*DistributionResult, error) {
	res, err := d.resolver.Resolve(ctx, policy, sale)
	if err != nil {
		if errors.Is(err, ErrInvalidSale) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDistributionFailed, err)
	}

	result := &DistributionResult{
		SaleID:            res.SaleID,
		Resolution:        res,
		AffiliateCredited: decimal.Zero,
		MentorCredited:    decimal.Zero,
		Affiliate: BeneficiaryResult{
			Leg:    LegAffiliate,
			Owner:  res.AffiliateID,
			Rate:   res.AffiliateRate,
			Amount: res.AffiliateAmount,
			Owed:   res.AffiliateID != "" && res.AffiliateAmount.IsPositive(),
		},
		Mentor: BeneficiaryResult{
			Leg:    LegMentor,
			Owner:  res.MentorID,
			Rate:   res.MentorRate,
			Amount: res.MentorAmount,
			Owed:   res.MentorID != "" && res.MentorAmount.IsPositive(),
		},
	}

	log := d.log.With().Str("sale_id", string(res.SaleID)).Logger()

	if result.Affiliate.Owed {
		d.affiliateLeg(ctx, res, &result.Affiliate)
	}
	if result.Mentor.Owed {
		d.mentorLeg(ctx, res, &result.Mentor)
	}

	var failures []LegFailure
	for _, leg := range []*BeneficiaryResult{&result.Affiliate, &result.Mentor} {
		switch {
		case leg.Err != nil:
			failures = append(failures, LegFailure{Leg: leg.Leg, Owner: leg.Owner, Err: leg.Err})
			log.Error().Err(leg.Err).Str("leg", string(leg.Leg)).Str("owner", string(leg.Owner)).Msg("leg failed")
		case leg.Credited:
			d.emit(ctx, entryEvent(*leg.Transaction))
			log.Info().Str("leg", string(leg.Leg)).Str("owner", string(leg.Owner)).
				Str("amount", leg.Amount.String()).Msg("credited")
		case leg.AlreadyProcessed:
			log.Info().Str("leg", string(leg.Leg)).Str("owner", string(leg.Owner)).Msg("already processed")
		}
	}
	if result.Affiliate.Credited {
		result.AffiliateCredited = result.Affiliate.Amount
	}
	if result.Mentor.Credited {
		result.MentorCredited = result.Mentor.Amount
	}

	switch {
	case !result.Affiliate.Owed && !result.Mentor.Owed:
		result.SkippedReason = SkipNothingOwed
	case skipped(result.Affiliate) && skipped(result.Mentor):
		result.SkippedReason = SkipAlreadyProcessed
	}

	if len(failures) > 0 {
		return result, &DistributionError{SaleID: res.SaleID, Failures: failures}
	}
	return result, nil
}

// skipped is true for a leg that was owed and already processed, or not owed.
func skipped(b BeneficiaryResult) bool {
	return !b.Owed || b.AlreadyProcessed
}

func (d *Distributor) affiliateLeg(ctx context.Context, res Resolution, out *BeneficiaryResult) {
	existing, err := d.store.FindConversion(ctx, res.AffiliateID, res.SaleID)
	if err == nil {
		out.AlreadyProcessed = true
		out.Conversion = existing
		return
	}
	if !errors.Is(err, ErrConversionNotFound) {
		out.Err = err
		return
	}

	conv := d.tracker.newConversion(res.AffiliateID, res.SaleID, res.Kind, res.AffiliateAmount)
	conv.Rate = res.AffiliateRate
	conv.Base = res.AffiliateBase

	var entry *WalletTransaction
	err = d.store.WithTx(ctx, func(tx Tx) error {
		if err := d.tracker.record(ctx, tx, conv); err != nil {
			return err
		}
		var err error
		entry, err = d.ledger.apply(ctx, tx, Credit, Posting{
			Owner:          res.AffiliateID,
			Amount:         res.AffiliateAmount,
			Type:           TxCommission,
			Reference:      saleReference(res.SaleID),
			Description:    fmt.Sprintf("affiliate commission %s%% on %s sale", res.AffiliateRate, res.Kind),
			IdempotencyKey: legKey(res.SaleID, LegAffiliate, res.AffiliateID),
		})
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateConversion), errors.Is(err, ErrDuplicateIdempotencyKey):
		out.AlreadyProcessed = true
	case err != nil:
		out.Err = err
	default:
		out.Credited = true
		out.Transaction = entry
		out.Conversion = &conv
	}
}

func (d *Distributor) mentorLeg(ctx context.Context, res Resolution, out *BeneficiaryResult) {
	var entry *WalletTransaction
	err := d.store.WithTx(ctx, func(tx Tx) error {
		var err error
		entry, err = d.ledger.apply(ctx, tx, Credit, Posting{
			Owner:          res.MentorID,
			Amount:         res.MentorAmount,
			Type:           TxMentorShare,
			Reference:      saleReference(res.SaleID),
			Description:    fmt.Sprintf("mentor share %s%% on course sale", res.MentorRate),
			IdempotencyKey: legKey(res.SaleID, LegMentor, res.MentorID),
		})
		return err
	})
	switch {
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		out.AlreadyProcessed = true
	case err != nil:
		out.Err = err
	default:
		out.Credited = true
		out.Transaction = entry
	}
}

func saleReference(id SaleID) string {
	return "sale:" + string(id)
}

func legKey(sale SaleID, leg Leg, owner OwnerID) string {
	return fmt.Sprintf("sale:%s:%s:%s", sale, leg, owner)
}
