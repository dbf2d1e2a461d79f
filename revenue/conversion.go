package revenue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONVERSION TRACKER - Commission owed per (affiliate, sale)
// =============================================================================

// ConversionTracker records what each affiliate earned on each sale.
// The PaidOut flag is informational; wallet balances never depend on it.
type ConversionTracker struct {
	store Store
	deps
}

func NewConversionTracker(store Store, opts ...Option) *ConversionTracker {
	return &ConversionTracker{store: store, deps: newDeps(opts)}
}

// Record stores the conversion for (affiliate, sale). If one exists it is
// returned unchanged with created == false.
func (c *ConversionTracker) Record(ctx context.Context, affiliate OwnerID, sale SaleID, kind SaleKind, amount decimal.Decimal) (*Conversion, bool, error) {
	if affiliate == "" || sale == "" {
		return nil, false, &InvalidSaleError{SaleID: sale, Reason: "conversion needs an affiliate and a sale"}
	}
	if amount.IsNegative() {
		return nil, false, &InvalidSaleError{SaleID: sale, Reason: "negative commission"}
	}

	if existing, err := c.store.FindConversion(ctx, affiliate, sale); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrConversionNotFound) {
		return nil, false, err
	}

	conv := c.newConversion(affiliate, sale, kind, amount)
	err := c.store.WithTx(ctx, func(tx Tx) error {
		return c.record(ctx, tx, conv)
	})
	if errors.Is(err, ErrDuplicateConversion) {
		existing, err := c.store.FindConversion(ctx, affiliate, sale)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

func (c *ConversionTracker) newConversion(affiliate OwnerID, sale SaleID, kind SaleKind, amount decimal.Decimal) Conversion {
	return Conversion{
		ID:               ConversionID(uuid.NewString()),
		AffiliateID:      affiliate,
		SaleID:           sale,
		SaleKind:         kind,
		CommissionAmount: amount,
		Rate:             decimal.Zero,
		Base:             decimal.Zero,
		CreatedAt:        c.nowFn(),
	}
}

// record inserts inside an existing unit. The store's unique constraint on
// (affiliate, sale) surfaces as ErrDuplicateConversion.
func (c *ConversionTracker) record(ctx context.Context, tx Tx, conv Conversion) error {
	if err := tx.InsertConversion(ctx, conv); err != nil {
		return err
	}
	c.log.Debug().
		Str("affiliate", string(conv.AffiliateID)).
		Str("sale_id", string(conv.SaleID)).
		Str("amount", conv.CommissionAmount.String()).
		Msg("conversion recorded")
	return nil
}

// MarkPaid flips PaidOut. Marking a paid conversion again is a no-op.
func (c *ConversionTracker) MarkPaid(ctx context.Context, id ConversionID) (*Conversion, error) {
	var out *Conversion
	err := c.store.WithTx(ctx, func(tx Tx) error {
		conv, err := tx.GetConversion(ctx, id)
		if err != nil {
			return err
		}
		if !conv.PaidOut {
			at := c.nowFn()
			if err := tx.MarkConversionPaid(ctx, id, at); err != nil {
				return err
			}
			conv.PaidOut = true
			conv.PaidAt = &at
		}
		out = conv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settle marks unpaid conversions as paid, oldest first, while the
// affiliate's lifetime payouts cover them. It stops at the first
// conversion that is not fully covered.
//
// Payouts are attributed to commission last: income the wallet earned
// from other sources (mentor shares, adjustments) is assumed withdrawn
// first, so only TotalPayout beyond that income counts as coverage.
func (c *ConversionTracker) settle(ctx context.Context, tx Tx, w Wallet, at time.Time) (int, error) {
	convs, err := tx.AffiliateConversions(ctx, w.Owner)
	if err != nil {
		return 0, fmt.Errorf("failed to load conversions: %w", err)
	}

	commission := decimal.Zero
	for _, conv := range convs {
		commission = commission.Add(conv.CommissionAmount)
	}
	other := w.TotalEarned.Sub(commission)
	if other.IsNegative() {
		other = decimal.Zero
	}

	coverage := w.TotalPayout.Sub(other)
	for _, conv := range convs {
		if conv.PaidOut {
			coverage = coverage.Sub(conv.CommissionAmount)
		}
	}

	marked := 0
	for _, conv := range convs {
		if conv.PaidOut {
			continue
		}
		if conv.CommissionAmount.GreaterThan(coverage) {
			break
		}
		if err := tx.MarkConversionPaid(ctx, conv.ID, at); err != nil {
			return marked, err
		}
		coverage = coverage.Sub(conv.CommissionAmount)
		marked++
	}
	return marked, nil
}

func (c *ConversionTracker) Find(ctx context.Context, affiliate OwnerID, sale SaleID) (*Conversion, error) {
	return c.store.FindConversion(ctx, affiliate, sale)
}

// ListByAffiliate returns the affiliate's conversions oldest first.
func (c *ConversionTracker) ListByAffiliate(ctx context.Context, affiliate OwnerID) ([]Conversion, error) {
	return c.store.ConversionsByAffiliate(ctx, affiliate)
}
