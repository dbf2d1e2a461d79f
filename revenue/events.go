package revenue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// =============================================================================
// EVENTS - What notification dispatch is told after a mutation
// =============================================================================

type EventType string

const (
	EventWalletCredited  EventType = "wallet.credited"
	EventWalletDebited   EventType = "wallet.debited"
	EventPayoutRequested EventType = "payout.requested"
	EventPayoutApproved  EventType = "payout.approved"
	EventPayoutRejected  EventType = "payout.rejected"
)

// Event carries enough to compose a user-facing message. Formatting and
// delivery belong to the subscriber.
type Event struct {
	Type      EventType       `json:"type"`
	Owner     OwnerID         `json:"owner"`
	Amount    decimal.Decimal `json:"amount"`
	Balance   decimal.Decimal `json:"balance"`
	Reference string          `json:"reference,omitempty"`
	TxType    TxType          `json:"tx_type,omitempty"`
	PayoutID  PayoutID        `json:"payout_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	At        time.Time       `json:"at"`
}

// Notifier receives events once the unit that produced them has committed.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) error { return nil }

// =============================================================================
// SHARED SERVICE OPTIONS
// =============================================================================

type deps struct {
	notifier Notifier
	log      zerolog.Logger
	nowFn    func() time.Time
}

func newDeps(opts []Option) deps {
	d := deps{
		notifier: NopNotifier{},
		log:      zerolog.Nop(),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// Option configures a Ledger, Distributor, PayoutService or ConversionTracker.
type Option func(*deps)

func WithNotifier(n Notifier) Option {
	return func(d *deps) {
		if n != nil {
			d.notifier = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *deps) { d.log = l }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(d *deps) {
		if now != nil {
			d.nowFn = now
		}
	}
}

// emit delivers events after commit. Delivery failures never undo a mutation.
func (d deps) emit(ctx context.Context, events ...Event) {
	for _, e := range events {
		if err := d.notifier.Notify(ctx, e); err != nil {
			d.log.Warn().Err(err).
				Str("event", string(e.Type)).
				Str("owner", string(e.Owner)).
				Msg("notification failed")
		}
	}
}
