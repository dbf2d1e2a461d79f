/*
Package notify delivers revenue events to subscribers.

PURPOSE:
  The engine only emits revenue.Event values after a unit commits. This
  package turns them into something observable: a structured log line,
  a Redis pub/sub message, or both.

NOTIFIERS:
  Log    - one zerolog line per event
  Redis  - JSON payload PUBLISHed on a channel
  Multi  - fan-out; every notifier is tried, errors are joined

USAGE:
  n := notify.Multi{notify.NewLog(logger), notify.NewRedis(client, "revenue.events")}
  ledger := revenue.NewLedger(store, revenue.WithNotifier(n))
*/
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/warp/revenue-engine/revenue"
)

var (
	_ revenue.Notifier = (*Log)(nil)
	_ revenue.Notifier = Multi(nil)
)

// Log writes every event at info level.
type Log struct {
	log zerolog.Logger
}

func NewLog(l zerolog.Logger) *Log {
	return &Log{log: l.With().Str("component", "notify").Logger()}
}

func (n *Log) Notify(_ context.Context, e revenue.Event) error {
	ev := n.log.Info().
		Str("event", string(e.Type)).
		Str("owner", string(e.Owner)).
		Str("amount", e.Amount.String()).
		Str("balance", e.Balance.String()).
		Time("at", e.At)
	if e.Reference != "" {
		ev = ev.Str("reference", e.Reference)
	}
	if e.PayoutID != "" {
		ev = ev.Str("payout_id", string(e.PayoutID))
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	ev.Msg("revenue event")
	return nil
}

// Multi notifies each member in order.
type Multi []revenue.Notifier

func (m Multi) Notify(ctx context.Context, e revenue.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
