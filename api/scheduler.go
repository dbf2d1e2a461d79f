/*
scheduler.go - Periodic ledger reconciliation

PURPOSE:
  Runs Ledger.ReconcileAll in the background so a wallet that drifts from
  its log is reported without anyone calling /api/admin/reconcile.
  Violations are logged at error level by the ledger; they are never
  corrected here.

CONFIGURATION:
  - CheckInterval: How often to check (RECONCILE_INTERVAL, default 1 hour)
  - A zero interval disables the scheduler

USAGE:
  scheduler := NewReconciliationScheduler(handler, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ReconcileAll endpoint (manual reconciliation)
  - revenue/ledger.go: Reconcile
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/revenue-engine/revenue"
)

// ReconciliationScheduler checks every wallet on a fixed interval.
type ReconciliationScheduler struct {
	ledger        *revenue.Ledger
	CheckInterval time.Duration

	log    zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastRun    time.Time
	violations int
}

func NewReconciliationScheduler(h *Handler, interval time.Duration, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		ledger:        h.ledger,
		CheckInterval: interval,
		log:           log.With().Str("component", "reconciler").Logger(),
	}
}

// Start begins the scheduler. It is a no-op when the interval is zero or
// the scheduler is already running.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.CheckInterval <= 0 {
		rs.log.Info().Msg("disabled, not starting")
		return
	}
	if rs.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.wg.Add(1)
	go rs.run(ctx)

	rs.log.Info().Dur("interval", rs.CheckInterval).Msg("started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	cancel := rs.cancel
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel != nil {
		cancel()
		rs.wg.Wait()
		rs.log.Info().Msg("stopped")
	}
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer rs.wg.Done()

	ticker := time.NewTicker(rs.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	rs.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce reconciles every wallet and returns the number of violations.
func (rs *ReconciliationScheduler) RunOnce(ctx context.Context) int {
	reports, err := rs.ledger.ReconcileAll(ctx)
	if err != nil && !errors.Is(err, revenue.ErrLedgerIntegrityViolation) {
		rs.log.Error().Err(err).Msg("reconciliation failed")
		return 0
	}
	violations := len(integrityDetails(err))

	rs.mu.Lock()
	rs.lastRun = time.Now().UTC()
	rs.violations = violations
	rs.mu.Unlock()

	ev := rs.log.Info()
	if violations > 0 {
		ev = rs.log.Error()
	}
	ev.Int("wallets", len(reports)).Int("violations", violations).Msg("reconciliation complete")
	return violations
}

// LastRun reports when the last check completed and what it found.
func (rs *ReconciliationScheduler) LastRun() (time.Time, int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.lastRun, rs.violations
}
