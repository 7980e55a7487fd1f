/*
scheduler.go - Automated drift-correction scheduler

PURPOSE:
  Periodically rebuilds every active branch ledger so any drift left by a
  failed ledger update is healed without an operator.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Runs once immediately on start, then on every tick
  - Each run is one RebuildAll: bounded worker pool, one branch lock at a
    time per worker, partial failures logged per branch
  - Stop cancels an in-flight run and waits for it to return

USAGE:
  scheduler := NewRebuildScheduler(engine, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: Rebuild endpoint (manual rebuild)
  - ledger/engine.go: RebuildAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/branch-ledger/ledger"
	"github.com/warp/branch-ledger/logging"
)

// Rebuilder is the part of *ledger.Engine the scheduler drives.
type Rebuilder interface {
	RebuildAll(ctx context.Context) (ledger.RebuildResult, error)
}

// RebuildScheduler runs RebuildAll on a fixed interval.
type RebuildScheduler struct {
	Engine   Rebuilder
	Interval time.Duration

	logger *logging.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// runMu is separate from mu: Stop holds mu while waiting for a run.
	runMu   sync.Mutex
	lastRun time.Time
}

// NewRebuildScheduler creates a new scheduler. A non-positive interval
// leaves it disabled.
func NewRebuildScheduler(engine Rebuilder, interval time.Duration, logger *logging.Logger) *RebuildScheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &RebuildScheduler{
		Engine:   engine,
		Interval: interval,
		logger:   logger.WithComponent("rebuild-scheduler"),
	}
}

// Start begins the scheduler. Calling Start on a running scheduler is a no-op.
func (rs *RebuildScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.logger.Info("disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.ticker = time.NewTicker(rs.Interval)
	rs.wg.Add(1)

	go rs.run(ctx, rs.ticker)

	rs.logger.Infow("started", "interval", rs.Interval)
}

// Stop stops the scheduler and waits for an in-flight run to return.
func (rs *RebuildScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	rs.cancel()
	rs.wg.Wait()
	rs.ticker = nil
	rs.logger.Info("stopped")
}

func (rs *RebuildScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer rs.wg.Done()

	// Run immediately on start
	rs.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			rs.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one rebuild synchronously.
func (rs *RebuildScheduler) RunNow(ctx context.Context) (ledger.RebuildResult, error) {
	start := time.Now()
	result, err := rs.Engine.RebuildAll(ctx)

	rs.runMu.Lock()
	rs.lastRun = start
	rs.runMu.Unlock()

	for id, ferr := range result.Failed {
		rs.logger.Warnw("branch rebuild failed", "branch_id", string(id), "error", ferr)
	}
	if err != nil && len(result.Failed) == 0 {
		rs.logger.Errorw("rebuild failed", "error", err)
		return result, err
	}
	rs.logger.Infow("rebuild completed",
		"rebuilt", len(result.Totals),
		"failed", len(result.Failed),
		"took", time.Since(start),
	)
	return result, err
}

// LastRun returns when the most recent run started, zero if none has.
func (rs *RebuildScheduler) LastRun() time.Time {
	rs.runMu.Lock()
	defer rs.runMu.Unlock()
	return rs.lastRun
}
