/*
engine.go - Recalculation, checkpoint and rebuild

PURPOSE:
  The Engine is the only writer of BranchLedger rows. Report mutation
  handlers call the On* hooks and wait for them; nothing else computes or
  stores a branch total.

ALGORITHM (Recalculate):
  1. Resolve the branch (unknown or inactive => UnknownBranchError)
  2. Enter the branch's critical section (bounded wait)
  3. Read the ledger's checkpoint (missing row => no checkpoint)
  4. List reports with CreatedAt >= checkpoint
  5. Fold Contribution over them in decimal
  6. Upsert the total with a compare-and-swap on the checkpoint

  Steps 3-6 run under the branch lock, so a Reset on the same branch can
  never interleave with them. The compare-and-swap covers deployments where
  two processes do not share a lock: a stale total loses to the reset.

COST:
  Every mutation costs one pass over the branch's in-window reports. The
  cost is isolated here; an incremental running sum could replace the fold
  without changing the public contract, with RebuildAll kept as the
  reconciliation pass.

SEE ALSO:
  - lock.go: KeyedMutex (in-process Locker)
  - locker/redis.go: Distributed Locker
  - summary.go: Read-side breakdowns
*/
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// maxRecalcAttempts bounds retries after ErrStaleWindow. A retry only
// happens when the previous attempt wrote nothing.
const maxRecalcAttempts = 3

// DefaultRebuildConcurrency is the number of branches rebuilt in parallel.
const DefaultRebuildConcurrency = 4

// =============================================================================
// RECORDER - Observability hook
// =============================================================================

// Recorder receives engine events. The metrics package implements it with
// Prometheus collectors.
type Recorder interface {
	RecalculationDone(branchID BranchID, took time.Duration, err error)
	LockWaited(branchID BranchID, waited time.Duration)
	CheckpointDone(branchID BranchID, err error)
	RebuildDone(result RebuildResult, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecalculationDone(BranchID, time.Duration, error) {}
func (nopRecorder) LockWaited(BranchID, time.Duration)               {}
func (nopRecorder) CheckpointDone(BranchID, error)                   {}
func (nopRecorder) RebuildDone(RebuildResult, time.Duration)         {}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	reports  ReportReader
	ledgers  LedgerStore
	branches BranchDirectory

	locker             Locker
	logger             *zap.Logger
	recorder           Recorder
	now                func() time.Time
	location           *time.Location
	rebuildConcurrency int

	summaries singleflight.Group
}

type Option func(*Engine)

func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithRecorder(r Recorder) Option { return func(e *Engine) { e.recorder = r } }

// WithClock overrides time.Now for deterministic tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocation sets the business time zone used for day and month boundaries.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.location = loc } }

func WithRebuildConcurrency(n int) Option {
	return func(e *Engine) { e.rebuildConcurrency = n }
}

// NewEngine wires an Engine. Without options it uses an in-process
// KeyedMutex, no logging and UTC day boundaries.
func NewEngine(reports ReportReader, ledgers LedgerStore, branches BranchDirectory, opts ...Option) *Engine {
	e := &Engine{
		reports:            reports,
		ledgers:            ledgers,
		branches:           branches,
		locker:             NewKeyedMutex(DefaultLockTimeout),
		logger:             zap.NewNop(),
		recorder:           nopRecorder{},
		now:                time.Now,
		location:           time.UTC,
		rebuildConcurrency: DefaultRebuildConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rebuildConcurrency < 1 {
		e.rebuildConcurrency = 1
	}
	return e
}

// Location returns the business time zone.
func (e *Engine) Location() *time.Location { return e.location }

// Now returns the engine clock, normalized with Instant.
func (e *Engine) Now() time.Time { return Instant(e.now()) }

// =============================================================================
// RECALCULATION
// =============================================================================

// Recalculate recomputes the branch's cumulative total from the reports in
// its current checkpoint window and stores it. Calling it twice with no
// report change in between yields the same total.
func (e *Engine) Recalculate(ctx context.Context, branchID BranchID) (decimal.Decimal, error) {
	l, err := e.recalculate(ctx, branchID)
	if err != nil {
		return decimal.Zero, err
	}
	return l.CumulativeTotal, nil
}

func (e *Engine) recalculate(ctx context.Context, branchID BranchID) (BranchLedger, error) {
	if err := e.resolve(ctx, branchID); err != nil {
		return BranchLedger{}, err
	}

	start := time.Now()
	release, err := e.lock(ctx, branchID)
	if err != nil {
		e.recorder.RecalculationDone(branchID, time.Since(start), err)
		return BranchLedger{}, err
	}
	defer release()

	l, err := e.recalculateLocked(ctx, branchID)
	e.recorder.RecalculationDone(branchID, time.Since(start), err)
	if err != nil {
		e.logger.Error("recalculation failed",
			zap.String("branch_id", string(branchID)), zap.Error(err))
		return BranchLedger{}, err
	}
	e.logger.Debug("recalculated",
		zap.String("branch_id", string(branchID)),
		zap.String("total", l.CumulativeTotal.String()))
	return l, nil
}

func (e *Engine) recalculateLocked(ctx context.Context, branchID BranchID) (BranchLedger, error) {
	var lastErr error
	for attempt := 1; attempt <= maxRecalcAttempts; attempt++ {
		current, err := e.ledgers.GetLedger(ctx, branchID)
		if err != nil {
			return BranchLedger{}, storeErr("load ledger", branchID, err)
		}
		var window *time.Time
		if current != nil {
			window = current.LastResetAt
		}

		reports, err := e.reports.ListReports(ctx, branchID, window)
		if err != nil {
			return BranchLedger{}, storeErr("list reports", branchID, err)
		}

		total, err := foldContributions(branchID, reports, window)
		if err != nil {
			return BranchLedger{}, err
		}

		at := e.Now()
		err = e.ledgers.SaveTotal(ctx, branchID, total, window, at)
		if err == nil {
			return BranchLedger{
				BranchID:           branchID,
				CumulativeTotal:    total,
				LastResetAt:        window,
				LastRecalculatedAt: &at,
				UpdatedAt:          at,
			}, nil
		}
		if !errors.Is(err, ErrStaleWindow) {
			return BranchLedger{}, storeErr("save ledger", branchID, err)
		}
		lastErr = err
		e.logger.Warn("checkpoint moved during recalculation",
			zap.String("branch_id", string(branchID)), zap.Int("attempt", attempt))
	}
	return BranchLedger{}, lastErr
}

// foldContributions sums the contributions of the in-window reports. The
// window filter is repeated here so a store that ignores since cannot leak
// pre-checkpoint history into the total.
func foldContributions(branchID BranchID, reports []Report, window *time.Time) (decimal.Decimal, error) {
	scope := BranchLedger{BranchID: branchID, LastResetAt: window}
	total := decimal.Zero
	for _, r := range reports {
		if r.BranchID != branchID || !scope.InWindow(r.CreatedAt) {
			continue
		}
		total = total.Add(Contribution(r))
		if total.Abs().GreaterThan(MaxLedgerMagnitude) {
			return decimal.Zero, &OverflowError{BranchID: branchID, Total: total}
		}
	}
	return total, nil
}

// =============================================================================
// CHECKPOINT
// =============================================================================

// Reset closes the branch's current window: the total becomes zero and only
// reports created at or after the reset instant count from now on. Report
// records are not touched.
func (e *Engine) Reset(ctx context.Context, branchID BranchID) (BranchLedger, error) {
	if err := e.resolve(ctx, branchID); err != nil {
		return BranchLedger{}, err
	}
	release, err := e.lock(ctx, branchID)
	if err != nil {
		e.recorder.CheckpointDone(branchID, err)
		return BranchLedger{}, err
	}
	defer release()

	at := e.Now()
	err = storeErr("set checkpoint", branchID, e.ledgers.SetCheckpoint(ctx, branchID, &at, at))
	e.recorder.CheckpointDone(branchID, err)
	if err != nil {
		e.logger.Error("reset failed", zap.String("branch_id", string(branchID)), zap.Error(err))
		return BranchLedger{}, err
	}
	e.logger.Info("ledger reset",
		zap.String("branch_id", string(branchID)), zap.Time("last_reset_at", at))
	return BranchLedger{
		BranchID:        branchID,
		CumulativeTotal: decimal.Zero,
		LastResetAt:     &at,
		UpdatedAt:       at,
	}, nil
}

// ResetAll resets every active branch, one branch lock at a time. Branches
// that fail are reported in the joined error; the others stay reset.
func (e *Engine) ResetAll(ctx context.Context) ([]BranchLedger, error) {
	branches, err := e.branches.ActiveBranches(ctx)
	if err != nil {
		return nil, storeErr("list branches", "", err)
	}
	var (
		out  []BranchLedger
		errs []error
	)
	for _, b := range branches {
		l, err := e.Reset(ctx, b.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, l)
	}
	return out, errors.Join(errs...)
}

// ReopenWindow clears the branch's checkpoint so the whole report history
// counts again, then recalculates. This is an administrative correction and
// is not routed unless explicitly enabled.
func (e *Engine) ReopenWindow(ctx context.Context, branchID BranchID) (BranchLedger, error) {
	if err := e.resolve(ctx, branchID); err != nil {
		return BranchLedger{}, err
	}
	release, err := e.lock(ctx, branchID)
	if err != nil {
		return BranchLedger{}, err
	}
	defer release()

	if err := e.ledgers.SetCheckpoint(ctx, branchID, nil, e.Now()); err != nil {
		return BranchLedger{}, storeErr("clear checkpoint", branchID, err)
	}
	e.logger.Warn("ledger checkpoint cleared", zap.String("branch_id", string(branchID)))
	return e.recalculateLocked(ctx, branchID)
}

// =============================================================================
// REBUILD
// =============================================================================

// RebuildResult reports the outcome per branch. Partial completion is
// normal: failed branches are retried individually, not as a batch.
type RebuildResult struct {
	Totals map[BranchID]decimal.Decimal
	Failed map[BranchID]error
}

// Err joins the per-branch failures in branch order, or returns nil.
func (r RebuildResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	errs := make([]error, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, r.Failed[BranchID(id)])
	}
	return errors.Join(errs...)
}

// RebuildAll recalculates every active branch for drift correction. Each
// worker holds one branch lock for one recalculation at a time.
func (e *Engine) RebuildAll(ctx context.Context) (RebuildResult, error) {
	start := time.Now()
	result := RebuildResult{
		Totals: make(map[BranchID]decimal.Decimal),
		Failed: make(map[BranchID]error),
	}

	branches, err := e.branches.ActiveBranches(ctx)
	if err != nil {
		return result, storeErr("list branches", "", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.rebuildConcurrency)
	for _, b := range branches {
		id := b.ID
		g.Go(func() error {
			total, err := e.Recalculate(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err
				return nil
			}
			result.Totals[id] = total
			return nil
		})
	}
	_ = g.Wait()

	e.recorder.RebuildDone(result, time.Since(start))
	e.logger.Info("rebuild finished",
		zap.Int("rebuilt", len(result.Totals)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("took", time.Since(start)))
	return result, result.Err()
}

// =============================================================================
// REPORT EVENTS
// =============================================================================

// OnReportCreated recalculates the report's branch and returns its total.
func (e *Engine) OnReportCreated(ctx context.Context, r Report) (decimal.Decimal, error) {
	return e.Recalculate(ctx, r.BranchID)
}

// OnReportUpdated recalculates the branch before and, if the report moved,
// the branch after. Totals are keyed by branch.
func (e *Engine) OnReportUpdated(ctx context.Context, before, after Report) (map[BranchID]decimal.Decimal, error) {
	ids := []BranchID{before.BranchID}
	if after.BranchID != before.BranchID {
		ids = append(ids, after.BranchID)
	}
	totals := make(map[BranchID]decimal.Decimal, len(ids))
	for _, id := range ids {
		total, err := e.Recalculate(ctx, id)
		if err != nil {
			return totals, err
		}
		totals[id] = total
	}
	return totals, nil
}

// OnReportDeleted recalculates the deleted report's branch.
func (e *Engine) OnReportDeleted(ctx context.Context, r Report) (decimal.Decimal, error) {
	return e.Recalculate(ctx, r.BranchID)
}

// =============================================================================
// QUERIES
// =============================================================================

// GetLedger recalculates the branch and returns the fresh ledger, so callers
// never observe a total older than the current report set.
func (e *Engine) GetLedger(ctx context.Context, branchID BranchID) (BranchLedger, error) {
	return e.recalculate(ctx, branchID)
}

// GetLedgers returns fresh ledgers for the given branches in request order.
// With no ids it covers every active branch.
func (e *Engine) GetLedgers(ctx context.Context, ids []BranchID) ([]BranchLedger, error) {
	if len(ids) == 0 {
		branches, err := e.branches.ActiveBranches(ctx)
		if err != nil {
			return nil, storeErr("list branches", "", err)
		}
		for _, b := range branches {
			ids = append(ids, b.ID)
		}
	}

	out := make([]BranchLedger, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.rebuildConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			l, err := e.recalculate(gctx, id)
			if err != nil {
				return err
			}
			out[i] = l
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (e *Engine) resolve(ctx context.Context, id BranchID) error {
	if id == "" {
		return &UnknownBranchError{BranchID: id}
	}
	b, err := e.branches.Branch(ctx, id)
	if err != nil {
		return storeErr("resolve branch", id, err)
	}
	if b == nil {
		return &UnknownBranchError{BranchID: id}
	}
	if !b.IsActive() {
		return &UnknownBranchError{BranchID: id, Inactive: true}
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, id BranchID) (func(), error) {
	start := time.Now()
	release, err := e.locker.Acquire(ctx, id)
	e.recorder.LockWaited(id, time.Since(start))
	if err != nil {
		e.logger.Warn("branch lock not acquired",
			zap.String("branch_id", string(id)), zap.Error(err))
		return nil, err
	}
	return release, nil
}
