// Package locker provides the distributed ledger.Locker used when several
// server instances share one database.
package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/branch-ledger/ledger"
)

const (
	DefaultTTL     = 30 * time.Second
	defaultPrefix  = "ledger:branch:"
	retryInterval  = 25 * time.Millisecond
	redisOpTimeout = 2 * time.Second
)

// Redis is a ledger.Locker backed by Redis SET NX locks. While a lock is
// held it is refreshed every TTL/3, so a slow recalculation keeps it.
//
// The lock is only lost if refreshes fail for a whole TTL (Redis
// unreachable, process stalled). Another instance may then recalculate the
// same branch concurrently. The ledger store's checkpoint compare-and-swap
// stops a stale total from overwriting a reset, but it does not order two
// recalculations inside the same window; the later write wins until the
// next recalculation of that branch.
type Redis struct {
	client  *redislock.Client
	prefix  string
	timeout time.Duration
	ttl     time.Duration
	logger  *zap.Logger
}

var _ ledger.Locker = (*Redis)(nil)

type Option func(*Redis)

// WithTimeout bounds how long Acquire waits for a busy branch.
func WithTimeout(d time.Duration) Option { return func(r *Redis) { r.timeout = d } }

// WithTTL sets the lock expiry.
func WithTTL(d time.Duration) Option { return func(r *Redis) { r.ttl = d } }

// WithPrefix sets the Redis key prefix.
func WithPrefix(p string) Option { return func(r *Redis) { r.prefix = p } }

func WithLogger(l *zap.Logger) Option { return func(r *Redis) { r.logger = l } }

func NewRedis(rdb redis.UniversalClient, opts ...Option) *Redis {
	r := &Redis{
		client:  redislock.New(rdb),
		prefix:  defaultPrefix,
		timeout: ledger.DefaultLockTimeout,
		ttl:     DefaultTTL,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Acquire(ctx context.Context, branchID ledger.BranchID) (func(), error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	lock, err := r.client.Obtain(waitCtx, r.prefix+string(branchID), r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryInterval),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("branch %s: waiting for lock: %w", branchID, ctx.Err())
		}
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &ledger.LockTimeoutError{BranchID: branchID, Waited: time.Since(start)}
		}
		return nil, &ledger.StoreError{Op: "obtain lock", BranchID: branchID, Err: err}
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go r.keepAlive(lock, branchID, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped

			// the caller's ctx may already be cancelled
			relCtx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			defer cancel()
			if err := lock.Release(relCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				r.logger.Warn("release branch lock",
					zap.String("branch_id", string(branchID)), zap.Error(err))
			}
		})
	}, nil
}

// keepAlive extends the lock TTL until stop is closed or the lock is lost.
func (r *Redis) keepAlive(lock *redislock.Lock, branchID ledger.BranchID, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
			err := lock.Refresh(ctx, r.ttl, nil)
			cancel()
			if errors.Is(err, redislock.ErrNotObtained) {
				r.logger.Warn("branch lock expired while held",
					zap.String("branch_id", string(branchID)))
				return
			}
			if err != nil {
				r.logger.Warn("refresh branch lock",
					zap.String("branch_id", string(branchID)), zap.Error(err))
			}
		}
	}
}
