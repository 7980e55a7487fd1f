package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Locker serializes ledger mutations per branch. Different branches never
// contend; there is no global lock.
type Locker interface {
	// Acquire enters the branch's critical section. It gives up after the
	// implementation's wait bound with a *LockTimeoutError, or when ctx ends.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, branchID BranchID) (release func(), err error)
}

// DefaultLockTimeout bounds how long a caller waits for a busy branch.
const DefaultLockTimeout = 5 * time.Second

// KeyedMutex is the in-process Locker: one single-slot semaphore per branch,
// created on first use and dropped when nobody holds or waits for it.
type KeyedMutex struct {
	timeout time.Duration

	mu    sync.Mutex
	slots map[BranchID]*slot
}

type slot struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex returns a KeyedMutex that waits at most timeout per
// acquisition. A non-positive timeout waits until ctx is done.
func NewKeyedMutex(timeout time.Duration) *KeyedMutex {
	return &KeyedMutex{
		timeout: timeout,
		slots:   make(map[BranchID]*slot),
	}
}

func (k *KeyedMutex) Acquire(ctx context.Context, branchID BranchID) (func(), error) {
	s := k.ref(branchID)
	start := time.Now()

	var expired <-chan time.Time
	if k.timeout > 0 {
		timer := time.NewTimer(k.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case s.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.sem
				k.unref(branchID, s)
			})
		}, nil
	case <-expired:
		k.unref(branchID, s)
		return nil, &LockTimeoutError{BranchID: branchID, Waited: time.Since(start)}
	case <-ctx.Done():
		k.unref(branchID, s)
		return nil, fmt.Errorf("branch %s: waiting for lock: %w", branchID, ctx.Err())
	}
}

func (k *KeyedMutex) ref(id BranchID) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[id]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[id] = s
	}
	s.refs++
	return s
}

func (k *KeyedMutex) unref(id BranchID, s *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, id)
	}
}
