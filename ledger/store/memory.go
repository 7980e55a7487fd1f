// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/branch-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	branches map[ledger.BranchID]ledger.Branch
	reports  map[ledger.ReportID]ledger.Report
	byBranch map[ledger.BranchID][]ledger.ReportID // CreatedAt ascending
	ledgers  map[ledger.BranchID]ledger.BranchLedger
}

func NewMemory() *Memory {
	return &Memory{
		branches: make(map[ledger.BranchID]ledger.Branch),
		reports:  make(map[ledger.ReportID]ledger.Report),
		byBranch: make(map[ledger.BranchID][]ledger.ReportID),
		ledgers:  make(map[ledger.BranchID]ledger.BranchLedger),
	}
}

var _ ledger.Store = (*Memory)(nil)

// =============================================================================
// BRANCHES
// =============================================================================

// SaveBranch inserts or replaces a branch.
func (m *Memory) SaveBranch(_ context.Context, b ledger.Branch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.branches[b.ID] = b
	return nil
}

func (m *Memory) Branch(_ context.Context, id ledger.BranchID) (*ledger.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) ListBranches(_ context.Context) ([]ledger.Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.Branch, 0, len(m.branches))
	for _, b := range m.branches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveBranches(ctx context.Context) ([]ledger.Branch, error) {
	all, _ := m.ListBranches(ctx)
	out := all[:0]
	for _, b := range all {
		if b.IsActive() {
			out = append(out, b)
		}
	}
	return out, nil
}

// =============================================================================
// REPORTS
// =============================================================================

func (m *Memory) CreateReport(_ context.Context, r ledger.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[r.ID] = cloneReport(r)
	m.index(r)
	return nil
}

func (m *Memory) UpdateReport(_ context.Context, r ledger.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.reports[r.ID]
	if !ok {
		return ledger.ErrReportNotFound
	}
	m.unindex(old)
	m.reports[r.ID] = cloneReport(r)
	m.index(r)
	return nil
}

func (m *Memory) DeleteReport(_ context.Context, id ledger.ReportID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.reports[id]
	if !ok {
		return ledger.ErrReportNotFound
	}
	m.unindex(old)
	delete(m.reports, id)
	return nil
}

func (m *Memory) GetReport(_ context.Context, id ledger.ReportID) (*ledger.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	r = cloneReport(r)
	return &r, nil
}

func (m *Memory) ListReports(_ context.Context, branchID ledger.BranchID, since *time.Time) ([]ledger.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.Report
	for _, id := range m.byBranch[branchID] {
		r := m.reports[id]
		if since != nil && r.CreatedAt.Before(*since) {
			continue
		}
		out = append(out, cloneReport(r))
	}
	return out, nil
}

// index inserts r into its branch list keeping CreatedAt order.
func (m *Memory) index(r ledger.Report) {
	ids := m.byBranch[r.BranchID]
	i := sort.Search(len(ids), func(i int) bool {
		return m.reports[ids[i]].CreatedAt.After(r.CreatedAt)
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = r.ID
	m.byBranch[r.BranchID] = ids
}

func (m *Memory) unindex(r ledger.Report) {
	ids := m.byBranch[r.BranchID]
	for i, id := range ids {
		if id == r.ID {
			m.byBranch[r.BranchID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func cloneReport(r ledger.Report) ledger.Report {
	if r.Delivery != nil {
		d := make(map[string]decimal.Decimal, len(r.Delivery))
		for k, v := range r.Delivery {
			d[k] = v
		}
		r.Delivery = d
	}
	return r
}

// =============================================================================
// LEDGERS
// =============================================================================

func (m *Memory) GetLedger(_ context.Context, branchID ledger.BranchID) (*ledger.BranchLedger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.ledgers[branchID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *Memory) SaveTotal(_ context.Context, branchID ledger.BranchID, total decimal.Decimal, window *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.ledgers[branchID]
	if !ok {
		l = ledger.BranchLedger{BranchID: branchID}
	}
	if !sameInstant(l.LastResetAt, window) {
		return ledger.ErrStaleWindow
	}
	l.CumulativeTotal = total
	l.LastRecalculatedAt = &at
	l.UpdatedAt = at
	m.ledgers[branchID] = l
	return nil
}

func (m *Memory) SetCheckpoint(_ context.Context, branchID ledger.BranchID, resetAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.ledgers[branchID]
	l.BranchID = branchID
	l.CumulativeTotal = decimal.Zero
	l.LastResetAt = resetAt
	l.UpdatedAt = at
	m.ledgers[branchID] = l
	return nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
