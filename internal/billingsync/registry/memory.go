package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/schedmate/schedmate/pkg/billing"
)

// MemoryRegistry is an in-process Store for tests and local development.
// It enforces the same compare-and-set and subscription uniqueness rules as
// the SQL backends.
type MemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*billing.Record
	history []billing.HistoryEntry
	seen    map[string]struct{}
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string]*billing.Record),
		seen:    make(map[string]struct{}),
	}
}

func (m *MemoryRegistry) Ping(context.Context) error { return nil }

func (m *MemoryRegistry) Close() error { return nil }

// Get returns a copy of the record addressed by key, or nil.
func (m *MemoryRegistry) Get(ctx context.Context, key billing.Key) (*billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := keyColumn(key); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookupLocked(key).Clone(), nil
}

func (m *MemoryRegistry) lookupLocked(key billing.Key) *billing.Record {
	if key.Type == billing.KeyAccountID {
		return m.records[key.Value]
	}
	for _, rec := range m.records {
		if rec.SubscriptionID == key.Value {
			return rec
		}
	}
	return nil
}

// Upsert stores a copy of rec if the stored version equals expectedVersion.
func (m *MemoryRegistry) Upsert(ctx context.Context, rec *billing.Record, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := prepareWrite(rec, expectedVersion); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.records[rec.AccountID]
	switch {
	case expectedVersion == 0 && exists:
		return billing.ErrConflict
	case expectedVersion != 0 && (!exists || cur.Version != expectedVersion):
		return billing.ErrConflict
	}
	if rec.SubscriptionID != "" {
		for id, other := range m.records {
			if id != rec.AccountID && other.SubscriptionID == rec.SubscriptionID {
				return billing.ErrSubscriptionInUse
			}
		}
	}

	stored := rec.Clone()
	stored.Version = expectedVersion + 1
	if exists {
		stored.CreatedAt = cur.CreatedAt
	}
	m.records[rec.AccountID] = stored
	rec.Version = stored.Version
	return nil
}

// Query returns copies of records matching filter, oldest first.
func (m *MemoryRegistry) Query(ctx context.Context, filter billing.Filter) ([]*billing.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	want := make(map[billing.Status]bool, len(filter.Statuses))
	for _, s := range filter.Statuses {
		want[s] = true
	}

	m.mu.RLock()
	out := make([]*billing.Record, 0, len(m.records))
	for _, rec := range m.records {
		if len(want) > 0 && !want[rec.Status] {
			continue
		}
		out = append(out, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CountByStatus returns a map of status -> count.
func (m *MemoryRegistry) CountByStatus(ctx context.Context) (map[billing.Status]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[billing.Status]int)
	for _, rec := range m.records {
		counts[rec.Status]++
	}
	return counts, nil
}

// AppendHistory appends e. Re-appending the same id is a no-op.
func (m *MemoryRegistry) AppendHistory(ctx context.Context, e billing.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.seen[e.ID]; dup {
		return nil
	}
	m.seen[e.ID] = struct{}{}
	m.history = append(m.history, e)
	return nil
}

// ListHistory returns the newest entries for accountID first.
func (m *MemoryRegistry) ListHistory(ctx context.Context, accountID string, limit int) ([]billing.HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []billing.HistoryEntry
	for _, e := range m.history {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if n := historyLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
