package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vantagesec/scand/internal/policy"
)

// MemoryStore keeps tasks in a map. It is the fallback backend when no
// DATABASE_URL or SQLITE_PATH is configured, and the seam tests use.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	audit []policy.AuditRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

func (m *MemoryStore) Save(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, clientID string, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if clientID != "" && t.ClientID != clientID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, t := range m.tasks {
		if t.CreatedAt.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendAudit(_ context.Context, rec policy.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, rec)
	return nil
}

// AuditTrail returns a copy of the appended records, newest last.
func (m *MemoryStore) AuditTrail() []policy.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]policy.AuditRecord, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *MemoryStore) Close() error { return nil }
