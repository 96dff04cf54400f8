package coordinator

import (
	"context"
	"sync"
	"time"
)

// clientBudget is the process-local counter record for one client.
type clientBudget struct {
	windowCount   int64
	windowStart   time.Time
	violations    int64
	cooldownUntil time.Time
	activeScans   int64
}

// MemoryStore is the single-process fallback backend. One mutex guards all
// counters; at this layer contention is per-admission, not per-probe, so a
// single lock is plenty.
type MemoryStore struct {
	mu      sync.Mutex
	clients map[string]*clientBudget
	global  int64
	now     func() time.Time // swappable for tests
}

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients: make(map[string]*clientBudget),
		now:     time.Now,
	}
}

func (m *MemoryStore) budget(clientID string) *clientBudget {
	b, ok := m.clients[clientID]
	if !ok {
		b = &clientBudget{}
		m.clients[clientID] = b
	}
	return b
}

func (m *MemoryStore) IncrWindow(_ context.Context, clientID string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	now := m.now()
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > window {
		b.windowStart = now
		b.windowCount = 0
	}
	b.windowCount++
	return b.windowCount, nil
}

func (m *MemoryStore) Violation(_ context.Context, clientID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	b.violations++
	return b.violations, nil
}

func (m *MemoryStore) ResetViolations(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	b.violations = 0
	b.cooldownUntil = time.Time{}
	return nil
}

func (m *MemoryStore) SetCooldown(_ context.Context, clientID string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budget(clientID).cooldownUntil = m.now().Add(d)
	return nil
}

func (m *MemoryStore) CooldownRemaining(_ context.Context, clientID string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	if remaining := b.cooldownUntil.Sub(m.now()); remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (m *MemoryStore) IncrActive(_ context.Context, clientID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	b.activeScans++
	m.global++
	return b.activeScans, m.global, nil
}

func (m *MemoryStore) DecrActive(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.budget(clientID)
	if b.activeScans > 0 {
		b.activeScans--
	}
	if m.global > 0 {
		m.global--
	}
	return nil
}

// ActiveScans reports current counters for status endpoints.
func (m *MemoryStore) ActiveScans(clientID string) (client, global int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.clients[clientID]; ok {
		client = b.activeScans
	}
	return client, m.global
}
