// Package coordinator is the combined rate-limit and concurrency-budget
// authority. Every scan admission flows through it: per-client request
// windows, escalating cooldowns for repeat offenders, and per-client plus
// global active-scan ceilings.
//
// Counters live in a shared store (Redis) when one is available so limits
// hold across replicas. When the store is unreachable the coordinator falls
// back to process-local counters — enforcement narrows to one process, it
// never loosens.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vantagesec/scand/internal/scan"
)

// Store is the counter backend. All operations must be atomic with respect
// to concurrent callers for the same client.
type Store interface {
	// IncrWindow bumps the client's rolling-window counter, creating it
	// with the window TTL if absent, and returns the new count.
	IncrWindow(ctx context.Context, clientID string, window time.Duration) (int64, error)

	// Violation bumps the client's violation counter and returns it.
	// Violations only ever grow; ResetViolations is the admin escape hatch.
	Violation(ctx context.Context, clientID string) (int64, error)
	ResetViolations(ctx context.Context, clientID string) error

	SetCooldown(ctx context.Context, clientID string, d time.Duration) error
	// CooldownRemaining returns 0 when no cooldown is active.
	CooldownRemaining(ctx context.Context, clientID string) (time.Duration, error)

	// IncrActive bumps the client and global active-scan counters and
	// returns both new values. The caller rolls back with DecrActive when
	// either ceiling is exceeded.
	IncrActive(ctx context.Context, clientID string) (client, global int64, err error)
	DecrActive(ctx context.Context, clientID string) error
}

// Limits are the enforcement thresholds, sourced from configuration.
type Limits struct {
	RatePerMinute       int
	Window              time.Duration
	ConcurrentPerClient int
	GlobalConcurrent    int
}

// Coordinator enforces Limits against a Store.
type Coordinator struct {
	store  Store
	limits Limits
	logger *log.Logger
}

// cooldownForViolation is the escalation table: first strike is free, then
// 5 minutes, then an hour, then a day (cap).
func cooldownForViolation(n int64) time.Duration {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 5 * time.Minute
	case n == 3:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// New builds a coordinator over the given store.
func New(store Store, limits Limits) *Coordinator {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &Coordinator{
		store:  store,
		limits: limits,
		logger: log.New(log.Writer(), "[Coordinator] ", log.LstdFlags),
	}
}

// Admit checks the client's request budget. Refusals return
// scan.ErrOnCooldown or scan.ErrRateLimited; the first refusal in a window
// records a violation and arms the next cooldown.
func (c *Coordinator) Admit(ctx context.Context, clientID string) error {
	remaining, err := c.store.CooldownRemaining(ctx, clientID)
	if err != nil {
		return fmt.Errorf("coordinator store: %w", err)
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %s remaining", scan.ErrOnCooldown, remaining.Round(time.Second))
	}

	count, err := c.store.IncrWindow(ctx, clientID, c.limits.Window)
	if err != nil {
		return fmt.Errorf("coordinator store: %w", err)
	}
	if count > int64(c.limits.RatePerMinute) {
		violations, verr := c.store.Violation(ctx, clientID)
		if verr != nil {
			return fmt.Errorf("coordinator store: %w", verr)
		}
		if cd := cooldownForViolation(violations); cd > 0 {
			if err := c.store.SetCooldown(ctx, clientID, cd); err != nil {
				return fmt.Errorf("coordinator store: %w", err)
			}
			c.logger.Printf("client %s hit violation #%d, cooldown %s", clientID, violations, cd)
		}
		return fmt.Errorf("%w: %d requests in window (limit %d)",
			scan.ErrRateLimited, count, c.limits.RatePerMinute)
	}
	return nil
}

// BeginScan reserves an active-scan slot. On refusal the reservation is
// rolled back so counters stay conserved.
func (c *Coordinator) BeginScan(ctx context.Context, clientID string) error {
	client, global, err := c.store.IncrActive(ctx, clientID)
	if err != nil {
		return fmt.Errorf("coordinator store: %w", err)
	}
	if client > int64(c.limits.ConcurrentPerClient) || global > int64(c.limits.GlobalConcurrent) {
		if derr := c.store.DecrActive(ctx, clientID); derr != nil {
			c.logger.Printf("rollback failed for %s: %v", clientID, derr)
		}
		return fmt.Errorf("%w: client=%d/%d global=%d/%d", scan.ErrExceedsConcurrency,
			client, c.limits.ConcurrentPerClient, global, c.limits.GlobalConcurrent)
	}
	return nil
}

// EndScan releases an active-scan slot. Must be called on every exit path
// for which BeginScan succeeded.
func (c *Coordinator) EndScan(ctx context.Context, clientID string) {
	if err := c.store.DecrActive(ctx, clientID); err != nil {
		c.logger.Printf("EndScan for %s: %v", clientID, err)
	}
}

// ResetViolations clears a client's violation history and cooldown.
func (c *Coordinator) ResetViolations(ctx context.Context, clientID string) error {
	return c.store.ResetViolations(ctx, clientID)
}
