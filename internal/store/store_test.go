package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/scan"
)

func sampleTask(id string) *Task {
	now := time.Now().Truncate(time.Second)
	return &Task{
		ID:        id,
		ClientID:  "c1",
		Target:    "203.0.113.10",
		PortSpec:  "22,80,443",
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, s interface {
	ScanStore
	AuditStore
}) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	task := sampleTask("t1")
	require.NoError(t, s.Save(ctx, task))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, "203.0.113.10", got.Target)
	assert.Nil(t, got.Result)

	// Upsert with a result payload.
	task.State = StateSuccess
	task.Progress = 1
	task.Result = &scan.Result{
		ScanID:     "s1",
		Target:     task.Target,
		TotalPorts: 3,
		OpenPorts: []scan.EnrichedPort{{
			PortResult: scan.PortResult{Port: 22, State: scan.StateOpen, Service: "ssh"},
			CVEStatus:  scan.CVENoneFound,
			Severity:   scan.SeverityLow,
		}},
	}
	task.UpdatedAt = time.Now().Truncate(time.Second)
	require.NoError(t, s.Save(ctx, task))

	got, err = s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateSuccess, got.State)
	require.NotNil(t, got.Result)
	require.Len(t, got.Result.OpenPorts, 1)
	assert.Equal(t, "ssh", got.Result.OpenPorts[0].Service)

	// List is newest-first and filterable by client.
	other := sampleTask("t2")
	other.ClientID = "c2"
	other.CreatedAt = other.CreatedAt.Add(time.Second)
	require.NoError(t, s.Save(ctx, other))

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].ID)

	mine, err := s.List(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "t1", mine[0].ID)

	// Retention purge.
	old := sampleTask("t3")
	old.CreatedAt = time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, s.Save(ctx, old))
	n, err := s.PurgeOlderThan(ctx, time.Now().Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = s.Get(ctx, "t3")
	assert.ErrorIs(t, err, ErrNotFound)

	// Delete.
	require.NoError(t, s.Delete(ctx, "t1"))
	assert.ErrorIs(t, s.Delete(ctx, "t1"), ErrNotFound)

	// Audit append never errors on a healthy backend.
	require.NoError(t, s.AppendAudit(ctx, policy.AuditRecord{
		Timestamp:       time.Now(),
		Target:          "203.0.113.10",
		OriginalCommand: "scan 203.0.113.10 --force",
		ClientHost:      "10.1.2.3",
		Consent:         true,
		Note:            "forced past pre-scan warning",
	}))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)
	assert.Len(t, s.AuditTrail(), 1)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scand.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	defer s.Close()
	defer s.db.ExecContext(context.Background(), "DROP TABLE scan_tasks; DROP TABLE policy_audit")
	exerciseStore(t, s)
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateProgress))
	assert.True(t, StatePending.CanTransition(StateFailure))
	assert.True(t, StateProgress.CanTransition(StateSuccess))
	assert.False(t, StateSuccess.CanTransition(StateProgress))
	assert.False(t, StateFailure.CanTransition(StateSuccess))
	assert.True(t, StateProgress.CanTransition(StateProgress))
}
