package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/scan"
)

// Schema shared by the Postgres and SQLite backends. Result payloads are
// stored as JSON: the row is the source of truth for status, the blob
// for the full scan output.
const taskSchema = `
CREATE TABLE IF NOT EXISTS scan_tasks (
  task_id    TEXT PRIMARY KEY,
  client_id  TEXT NOT NULL DEFAULT '',
  target     TEXT NOT NULL,
  port_spec  TEXT NOT NULL,
  state      TEXT NOT NULL,
  progress   REAL NOT NULL DEFAULT 0,
  result     TEXT,
  error      TEXT NOT NULL DEFAULT '',
  cached     BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scan_tasks_client ON scan_tasks(client_id);
CREATE INDEX IF NOT EXISTS idx_scan_tasks_created ON scan_tasks(created_at);
`

// auditSchema differs only in the identity-column spelling.
const auditSchema = `
CREATE TABLE IF NOT EXISTS policy_audit (
  id               %s,
  ts               TIMESTAMP NOT NULL,
  target           TEXT NOT NULL,
  resolved_ip      TEXT NOT NULL DEFAULT '',
  original_command TEXT NOT NULL DEFAULT '',
  client_host      TEXT NOT NULL DEFAULT '',
  consent          BOOLEAN NOT NULL DEFAULT FALSE,
  note             TEXT NOT NULL DEFAULT ''
);
`

// sqlStore is the shared database/sql implementation. dialect only
// affects placeholder style and the autoincrement spelling.
type sqlStore struct {
	db       *sql.DB
	postgres bool
}

// rebind rewrites ?-placeholders to $n for Postgres.
func (s *sqlStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) init(ctx context.Context) error {
	id := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.postgres {
		id = "BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY"
	}
	ddl := taskSchema + fmt.Sprintf(auditSchema, id)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Save(ctx context.Context, t *Task) error {
	var resultJSON sql.NullString
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resultJSON = sql.NullString{String: string(b), Valid: true}
	}

	query := `
INSERT INTO scan_tasks (task_id, client_id, target, port_spec, state, progress, result, error, cached, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (task_id) DO UPDATE SET
  state = excluded.state,
  progress = excluded.progress,
  result = excluded.result,
  error = excluded.error,
  cached = excluded.cached,
  updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.rebind(query),
		t.ID, t.ClientID, t.Target, t.PortSpec, string(t.State), t.Progress,
		resultJSON, t.Error, t.Cached, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	return err
}

func (s *sqlStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT task_id, client_id, target, port_spec, state, progress, result, error, cached, created_at, updated_at
FROM scan_tasks WHERE task_id = ?`), id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqlStore) List(ctx context.Context, clientID string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
SELECT task_id, client_id, target, port_spec, state, progress, result, error, cached, created_at, updated_at
FROM scan_tasks`
	args := []any{}
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM scan_tasks WHERE task_id = ?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM scan_tasks WHERE created_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) AppendAudit(ctx context.Context, rec policy.AuditRecord) error {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO policy_audit (ts, target, resolved_ip, original_command, client_host, consent, note)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ts.UTC(), rec.Target, rec.ResolvedIP, rec.OriginalCommand, rec.ClientHost, rec.Consent, rec.Note)
	return err
}

func (s *sqlStore) Close() error { return s.db.Close() }

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*Task, error) {
	var (
		t          Task
		state      string
		resultJSON sql.NullString
	)
	err := r.Scan(&t.ID, &t.ClientID, &t.Target, &t.PortSpec, &state, &t.Progress,
		&resultJSON, &t.Error, &t.Cached, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.State = TaskState(state)
	if resultJSON.Valid && resultJSON.String != "" {
		var res scan.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		t.Result = &res
	}
	return &t, nil
}
