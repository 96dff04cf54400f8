// Package policy holds the operator-managed deny and allow lists and the
// audit trail for overridden or sensitive scans.
package policy

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Decision is the policy verdict for a requested target.
type Decision string

const (
	DecisionAllow  Decision = "allow"
	DecisionDenied Decision = "denied"
	// DecisionNotice means the target is allowlisted: the scan proceeds
	// but the client is told the target is under explicit authorization.
	DecisionNotice Decision = "allowlist_notice"
)

// AuditRecord is one appended line of the policy audit trail.
type AuditRecord struct {
	Timestamp       time.Time `json:"timestamp"`
	Target          string    `json:"target"`
	ResolvedIP      string    `json:"resolved_ip,omitempty"`
	OriginalCommand string    `json:"original_command,omitempty"`
	ClientHost      string    `json:"client_host,omitempty"`
	Consent         bool      `json:"consent"`
	Note            string    `json:"note,omitempty"`
}

// Engine evaluates targets against the loaded lists. Lists are loaded
// once at startup and may be swapped atomically with Reload.
type Engine struct {
	mu     sync.RWMutex
	deny   map[string]bool
	allow  map[string]bool
	logger *log.Logger
}

// NewEngine loads both lists. Either path may be empty, meaning no list.
func NewEngine(denyPath, allowPath string) (*Engine, error) {
	e := &Engine{
		deny:   make(map[string]bool),
		allow:  make(map[string]bool),
		logger: log.New(log.Writer(), "[Policy] ", log.LstdFlags),
	}
	if err := e.Reload(denyPath, allowPath); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads both list files and swaps them in.
func (e *Engine) Reload(denyPath, allowPath string) error {
	deny, err := loadList(denyPath)
	if err != nil {
		return fmt.Errorf("denylist: %w", err)
	}
	allow, err := loadList(allowPath)
	if err != nil {
		return fmt.Errorf("allowlist: %w", err)
	}

	e.mu.Lock()
	e.deny = deny
	e.allow = allow
	e.mu.Unlock()
	e.logger.Printf("loaded %d deny entries, %d allow entries", len(deny), len(allow))
	return nil
}

// Evaluate matches the normalized raw target and, when known, its
// resolved IP against both lists. Deny wins over allow.
func (e *Engine) Evaluate(target, resolvedIP string) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	t := normalize(target)
	ip := normalize(resolvedIP)

	if e.deny[t] || (ip != "" && e.deny[ip]) {
		return DecisionDenied
	}
	if e.allow[t] || (ip != "" && e.allow[ip]) {
		return DecisionNotice
	}
	return DecisionAllow
}

// DenyCount reports how many denylist entries are loaded.
func (e *Engine) DenyCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.deny)
}

// normalize folds case and strips the surrounding whitespace and any
// trailing dot so "Example.COM." matches "example.com".
func normalize(s string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), ".")
}

// loadList reads one entry per line; blank lines and #-comments are
// skipped. A missing path yields an empty list.
func loadList(path string) (map[string]bool, error) {
	entries := make(map[string]bool)
	if path == "" {
		return entries, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries[normalize(line)] = true
	}
	return entries, sc.Err()
}
