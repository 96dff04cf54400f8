package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeList(t *testing.T, lines string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "list.txt")
	require.NoError(t, os.WriteFile(p, []byte(lines), 0o644))
	return p
}

func TestDenylistMatchIsCaseInsensitive(t *testing.T) {
	deny := writeList(t, "Example.COM\n# a comment\n\n10.9.8.7\n")
	e, err := NewEngine(deny, "")
	require.NoError(t, err)

	assert.Equal(t, DecisionDenied, e.Evaluate("example.com", ""))
	assert.Equal(t, DecisionDenied, e.Evaluate("EXAMPLE.com.", ""))
	assert.Equal(t, DecisionDenied, e.Evaluate("other.test", "10.9.8.7"))
	assert.Equal(t, DecisionAllow, e.Evaluate("example.org", "203.0.113.5"))
	assert.Equal(t, 2, e.DenyCount())
}

func TestAllowlistProducesNotice(t *testing.T) {
	allow := writeList(t, "scanme.corp.internal\n")
	e, err := NewEngine("", allow)
	require.NoError(t, err)

	assert.Equal(t, DecisionNotice, e.Evaluate("SCANME.corp.internal", ""))
	assert.Equal(t, DecisionAllow, e.Evaluate("other.corp.internal", ""))
}

func TestDenyWinsOverAllow(t *testing.T) {
	deny := writeList(t, "both.example\n")
	allow := writeList(t, "both.example\n")
	e, err := NewEngine(deny, allow)
	require.NoError(t, err)

	assert.Equal(t, DecisionDenied, e.Evaluate("both.example", ""))
}

func TestMissingListFilesAreEmpty(t *testing.T) {
	e, err := NewEngine(filepath.Join(t.TempDir(), "nope.txt"), "")
	require.NoError(t, err)
	assert.Equal(t, DecisionAllow, e.Evaluate("anything.example", ""))
}

func TestReloadSwapsLists(t *testing.T) {
	deny := writeList(t, "old.example\n")
	e, err := NewEngine(deny, "")
	require.NoError(t, err)
	require.Equal(t, DecisionDenied, e.Evaluate("old.example", ""))

	deny2 := writeList(t, "new.example\n")
	require.NoError(t, e.Reload(deny2, ""))
	assert.Equal(t, DecisionAllow, e.Evaluate("old.example", ""))
	assert.Equal(t, DecisionDenied, e.Evaluate("new.example", ""))
}
