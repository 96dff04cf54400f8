package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/events"
	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
)

// fakeRunner publishes a canned event sequence for every run.
type fakeRunner struct {
	bus  *events.Bus
	last chan orchestrator.Request
}

func newFakeRunner(bus *events.Bus) *fakeRunner {
	return &fakeRunner{bus: bus, last: make(chan orchestrator.Request, 8)}
}

func (f *fakeRunner) Run(ctx context.Context, req orchestrator.Request) (*scan.Result, error) {
	f.last <- req
	f.bus.Publish(scan.ScanStartEvent(req.ScanID, req.Target, 1))
	f.bus.Publish(scan.OpenPortEvent(req.ScanID, scan.EnrichedPort{
		PortResult: scan.PortResult{Port: 80, State: scan.StateOpen},
	}, 100))
	f.bus.Publish(scan.ScanCompleteEvent(req.ScanID))
	return &scan.Result{ScanID: req.ScanID, Target: req.Target}, nil
}

func TestSSEStreamsScan(t *testing.T) {
	bus := events.NewBus()
	runner := newFakeRunner(bus)
	srv := httptest.NewServer(NewSSEHandler(runner, bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?target=127.0.0.1&ports=80&allow_private=true")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var types []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		require.True(t, strings.HasPrefix(line, "data: "), "unexpected SSE line %q", line)
		var ev scan.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, string(ev.Type))
		if ev.Type == scan.EventScanComplete {
			break
		}
	}
	assert.Equal(t, []string{"scan_start", "open_port", "scan_complete"}, types)

	req := <-runner.last
	assert.Equal(t, "127.0.0.1", req.Target)
	assert.Equal(t, "80", req.PortSpec)
	assert.True(t, req.AllowPrivate)
	assert.False(t, req.SkipAdmission)
}

func TestSSERequiresParams(t *testing.T) {
	bus := events.NewBus()
	srv := httptest.NewServer(NewSSEHandler(newFakeRunner(bus), bus))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?target=127.0.0.1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type wsFixture struct {
	srv    *httptest.Server
	bus    *events.Bus
	runner *fakeRunner
	audit  *store.MemoryStore
	h      *WSHandler
}

func newWSFixture(t *testing.T, token string, pol *policy.Engine, limits coordinator.Limits) *wsFixture {
	t.Helper()
	if limits.RatePerMinute == 0 {
		limits = coordinator.Limits{RatePerMinute: 100, ConcurrentPerClient: 10, GlobalConcurrent: 10}
	}
	bus := events.NewBus()
	runner := newFakeRunner(bus)
	audit := store.NewMemoryStore()
	h := NewWSHandler(token, runner, bus,
		coordinator.New(coordinator.NewMemoryStore(), limits),
		pol, audit, scan.NewResolver("", time.Second, nil), 100)
	h.reachDial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		a, b := net.Pipe()
		b.Close()
		return a, nil
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &wsFixture{srv: srv, bus: bus, runner: runner, audit: audit, h: h}
}

func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame decodes the next text frame into a generic map.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func TestWSRefusedWithoutConfiguredToken(t *testing.T) {
	f := newWSFixture(t, "", nil, coordinator.Limits{})

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "?token=anything"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWSAuthError(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil, coordinator.Limits{})
	conn := f.dial(t, "wrong")

	frame := readFrame(t, conn)
	assert.Equal(t, "auth_error", frame["type"])

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection should be closed after auth_error")
}

func TestWSCommandRunsScan(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil, coordinator.Limits{})
	conn := f.dial(t, "hunter2")

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 80,443"})

	frame := readFrame(t, conn)
	require.Equal(t, "scan_queued", frame["type"])
	scanID, _ := frame["scan_id"].(string)
	require.NotEmpty(t, scanID)

	var types []string
	for {
		frame = readFrame(t, conn)
		types = append(types, frame["type"].(string))
		if frame["type"] == "scan_complete" {
			break
		}
	}
	assert.Equal(t, []string{"scan_start", "open_port", "scan_complete"}, types)

	req := <-f.runner.last
	assert.Equal(t, scanID, req.ScanID)
	assert.True(t, req.SkipAdmission)
}

func TestWSMalformedCommand(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil, coordinator.Limits{})
	conn := f.dial(t, "hunter2")

	sendCommand(t, conn, Command{Command: "portscan 127.0.0.1"})
	assert.Equal(t, "error", readFrame(t, conn)["type"])
}

func TestWSDeniedTarget(t *testing.T) {
	dir := t.TempDir()
	deny := filepath.Join(dir, "deny.txt")
	require.NoError(t, os.WriteFile(deny, []byte("127.0.0.1\n"), 0o644))
	pol, err := policy.NewEngine(deny, "")
	require.NoError(t, err)

	f := newWSFixture(t, "hunter2", pol, coordinator.Limits{})
	conn := f.dial(t, "hunter2")

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 80"})
	assert.Equal(t, "denied", readFrame(t, conn)["type"])
}

func TestWSRateLimit(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil,
		coordinator.Limits{RatePerMinute: 1, ConcurrentPerClient: 10, GlobalConcurrent: 10})
	conn := f.dial(t, "hunter2")

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 80"})
	require.Equal(t, "scan_queued", readFrame(t, conn)["type"])
	<-f.runner.last

	// Drain the first scan's events before the second command's reply.
	for {
		if readFrame(t, conn)["type"] == "scan_complete" {
			break
		}
	}

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 80"})
	assert.Equal(t, "rate_limit", readFrame(t, conn)["type"])
}

func TestWSPortWarning(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil, coordinator.Limits{})
	conn := f.dial(t, "hunter2")

	// 150 ports, fixture threshold 100: advisory frame first, then the
	// scan proceeds normally.
	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 1-150"})

	frame := readFrame(t, conn)
	require.Equal(t, "warning", frame["type"])
	assert.Contains(t, frame["message"], "150 ports")
	assert.Equal(t, "scan_queued", readFrame(t, conn)["type"])
	<-f.runner.last
}

func TestWSPreScanWarningAndForce(t *testing.T) {
	f := newWSFixture(t, "hunter2", nil, coordinator.Limits{})
	f.h.reachDial = func(network, addr string, timeout time.Duration) (net.Conn, error) {
		return nil, &net.OpError{Op: "dial", Err: context.DeadlineExceeded}
	}
	conn := f.dial(t, "hunter2")

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 8080"})
	assert.Equal(t, "pre_scan_warning", readFrame(t, conn)["type"])
	assert.Equal(t, "pre_scan_confirmation_needed", readFrame(t, conn)["type"])

	sendCommand(t, conn, Command{Command: "scan 127.0.0.1 8080", Force: true, Consent: true})
	assert.Equal(t, "scan_queued", readFrame(t, conn)["type"])
	<-f.runner.last

	trail := f.audit.AuditTrail()
	require.Len(t, trail, 1)
	rec := trail[0]
	assert.Equal(t, "127.0.0.1", rec.Target)
	assert.Equal(t, "127.0.0.1", rec.ResolvedIP)
	assert.Equal(t, "scan 127.0.0.1 8080", rec.OriginalCommand)
	assert.Equal(t, "127.0.0.1", rec.ClientHost)
	assert.True(t, rec.Consent)
	assert.False(t, rec.Timestamp.IsZero())
}
