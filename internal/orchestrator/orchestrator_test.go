package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantagesec/scand/internal/cache"
	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/enrich"
	"github.com/vantagesec/scand/internal/events"
	"github.com/vantagesec/scand/internal/identify"
	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/probe"
	"github.com/vantagesec/scand/internal/scan"
)

type harness struct {
	orch  *Orchestrator
	bus   *events.Bus
	store *coordinator.MemoryStore
}

func newHarness(t *testing.T, pol *policy.Engine) *harness {
	t.Helper()

	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"vulnerabilities": []}`))
	}))
	t.Cleanup(feed.Close)

	controller := probe.NewController(20, 250*time.Millisecond)
	store := coordinator.NewMemoryStore()
	coord := coordinator.New(store, coordinator.Limits{
		RatePerMinute:       100,
		Window:              time.Minute,
		ConcurrentPerClient: 5,
		GlobalConcurrent:    10,
	})
	bus := events.NewBus()

	orch := New(
		scan.NewResolver("", time.Second, nil),
		pol,
		coord,
		cache.New(16, 1<<20, time.Minute),
		probe.NewPool(controller),
		controller,
		identify.New(),
		enrich.New(feed.URL, time.Second, 16, time.Hour),
		bus,
		nil,
		Config{HardTimeout: time.Minute, PortLimit: 2000},
	)
	return &harness{orch: orch, bus: bus, store: store}
}

// listen opens a loopback listener whose port will probe as OPEN. It
// writes a banner and holds the connection briefly.
func listen(t *testing.T, banner string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				if banner != "" {
					c.Write([]byte(banner))
				}
				time.Sleep(100 * time.Millisecond)
				c.Close()
			}(conn)
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// drain collects the full event stream for a scan that is about to run.
func drain(t *testing.T, bus *events.Bus, scanID string) func() []scan.Event {
	t.Helper()
	sub := bus.Subscribe(scanID)
	require.NotNil(t, sub)
	done := make(chan []scan.Event, 1)
	go func() {
		var got []scan.Event
		for ev := range sub.C {
			got = append(got, ev)
		}
		done <- got
	}()
	return func() []scan.Event {
		select {
		case got := <-done:
			return got
		case <-time.After(30 * time.Second):
			t.Fatal("event stream never terminated")
			return nil
		}
	}
}

func TestRunFindsOpenPortAndCompletes(t *testing.T) {
	h := newHarness(t, nil)
	open := listen(t, "welcome to the test service\r\n")

	h.bus.Open("s1")
	wait := drain(t, h.bus, "s1")

	res, err := h.orch.Run(context.Background(), Request{
		ScanID:       "s1",
		ClientID:     "c1",
		Target:       "127.0.0.1",
		PortSpec:     fmt.Sprintf("%d", open),
		AllowPrivate: true,
	})
	require.NoError(t, err)
	require.Len(t, res.OpenPorts, 1)
	assert.Equal(t, open, res.OpenPorts[0].Port)
	assert.Equal(t, scan.StateOpen, res.OpenPorts[0].State)
	assert.False(t, res.Cached)
	assert.Equal(t, "127.0.0.1", res.ResolvedIP)

	evs := wait()
	require.NotEmpty(t, evs)
	assert.Equal(t, scan.EventScanStart, evs[0].Type)
	assert.Equal(t, scan.EventScanComplete, evs[len(evs)-1].Type)

	var sawOpen bool
	for _, ev := range evs {
		if ev.Type == scan.EventOpenPort {
			sawOpen = true
			assert.Equal(t, open, ev.Port.Port)
		}
	}
	assert.True(t, sawOpen)

	// Coordinator slot released.
	client, global := h.store.ActiveScans("c1")
	assert.Zero(t, client)
	assert.Zero(t, global)
}

func TestRunTierOrdering(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Open("s1")
	wait := drain(t, h.bus, "s1")

	// 1433 critical, 2181 high, 9418 medium, 40001 low; all near-certainly
	// closed on loopback so probes refuse instantly.
	_, err := h.orch.Run(context.Background(), Request{
		ScanID:       "s1",
		ClientID:     "c1",
		Target:       "127.0.0.1",
		PortSpec:     "1433,2181,9418,40001",
		AllowPrivate: true,
	})
	require.NoError(t, err)

	evs := wait()
	var tierSeq []scan.TierName
	for _, ev := range evs {
		if ev.Type == scan.EventTierComplete {
			tierSeq = append(tierSeq, ev.Tier)
		}
	}
	assert.Equal(t, []scan.TierName{scan.TierCritical, scan.TierHigh, scan.TierMedium, scan.TierLow}, tierSeq)

	// Progress on tier_complete is monotonically non-decreasing.
	last := -1.0
	for _, ev := range evs {
		if ev.Type == scan.EventTierComplete {
			assert.GreaterOrEqual(t, ev.Progress, last)
			last = ev.Progress
		}
	}
	assert.InDelta(t, 100.0, last, 1e-9)
}

func TestRunSecondScanIsCached(t *testing.T) {
	h := newHarness(t, nil)
	open := listen(t, "hello from cache test\r\n")
	spec := fmt.Sprintf("%d", open)

	first, err := h.orch.Run(context.Background(), Request{
		ClientID: "c1", Target: "127.0.0.1", PortSpec: spec, AllowPrivate: true,
	})
	require.NoError(t, err)
	require.False(t, first.Cached)

	h.bus.Open("s2")
	wait := drain(t, h.bus, "s2")
	second, err := h.orch.Run(context.Background(), Request{
		ScanID: "s2", ClientID: "c1", Target: "127.0.0.1", PortSpec: spec, AllowPrivate: true,
	})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, "s2", second.ScanID)
	assert.Equal(t, len(first.OpenPorts), len(second.OpenPorts))

	// Cached replay still produces a complete stream.
	evs := wait()
	require.NotEmpty(t, evs)
	assert.Equal(t, scan.EventScanStart, evs[0].Type)
	assert.Equal(t, scan.EventScanComplete, evs[len(evs)-1].Type)
}

func TestRunValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Open("s1")
	wait := drain(t, h.bus, "s1")

	_, err := h.orch.Run(context.Background(), Request{
		ScanID: "s1", ClientID: "c1", Target: "example.com", PortSpec: "80",
	})
	require.ErrorIs(t, err, scan.ErrBlockedTarget)

	evs := wait()
	require.Len(t, evs, 1)
	assert.Equal(t, scan.EventError, evs[0].Type)

	client, global := h.store.ActiveScans("c1")
	assert.Zero(t, client)
	assert.Zero(t, global)
}

func TestRunDeniedByPolicy(t *testing.T) {
	deny := filepath.Join(t.TempDir(), "deny.txt")
	require.NoError(t, os.WriteFile(deny, []byte("127.0.0.1\n"), 0o644))
	pol, err := policy.NewEngine(deny, "")
	require.NoError(t, err)

	h := newHarness(t, pol)
	_, err = h.orch.Run(context.Background(), Request{
		ClientID: "c1", Target: "127.0.0.1", PortSpec: "80", AllowPrivate: true,
	})
	assert.ErrorIs(t, err, scan.ErrDenied)
}

func TestRunCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.bus.Open("s1")
	wait := drain(t, h.bus, "s1")

	// Cancel before the tier loop starts; the run must emit
	// error{cancelled}, never scan_complete, and release its slot.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, Request{
		ScanID:       "s1",
		ClientID:     "c1",
		Target:       "127.0.0.1",
		PortSpec:     "40000-40100",
		AllowPrivate: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, scan.ErrCancelled)

	evs := wait()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, scan.EventError, last.Type)
	assert.Contains(t, last.Message, "cancelled")

	// Coordinator counters return to their pre-scan values.
	client, global := h.store.ActiveScans("c1")
	assert.Zero(t, client)
	assert.Zero(t, global)
}

func TestRunPortLimit(t *testing.T) {
	h := newHarness(t, nil)
	h.orch.cfg.PortLimit = 10

	_, err := h.orch.Run(context.Background(), Request{
		ClientID: "c1", Target: "127.0.0.1", PortSpec: "1-100", AllowPrivate: true,
	})
	assert.ErrorIs(t, err, scan.ErrInvalidPortSet)
}

func TestRunConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, nil)
	// Saturate the per-client ceiling by hand, then submit.
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := h.store.IncrActive(ctx, "c1")
		require.NoError(t, err)
	}

	_, err := h.orch.Run(ctx, Request{
		ClientID: "c1", Target: "127.0.0.1", PortSpec: "40000", AllowPrivate: true,
	})
	assert.ErrorIs(t, err, scan.ErrExceedsConcurrency)
}
