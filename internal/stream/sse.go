// Package stream delivers scan events to clients over SSE and
// WebSocket. Both transports carry the same frames; the WS side adds
// the command surface with policy and confirmation handling.
package stream

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	"github.com/vantagesec/scand/internal/events"
	"github.com/vantagesec/scand/internal/middleware"
	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/scan"
)

// Bus is the subscription surface the handlers need; *events.Bus and
// *events.RedisBus both satisfy it.
type Bus interface {
	Open(scanID string)
	Subscribe(scanID string) *events.Subscription
}

// ScanRunner is the narrow orchestrator surface the handlers use.
type ScanRunner interface {
	Run(ctx context.Context, req orchestrator.Request) (*scan.Result, error)
}

// SSEHandler streams one scan per request: the scan starts when the
// client connects and is cancelled when the client goes away.
type SSEHandler struct {
	orch   ScanRunner
	bus    Bus
	logger *log.Logger
}

func NewSSEHandler(orch ScanRunner, bus Bus) *SSEHandler {
	return &SSEHandler{
		orch:   orch,
		bus:    bus,
		logger: log.New(log.Writer(), "[SSE] ", log.LstdFlags),
	}
}

// ServeHTTP handles GET /scan/stream?target=…&ports=….
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	target := r.URL.Query().Get("target")
	ports := r.URL.Query().Get("ports")
	if target == "" || ports == "" {
		http.Error(w, "target and ports are required", http.StatusBadRequest)
		return
	}

	scanID := uuid.NewString()
	h.bus.Open(scanID)
	sub := h.bus.Subscribe(scanID)
	if sub == nil {
		http.Error(w, "stream unavailable", http.StatusInternalServerError)
		return
	}
	defer sub.Cancel()

	// Client disconnect cancels the scan; the orchestrator releases its
	// coordinator slot on that path.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		_, err := h.orch.Run(ctx, orchestrator.Request{
			ScanID:       scanID,
			ClientID:     middleware.ClientID(r.Context()),
			Target:       target,
			PortSpec:     ports,
			AllowPrivate: r.URL.Query().Get("allow_private") == "true",
		})
		if err != nil {
			h.logger.Printf("scan %s: %v", scanID, err)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			frame, err := ev.SSE()
			if err != nil {
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
