package stream

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vantagesec/scand/internal/coordinator"
	"github.com/vantagesec/scand/internal/orchestrator"
	"github.com/vantagesec/scand/internal/policy"
	"github.com/vantagesec/scand/internal/scan"
	"github.com/vantagesec/scand/internal/store"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	writeWait      = 10 * time.Second
	maxMsgSize     = 32 * 1024
	sendBuffer     = 256
	reachTimeout   = 2 * time.Second
	reachablePorts = "80,443"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Command is one client frame on /ws/command.
type Command struct {
	Command string `json:"command"`
	Force   bool   `json:"force,omitempty"`
	Consent bool   `json:"consent,omitempty"`
}

// controlFrame is a non-ScanEvent server frame.
type controlFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	ScanID  string `json:"scan_id,omitempty"`
}

// WSHandler is the WebSocket command endpoint. When no shared token is
// configured it refuses every connection.
type WSHandler struct {
	token     string
	orch      ScanRunner
	bus       Bus
	coord     *coordinator.Coordinator
	policy    *policy.Engine
	audit     store.AuditStore
	resolver  *scan.Resolver
	warnPorts int
	logger    *log.Logger

	// reachDial is swappable for tests.
	reachDial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

func NewWSHandler(token string, orch ScanRunner, bus Bus, coord *coordinator.Coordinator, pol *policy.Engine, audit store.AuditStore, resolver *scan.Resolver, warnPorts int) *WSHandler {
	return &WSHandler{
		token:     token,
		orch:      orch,
		bus:       bus,
		coord:     coord,
		policy:    pol,
		audit:     audit,
		resolver:  resolver,
		warnPorts: warnPorts,
		logger:    log.New(log.Writer(), "[WS] ", log.LstdFlags),
		reachDial: net.DialTimeout,
	}
}

// ServeHTTP handles GET /ws/command?token=….
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.token == "" {
		// No configured secret means the endpoint is off, not open.
		http.Error(w, "websocket disabled", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed: %v", err)
		return
	}

	presented := r.URL.Query().Get("token")
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) != 1 {
		writeControl(conn, controlFrame{Type: "auth_error", Message: "invalid token"})
		conn.Close()
		return
	}

	clientHost, _, _ := net.SplitHostPort(r.RemoteAddr)
	if clientHost == "" {
		clientHost = r.RemoteAddr
	}

	c := &wsClient{
		h:    h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		host: clientHost,
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go c.writePump()
	c.readPump(ctx)
}

// wsClient is one live command connection. All conn writes go through
// send and the write pump.
type wsClient struct {
	h      *WSHandler
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	host   string
	cancel context.CancelFunc
}

func (c *wsClient) close() {
	c.once.Do(func() {
		// Disconnect cancels every scan this connection started.
		c.cancel()
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	case <-c.done:
	}
}

func (c *wsClient) control(f controlFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.h.logger.Printf("read error from %s: %v", c.host, err)
			}
			return
		}

		var cmd Command
		if err := json.Unmarshal(payload, &cmd); err != nil {
			c.control(controlFrame{Type: "error", Message: "invalid frame"})
			continue
		}
		c.handleCommand(ctx, cmd)
	}
}

// handleCommand runs the edge checks and, when they pass, starts the
// scan in the background while events flow through the send channel.
func (c *wsClient) handleCommand(ctx context.Context, cmd Command) {
	target, ports, err := parseScanCommand(cmd.Command)
	if err != nil {
		c.control(controlFrame{Type: "error", Message: err.Error()})
		return
	}

	// Advisory only: big port sets still run, but the client hears about
	// it before the first event.
	if c.h.warnPorts > 0 {
		if set, perr := scan.ParsePortSpec(ports); perr == nil && set.Len() > c.h.warnPorts {
			c.control(controlFrame{Type: "warning",
				Message: fmt.Sprintf("scanning %d ports (above the advisory threshold of %d); expect a longer run",
					set.Len(), c.h.warnPorts)})
		}
	}

	// Edge rate limiting; concurrency is enforced inside the run.
	if err := c.h.coord.Admit(ctx, c.host); err != nil {
		c.control(controlFrame{Type: "rate_limit", Message: err.Error()})
		return
	}

	if c.h.policy != nil {
		switch c.h.policy.Evaluate(target, "") {
		case policy.DecisionDenied:
			c.control(controlFrame{Type: "denied", Message: "target not permitted"})
			return
		case policy.DecisionNotice:
			c.control(controlFrame{Type: "allowlist_notice", Message: "target is on the authorization allowlist"})
		}
	}

	if !cmd.Force && !c.reachable(ctx, target) {
		c.control(controlFrame{Type: "pre_scan_warning",
			Message: "target did not respond on ports 80/443"})
		c.control(controlFrame{Type: "pre_scan_confirmation_needed",
			Message: "re-send with force=true to scan anyway"})
		return
	}

	if cmd.Force {
		c.recordForce(ctx, cmd, target)
	}

	scanID := uuid.NewString()
	c.h.bus.Open(scanID)
	sub := c.h.bus.Subscribe(scanID)
	if sub == nil {
		c.control(controlFrame{Type: "error", Message: "stream unavailable"})
		return
	}
	c.control(controlFrame{Type: "scan_queued", ScanID: scanID})

	go func() {
		defer sub.Cancel()
		for ev := range sub.C {
			payload, err := ev.JSON()
			if err != nil {
				continue
			}
			c.enqueue(payload)
		}
	}()

	go func() {
		_, err := c.h.orch.Run(ctx, orchestrator.Request{
			ScanID:        scanID,
			ClientID:      c.host,
			Target:        target,
			PortSpec:      ports,
			SkipAdmission: true, // admitted at the edge above
		})
		if err != nil {
			c.h.logger.Printf("scan %s for %s: %v", scanID, c.host, err)
		}
	}()
}

// reachable runs the quick pre-scan probe: one TCP connect attempt to
// 80 and 443 on the resolved target.
func (c *wsClient) reachable(ctx context.Context, target string) bool {
	t, err := scan.ParseTarget(target, true, nil)
	if err != nil {
		// Validation problems surface from the scan itself.
		return true
	}
	if err := c.h.resolver.Resolve(ctx, t); err != nil {
		return true
	}
	for _, port := range strings.Split(reachablePorts, ",") {
		conn, err := c.h.reachDial("tcp", net.JoinHostPort(t.Addr(), port), reachTimeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// recordForce appends the audit record for a force-override.
func (c *wsClient) recordForce(ctx context.Context, cmd Command, target string) {
	if c.h.audit == nil {
		return
	}
	rec := policy.AuditRecord{
		Timestamp:       time.Now(),
		Target:          target,
		OriginalCommand: cmd.Command,
		ClientHost:      c.host,
		Consent:         cmd.Consent,
		Note:            "forced past pre-scan warning",
	}
	if t, err := scan.ParseTarget(target, true, nil); err == nil {
		if err := c.h.resolver.Resolve(ctx, t); err == nil {
			rec.ResolvedIP = t.Addr()
		}
	}
	if err := c.h.audit.AppendAudit(ctx, rec); err != nil {
		c.h.logger.Printf("audit append: %v", err)
	}
}

// parseScanCommand accepts "scan <target> <ports>".
func parseScanCommand(raw string) (target, ports string, err error) {
	fields := strings.Fields(raw)
	if len(fields) != 3 || fields[0] != "scan" {
		return "", "", fmt.Errorf("expected \"scan <target> <ports>\", got %q", raw)
	}
	return fields[1], fields[2], nil
}

func writeControl(conn *websocket.Conn, f controlFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, payload)
}
