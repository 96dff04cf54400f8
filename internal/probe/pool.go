package probe

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"syscall"

	"github.com/vantagesec/scand/internal/scan"
)

// Pool probes ports with bounded parallelism. The bound is not fixed: each
// dispatch re-reads the controller's live concurrency, so the pool widens
// and narrows mid-scan as the controller reacts to outcomes.
type Pool struct {
	controller *Controller
	logger     *log.Logger
	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewPool builds a pool driven by the given controller.
func NewPool(controller *Controller) *Pool {
	d := &net.Dialer{}
	return &Pool{
		controller: controller,
		logger:     log.New(log.Writer(), "[ProbePool] ", log.LstdFlags),
		dial:       d.DialContext,
	}
}

// Scan probes every port and returns one PortResult per port, ordered by
// port number. Cancellation stops dispatching new probes; probes already in
// flight finish within their own timeout. Ports never dispatched are
// reported as OPEN_FILTERED with a cancelled reason.
func (p *Pool) Scan(ctx context.Context, ip string, ports []int) []scan.PortResult {
	var (
		mu      sync.Mutex
		results = make([]scan.PortResult, 0, len(ports))
	)
	sem := newDynamicSemaphore(p.controller)

	var wg sync.WaitGroup
	for i, port := range ports {
		if err := sem.Acquire(ctx); err != nil {
			mu.Lock()
			for _, rest := range ports[i:] {
				results = append(results, scan.PortResult{
					Port: rest, Protocol: "tcp", State: scan.StateOpenFiltered, Reason: "cancelled before probe",
				})
			}
			mu.Unlock()
			break
		}

		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			defer sem.Release()

			r := p.probeOne(ctx, ip, port)
			p.controller.Record(r.State == scan.StateOpen || r.State == scan.StateClosed)

			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(port)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })
	return results
}

// probeOne attempts a single TCP connect with the controller's live timeout.
func (p *Pool) probeOne(ctx context.Context, ip string, port int) scan.PortResult {
	result := scan.PortResult{Port: port, Protocol: "tcp"}

	dialCtx, cancel := context.WithTimeout(ctx, p.controller.Timeout())
	defer cancel()

	conn, err := p.dial(dialCtx, "tcp", net.JoinHostPort(ip, fmt.Sprintf("%d", port)))
	if err == nil {
		conn.Close()
		result.State = scan.StateOpen
		return result
	}

	result.State, result.Reason = classifyDialError(err)
	return result
}

// classifyDialError maps a connect failure onto a port state.
//
//	refused (RST)          -> CLOSED
//	timeout                -> FILTERED
//	unreachable/host error -> FILTERED
//	anything else          -> CLOSED with reason
func classifyDialError(err error) (scan.PortState, string) {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return scan.StateClosed, "connection refused"
	}
	if errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return scan.StateFiltered, "unreachable"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return scan.StateFiltered, "timeout"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return scan.StateFiltered, "timeout"
	}
	return scan.StateClosed, err.Error()
}

// dynamicSemaphore bounds in-flight probes by the controller's live
// concurrency value rather than a fixed capacity.
type dynamicSemaphore struct {
	controller *Controller
	mu         sync.Mutex
	cond       *sync.Cond
	active     int
}

func newDynamicSemaphore(controller *Controller) *dynamicSemaphore {
	s := &dynamicSemaphore{controller: controller}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Acquire blocks until a slot is free under the live limit or ctx is done.
func (s *dynamicSemaphore) Acquire(ctx context.Context) error {
	// Wake waiters when the context dies; Cond has no native ctx support.
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.active < s.controller.MaxConcurrent() {
			s.active++
			return nil
		}
		s.cond.Wait()
	}
}

func (s *dynamicSemaphore) Release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.cond.Broadcast()
}
