// Package events is the in-process fanout between running scans and
// their stream consumers (SSE and WebSocket handlers). Progress events
// may be dropped under back-pressure; result-bearing events never are.
package events

import (
	"log"
	"sync"

	"github.com/vantagesec/scand/internal/scan"
)

// subscriberBuffer is the fast-path channel depth per subscriber.
const subscriberBuffer = 256

// Subscription is one consumer's view of a scan's event stream. C is
// closed when the scan completes or the subscription is cancelled.
type Subscription struct {
	C      <-chan scan.Event
	ch     chan scan.Event
	stream *stream

	mu          sync.Mutex
	pending     []scan.Event
	outstanding int // accepted but not yet handed to the consumer
	wake        chan struct{}
	done        chan struct{}
	closed      bool
	cancelled   bool
	dropped     int
	onDrop      func()
}

// stream is the per-scan fanout state.
type stream struct {
	mu      sync.Mutex
	subs    map[*Subscription]bool
	done    bool
	backlog []scan.Event // replayed to late subscribers
}

// Bus routes scan events to per-scan subscribers.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	logger  *log.Logger
	onDrop  func()
}

func NewBus() *Bus {
	return &Bus{
		streams: make(map[string]*stream),
		logger:  log.New(log.Writer(), "[Events] ", log.LstdFlags),
	}
}

// OnDrop registers a callback fired once per shed progress event, for
// metrics. Set it before the first Subscribe.
func (b *Bus) OnDrop(fn func()) {
	b.mu.Lock()
	b.onDrop = fn
	b.mu.Unlock()
}

// Open registers a scan so that events published under its ID are
// retained for subscribers that attach mid-scan.
func (b *Bus) Open(scanID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[scanID]; !ok {
		b.streams[scanID] = &stream{subs: make(map[*Subscription]bool)}
	}
}

// Subscribe attaches a consumer to a scan's stream. Events already
// published are replayed first, in order. Subscribing to an unknown or
// finished scan returns nil.
func (b *Bus) Subscribe(scanID string) *Subscription {
	b.mu.RLock()
	st, ok := b.streams[scanID]
	onDrop := b.onDrop
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return nil
	}

	sub := &Subscription{
		ch:     make(chan scan.Event, subscriberBuffer),
		stream: st,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	sub.C = sub.ch
	sub.pending = append(sub.pending, st.backlog...)
	sub.outstanding = len(sub.pending)
	st.subs[sub] = true
	go sub.pump()
	if len(sub.pending) > 0 {
		sub.signal()
	}
	return sub
}

// Publish delivers an event to every subscriber of its scan. For a
// subscriber that has fallen behind, an event whose type reports
// Droppable displaces the oldest queued droppable event; all others are
// queued without loss.
func (b *Bus) Publish(e *scan.Event) {
	ev := *e
	b.mu.RLock()
	st, ok := b.streams[ev.ScanID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.backlog = append(st.backlog, ev)
	subs := make([]*Subscription, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	st.mu.Unlock()

	for _, s := range subs {
		s.deliver(ev)
	}

	if ev.Type == scan.EventScanComplete || ev.Type == scan.EventError {
		b.close(ev.ScanID, st)
	}
}

// close tears the stream down after its terminal event has been queued.
func (b *Bus) close(scanID string, st *stream) {
	st.mu.Lock()
	st.done = true
	subs := make([]*Subscription, 0, len(st.subs))
	for s := range st.subs {
		subs = append(subs, s)
	}
	st.subs = make(map[*Subscription]bool)
	st.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}

	b.mu.Lock()
	delete(b.streams, scanID)
	b.mu.Unlock()
}

// Cancel detaches a subscriber without waiting for the scan to end.
// Undelivered events are abandoned.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.stream.mu.Lock()
	delete(s.stream.subs, s)
	s.stream.mu.Unlock()

	s.mu.Lock()
	if !s.cancelled {
		s.cancelled = true
		close(s.done)
	}
	s.mu.Unlock()
	s.finish()
}

// Dropped reports how many progress events this subscriber lost to
// back-pressure.
func (s *Subscription) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) deliver(ev scan.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if ev.Type.Droppable() && s.outstanding >= subscriberBuffer {
		// Shed the oldest queued progress event so the tail of the stream
		// stays fresh. When nothing queued can be shed (everything pending
		// is result-bearing) the incoming event is the one lost.
		if i := oldestDroppable(s.pending); i >= 0 {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			s.pending = append(s.pending, ev)
		}
		s.dropped++
		s.mu.Unlock()
		if s.onDrop != nil {
			s.onDrop()
		}
		s.signal()
		return
	}
	s.pending = append(s.pending, ev)
	s.outstanding++
	s.mu.Unlock()
	s.signal()
}

// oldestDroppable returns the index of the first progress event in the
// queue, or -1.
func oldestDroppable(pending []scan.Event) int {
	for i := range pending {
		if pending[i].Type.Droppable() {
			return i
		}
	}
	return -1
}

func (s *Subscription) finish() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves queued events onto the consumer channel. Queueing is
// unbounded for non-droppable events so a slow consumer stalls only
// itself, never the scan.
func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 {
			if s.closed {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.ch <- ev:
				s.mu.Lock()
				s.outstanding--
				s.mu.Unlock()
			case <-s.done:
				return
			}
		}
		if closed {
			return
		}
	}
}
