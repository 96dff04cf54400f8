package scan

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags a streamed scan event.
type EventType string

const (
	EventScanStart    EventType = "scan_start"
	EventTierStart    EventType = "tier_start"
	EventOpenPort     EventType = "open_port"
	EventTierComplete EventType = "tier_complete"
	EventScanComplete EventType = "scan_complete"
	EventError        EventType = "error"
)

// Droppable reports whether a slow subscriber may shed this event type.
// Result-bearing and terminal events are never dropped.
func (t EventType) Droppable() bool {
	return t == EventScanStart || t == EventTierStart
}

// Event is one frame of the scan stream. Fields are populated per type;
// unused fields marshal away.
type Event struct {
	Type       EventType     `json:"type"`
	ScanID     string        `json:"scan_id,omitempty"`
	Target     string        `json:"target,omitempty"`
	TotalPorts int           `json:"total_ports,omitempty"`
	Tier       TierName      `json:"tier,omitempty"`
	Count      int           `json:"count,omitempty"`
	OpenCount  int           `json:"open_count,omitempty"`
	Port       *EnrichedPort `json:"port,omitempty"`
	Progress   float64       `json:"progress,omitempty"`
	Message    string        `json:"message,omitempty"`
	Time       time.Time     `json:"time"`
}

// JSON serializes the event for WS frames.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// SSE renders the event in text/event-stream framing.
func (e *Event) SSE() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data)), nil
}

func newEvent(t EventType, scanID string) *Event {
	return &Event{Type: t, ScanID: scanID, Time: time.Now()}
}

// ScanStartEvent announces the scan and its total port count.
func ScanStartEvent(scanID, target string, totalPorts int) *Event {
	e := newEvent(EventScanStart, scanID)
	e.Target = target
	e.TotalPorts = totalPorts
	return e
}

// TierStartEvent announces a tier with its port count and progress so far.
func TierStartEvent(scanID string, tier TierName, count int, progress float64) *Event {
	e := newEvent(EventTierStart, scanID)
	e.Tier = tier
	e.Count = count
	e.Progress = progress
	return e
}

// OpenPortEvent carries one enriched open port.
func OpenPortEvent(scanID string, port EnrichedPort, progress float64) *Event {
	e := newEvent(EventOpenPort, scanID)
	e.Port = &port
	e.Progress = progress
	return e
}

// TierCompleteEvent closes a tier with its open count and cumulative progress.
func TierCompleteEvent(scanID string, tier TierName, openCount int, progress float64) *Event {
	e := newEvent(EventTierComplete, scanID)
	e.Tier = tier
	e.OpenCount = openCount
	e.Progress = progress
	return e
}

// ScanCompleteEvent terminates a successful stream.
func ScanCompleteEvent(scanID string) *Event {
	return newEvent(EventScanComplete, scanID)
}

// ErrorEvent terminates a failed stream with a subscriber-safe message.
func ErrorEvent(scanID, message string) *Event {
	e := newEvent(EventError, scanID)
	e.Message = message
	return e
}
