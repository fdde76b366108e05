package event

import (
	"log/slog"
	"sync"
)

// Source is an upstream feed of compliance events. Drain returns buffered
// events without blocking; the orchestrator polls it from
// ProcessPendingEvents.
type Source interface {
	Drain(max int) []*ComplianceEvent
	Close() error
}

// MemorySource is a bounded in-memory event buffer. It doubles as the test
// source and the intake for events published by the process itself.
type MemorySource struct {
	mu      sync.Mutex
	events  []*ComplianceEvent
	cap     int
	dropped int
	closed  bool
	logger  *slog.Logger
}

// NewMemorySource creates a buffer holding at most capacity events.
func NewMemorySource(capacity int, logger *slog.Logger) *MemorySource {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemorySource{
		cap:    capacity,
		logger: logger.With("component", "event.MemorySource"),
	}
}

// Publish appends an event to the buffer. When full, the oldest event is
// dropped and counted.
func (s *MemorySource) Publish(ev *ComplianceEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if len(s.events) >= s.cap {
		s.events = s.events[1:]
		s.dropped++
		s.logger.Warn("event buffer full, dropped oldest", "dropped_total", s.dropped)
	}
	s.events = append(s.events, ev)
	return true
}

// Drain removes and returns up to max buffered events, oldest first.
// max <= 0 drains everything.
func (s *MemorySource) Drain(max int) []*ComplianceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]*ComplianceEvent, n)
	copy(out, s.events[:n])
	s.events = append(s.events[:0], s.events[n:]...)
	return out
}

// Dropped returns the count of events discarded due to overflow.
func (s *MemorySource) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close marks the source closed; further publishes are refused.
func (s *MemorySource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
