package event

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSSource subscribes to a NATS subject and buffers incoming compliance
// events for the orchestrator to drain. Malformed payloads are logged and
// skipped.
type NATSSource struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	buffer *MemorySource
	logger *slog.Logger
}

// NewNATSSource connects to the NATS server and subscribes to subject
// (typically "compliance.events.>").
func NewNATSSource(url, subject string, bufferSize int, logger *slog.Logger) (*NATSSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "event.NATSSource")

	conn, err := nats.Connect(url,
		nats.Name("reguard-event-intake"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	s := &NATSSource{
		conn:   conn,
		buffer: NewMemorySource(bufferSize, logger),
		logger: logger,
	}

	sub, err := conn.Subscribe(subject, s.handle)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	s.sub = sub

	logger.Info("subscribed to event subject", "url", url, "subject", subject)
	return s, nil
}

func (s *NATSSource) handle(msg *nats.Msg) {
	var ev ComplianceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("discarding malformed event payload",
			"subject", msg.Subject,
			"error", err,
		)
		return
	}
	if ev.ID == "" || ev.Kind == "" {
		s.logger.Warn("discarding event without id or kind", "subject", msg.Subject)
		return
	}
	s.buffer.Publish(&ev)
}

// Drain returns up to max buffered events, oldest first.
func (s *NATSSource) Drain(max int) []*ComplianceEvent {
	return s.buffer.Drain(max)
}

// Close unsubscribes and closes the connection.
func (s *NATSSource) Close() error {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.conn.Close()
	return s.buffer.Close()
}
