// Package event defines the compliance event model and the intake sources the
// orchestrator drains. Events are immutable once created.
package event

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies a compliance event.
type Kind string

const (
	KindRegulatoryChange Kind = "REGULATORY_CHANGE"
	KindTransaction      Kind = "TRANSACTION"
	KindPolicyUpdate     Kind = "POLICY_UPDATE"
	KindHealthPing       Kind = "HEALTH_PING"
	KindAlert            Kind = "ALERT"
)

// Severity tags an event's urgency.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ComplianceEvent is a typed, severity-tagged, timestamped record describing a
// regulatory change, transaction, or health ping.
type ComplianceEvent struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	Severity  Severity          `json:"severity"`
	Source    string            `json:"source"`
	Data      map[string]any    `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// New creates an event with a fresh id and timestamp.
func New(kind Kind, severity Severity, source string, data map[string]any) *ComplianceEvent {
	return &ComplianceEvent{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Severity:  severity,
		Source:    source,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
}
