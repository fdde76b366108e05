// Package agent defines the autonomous units the orchestrator dispatches
// compliance events to.
package agent

import (
	"context"
	"time"

	"github.com/reguard/reguard/internal/event"
)

// Capabilities describes what an agent can do. The router consults it when
// placing tasks.
type Capabilities struct {
	SupportedEventKinds []event.Kind `json:"supported_event_kinds"`
	SupportedActions    []string     `json:"supported_actions"`
	KnowledgeDomains    []string     `json:"knowledge_domains"`
	RealTimeCapable     bool         `json:"real_time_capable"`
	BatchCapable        bool         `json:"batch_capable"`
	MaxConcurrentTasks  int          `json:"max_concurrent_tasks"`
}

// CanHandle reports whether the agent supports an event kind.
func (c Capabilities) CanHandle(kind event.Kind) bool {
	for _, k := range c.SupportedEventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Empty reports whether the capability set declares nothing.
func (c Capabilities) Empty() bool {
	return len(c.SupportedEventKinds) == 0 && len(c.SupportedActions) == 0
}

// State is an agent's lifecycle stage.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateReady        State = "READY"
	StateActive       State = "ACTIVE"
	StateBusy         State = "BUSY"
	StateError        State = "ERROR"
	StateShutdown     State = "SHUTDOWN"
	StateMaintenance  State = "MAINTENANCE"
)

// Health is an agent's supervised health level.
type Health string

const (
	HealthHealthy   Health = "HEALTHY"
	HealthDegraded  Health = "DEGRADED"
	HealthUnhealthy Health = "UNHEALTHY"
	HealthCritical  Health = "CRITICAL"
)

// HealthFromFailures maps consecutive health-check failures to a level. Two
// failures degrade, five fail the component.
func HealthFromFailures(consecutive int) Health {
	switch {
	case consecutive >= 5:
		return HealthCritical
	case consecutive >= 4:
		return HealthUnhealthy
	case consecutive >= 2:
		return HealthDegraded
	}
	return HealthHealthy
}

// Status is a point-in-time view of one agent.
type Status struct {
	State           State          `json:"state"`
	Health          Health         `json:"health"`
	Enabled         bool           `json:"enabled"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastHealthCheck time.Time      `json:"last_health_check_time"`
}

// Agent is the unit of work execution. Implementations must be safe for the
// concurrency their capabilities advertise.
type Agent interface {
	// Type is the unique registration key.
	Type() string
	DisplayName() string
	Capabilities() Capabilities

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error

	// ProcessEvent handles one event. Errors become task failures, never
	// worker deaths.
	ProcessEvent(ctx context.Context, ev *event.ComplianceEvent) error

	// PerformHealthCheck reports liveness; false counts toward degradation.
	PerformHealthCheck(ctx context.Context) bool
}
