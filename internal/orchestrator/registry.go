package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reguard/reguard/internal/agent"
	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/faults"
)

// registration pairs an agent with its supervision state.
type registration struct {
	agent   agent.Agent
	enabled bool

	state           agent.State
	health          agent.Health
	healthFailures  int
	lastHealthCheck time.Time
	lastError       string
}

// Registry maps agent type to its registration, preserving registration
// order for deterministic routing.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*registration
	order  []string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*registration),
		order:  nil,
		logger: logger.With("component", "orchestrator.Registry"),
	}
}

// Register initializes and records an agent. CONFLICT on a duplicate type,
// VALIDATION on empty capabilities. An agent that fails Initialize is not
// kept.
func (r *Registry) Register(ctx context.Context, a agent.Agent) error {
	if a == nil || a.Type() == "" {
		return faults.New(faults.KindValidation, "agent requires a type")
	}
	if a.Capabilities().Empty() {
		return faults.Newf(faults.KindValidation, "agent %s declares no capabilities", a.Type())
	}

	r.mu.Lock()
	if _, exists := r.agents[a.Type()]; exists {
		r.mu.Unlock()
		return faults.Newf(faults.KindConflict, "agent type %s already registered", a.Type())
	}
	reg := &registration{
		agent:   a,
		enabled: true,
		state:   agent.StateInitializing,
		health:  agent.HealthHealthy,
	}
	r.agents[a.Type()] = reg
	r.order = append(r.order, a.Type())
	r.mu.Unlock()

	if err := a.Initialize(ctx); err != nil {
		r.mu.Lock()
		delete(r.agents, a.Type())
		r.order = removeString(r.order, a.Type())
		r.mu.Unlock()
		return faults.Wrap(faults.KindConfiguration, "agent initialization failed", err)
	}

	r.mu.Lock()
	reg.state = agent.StateReady
	r.mu.Unlock()

	r.logger.Info("agent registered", "agent_type", a.Type(), "display_name", a.DisplayName())
	return nil
}

// Unregister shuts the agent down and removes it. Dispatched tasks complete
// normally.
func (r *Registry) Unregister(ctx context.Context, agentType string) error {
	r.mu.Lock()
	reg, ok := r.agents[agentType]
	if ok {
		delete(r.agents, agentType)
		r.order = removeString(r.order, agentType)
	}
	r.mu.Unlock()
	if !ok {
		return faults.Newf(faults.KindNotFound, "agent type %s not registered", agentType)
	}

	if err := reg.agent.Shutdown(ctx); err != nil {
		r.logger.Warn("agent shutdown failed", "agent_type", agentType, "error", err)
	}
	r.logger.Info("agent unregistered", "agent_type", agentType)
	return nil
}

// SetEnabled soft-disables or re-enables an agent without unregistering it.
func (r *Registry) SetEnabled(agentType string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.agents[agentType]
	if !ok {
		return false
	}
	reg.enabled = enabled
	return true
}

// Route implements find_agent_for_task: prefer the named type when usable,
// else the first registered agent that is enabled and can handle the kind.
func (r *Registry) Route(agentType string, kind event.Kind) (agent.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if agentType != "" {
		if reg, ok := r.agents[agentType]; ok && reg.enabled && reg.agent.Capabilities().CanHandle(kind) {
			return reg.agent, nil
		}
	}
	for _, t := range r.order {
		reg := r.agents[t]
		if reg.enabled && reg.agent.Capabilities().CanHandle(kind) {
			return reg.agent, nil
		}
	}
	return nil, faults.Newf(faults.KindNotFound, "no suitable agent for event kind %s", kind)
}

// Usable reports whether an agent may receive work right now.
func (r *Registry) Usable(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentType]
	return ok && reg.enabled && reg.health != agent.HealthCritical
}

// CheckHealth runs every agent's health check and updates supervision state.
// Returns true when all agents are healthy.
func (r *Registry) CheckHealth(ctx context.Context) bool {
	r.mu.RLock()
	types := make([]string, len(r.order))
	copy(types, r.order)
	r.mu.RUnlock()

	allHealthy := true
	now := time.Now().UTC()
	for _, t := range types {
		r.mu.RLock()
		reg, ok := r.agents[t]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		healthy := reg.agent.PerformHealthCheck(ctx)

		r.mu.Lock()
		reg.lastHealthCheck = now
		if healthy {
			reg.healthFailures = 0
		} else {
			reg.healthFailures++
			allHealthy = false
		}
		reg.health = agent.HealthFromFailures(reg.healthFailures)
		if reg.health == agent.HealthCritical && reg.state != agent.StateError {
			reg.state = agent.StateError
			r.logger.Error("agent health critical", "agent_type", t, "failures", reg.healthFailures)
		}
		r.mu.Unlock()
	}
	return allHealthy
}

// Statuses returns a snapshot of every agent's status keyed by type.
func (r *Registry) Statuses() map[string]agent.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]agent.Status, len(r.agents))
	for t, reg := range r.agents {
		out[t] = agent.Status{
			State:           reg.state,
			Health:          reg.health,
			Enabled:         reg.enabled,
			LastError:       reg.lastError,
			LastHealthCheck: reg.lastHealthCheck,
		}
	}
	return out
}

func (r *Registry) recordTaskError(agentType, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.agents[agentType]; ok {
		reg.lastError = msg
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
