package agent

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/reguard/reguard/internal/audit"
	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/store"
)

// RegulatoryIntakeAgent journals regulatory change events so downstream
// policy work is traceable to the triggering regulation.
type RegulatoryIntakeAgent struct {
	audit  *audit.Engine
	logger *slog.Logger
}

func NewRegulatoryIntakeAgent(auditEngine *audit.Engine, logger *slog.Logger) *RegulatoryIntakeAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegulatoryIntakeAgent{
		audit:  auditEngine,
		logger: logger.With("component", "agent.RegulatoryIntakeAgent"),
	}
}

func (a *RegulatoryIntakeAgent) Type() string        { return "regulatory-intake" }
func (a *RegulatoryIntakeAgent) DisplayName() string { return "Regulatory Intake Agent" }

func (a *RegulatoryIntakeAgent) Capabilities() Capabilities {
	return Capabilities{
		SupportedEventKinds: []event.Kind{event.KindRegulatoryChange, event.KindPolicyUpdate},
		SupportedActions:    []string{"record_change"},
		KnowledgeDomains:    []string{"regulation"},
		BatchCapable:        true,
		MaxConcurrentTasks:  1,
	}
}

func (a *RegulatoryIntakeAgent) Initialize(ctx context.Context) error { return nil }
func (a *RegulatoryIntakeAgent) Shutdown(ctx context.Context) error   { return nil }

func (a *RegulatoryIntakeAgent) ProcessEvent(ctx context.Context, ev *event.ComplianceEvent) error {
	newValue, err := json.Marshal(ev.Data)
	if err != nil {
		newValue = nil
	}

	entityKind := "REGULATION"
	if ev.Kind == event.KindPolicyUpdate {
		entityKind = "POLICY"
	}

	id, err := a.audit.RecordChange(&store.Change{
		UserID:     ev.Source,
		EntityKind: entityKind,
		EntityID:   ev.ID,
		Operation:  store.OpCreate,
		NewValue:   newValue,
		Reason:     "intake of " + string(ev.Kind) + " event",
	})
	if err != nil {
		return err
	}

	a.logger.Info("regulatory event journaled", "event_id", ev.ID, "change_id", id)
	return nil
}

func (a *RegulatoryIntakeAgent) PerformHealthCheck(ctx context.Context) bool {
	return a.audit != nil
}
