package audit

import (
	"time"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/store"
)

// AuditReport summarizes journal activity over a window.
type AuditReport struct {
	GeneratedAt      time.Time        `json:"generated_at"`
	PeriodDays       int              `json:"period_days"`
	EntityKind       string           `json:"entity_kind,omitempty"`
	TotalChanges     int              `json:"total_changes"`
	ByOperation      map[string]int   `json:"by_operation"`
	ByImpact         map[string]int   `json:"by_impact"`
	ByUser           map[string]int   `json:"by_user"`
	HighImpact       []*store.Change  `json:"high_impact_changes"`
	PendingApprovals int              `json:"pending_approvals"`
	Rollbacks        []*store.Rollback `json:"rollbacks,omitempty"`
}

// ComplianceCertification attests to journal integrity and approval coverage.
type ComplianceCertification struct {
	GeneratedAt        time.Time `json:"generated_at"`
	PeriodDays         int       `json:"period_days"`
	Certified          bool      `json:"certified"`
	ChangesReviewed    int       `json:"changes_reviewed"`
	ChainViolations    []string  `json:"chain_violations,omitempty"`
	UnapprovedChanges  []string  `json:"unapproved_high_impact_changes,omitempty"`
	ApprovalCoverage   float64   `json:"approval_coverage"`
	RollbacksExecuted  int       `json:"rollbacks_executed"`
	RollbacksCancelled int       `json:"rollbacks_cancelled"`
}

// SOC2Control is one control section of a SOC2 report.
type SOC2Control struct {
	ControlID   string `json:"control_id"`
	Description string `json:"description"`
	Status      string `json:"status"` // EFFECTIVE, EXCEPTIONS_NOTED
	Evidence    string `json:"evidence"`
	Exceptions  int    `json:"exceptions"`
}

// SOC2Report covers the change-management trust criteria.
type SOC2Report struct {
	GeneratedAt time.Time     `json:"generated_at"`
	PeriodDays  int           `json:"period_days"`
	Controls    []SOC2Control `json:"controls"`
}

// GenerateAuditReport aggregates the journal for the last N days, optionally
// narrowed to one entity kind.
func (e *Engine) GenerateAuditReport(days int, entityKind string) (*AuditReport, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	changes, err := e.QueryChanges(store.ChangeFilter{EntityKind: entityKind, Since: &since})
	if err != nil {
		return nil, err
	}

	report := &AuditReport{
		GeneratedAt:  time.Now().UTC(),
		PeriodDays:   days,
		EntityKind:   entityKind,
		TotalChanges: len(changes),
		ByOperation:  make(map[string]int),
		ByImpact:     make(map[string]int),
		ByUser:       make(map[string]int),
	}
	for _, c := range changes {
		report.ByOperation[string(c.Operation)]++
		report.ByImpact[string(c.Impact)]++
		if c.UserID != "" {
			report.ByUser[c.UserID]++
		}
		if c.Impact == store.ImpactHigh || c.Impact == store.ImpactCritical {
			report.HighImpact = append(report.HighImpact, c)
		}
	}

	pending, err := e.ListPendingApprovals()
	if err != nil {
		return nil, err
	}
	report.PendingApprovals = len(pending)

	rollbacks, err := e.store.ListRollbacks(100)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to list rollbacks", err)
	}
	report.Rollbacks = rollbacks

	return report, nil
}

// GenerateComplianceCertification verifies the hash chain of every entity
// touched in the window and checks approval coverage for high-impact changes.
func (e *Engine) GenerateComplianceCertification(days int) (*ComplianceCertification, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	changes, err := e.QueryChanges(store.ChangeFilter{Since: &since})
	if err != nil {
		return nil, err
	}

	cert := &ComplianceCertification{
		GeneratedAt:     time.Now().UTC(),
		PeriodDays:      days,
		ChangesReviewed: len(changes),
	}

	type entityKey struct{ kind, id string }
	entities := make(map[entityKey]bool)
	highImpact := 0
	approved := 0
	for _, c := range changes {
		entities[entityKey{c.EntityKind, c.EntityID}] = true
		if c.RequiresApproval {
			highImpact++
			if c.Approved {
				approved++
			} else {
				cert.UnapprovedChanges = append(cert.UnapprovedChanges, c.ID)
			}
		}
	}

	for k := range entities {
		if err := e.VerifyChangeChain(k.kind, k.id); err != nil {
			cert.ChainViolations = append(cert.ChainViolations, err.Error())
		}
	}

	if highImpact > 0 {
		cert.ApprovalCoverage = float64(approved) / float64(highImpact)
	} else {
		cert.ApprovalCoverage = 1
	}

	rollbacks, err := e.store.ListRollbacks(1000)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabase, "failed to list rollbacks", err)
	}
	for _, rb := range rollbacks {
		switch rb.Status {
		case store.RollbackCompleted:
			cert.RollbacksExecuted++
		case store.RollbackCancelled:
			cert.RollbacksCancelled++
		}
	}

	cert.Certified = len(cert.ChainViolations) == 0 && len(cert.UnapprovedChanges) == 0
	return cert, nil
}

// GenerateSOC2Report maps the journal onto the change-management trust
// criteria.
func (e *Engine) GenerateSOC2Report(days int) (*SOC2Report, error) {
	cert, err := e.GenerateComplianceCertification(days)
	if err != nil {
		return nil, err
	}

	status := func(exceptions int) string {
		if exceptions == 0 {
			return "EFFECTIVE"
		}
		return "EXCEPTIONS_NOTED"
	}

	report := &SOC2Report{
		GeneratedAt: time.Now().UTC(),
		PeriodDays:  days,
		Controls: []SOC2Control{
			{
				ControlID:   "CC6.1",
				Description: "High-impact changes require documented approval",
				Status:      status(len(cert.UnapprovedChanges)),
				Evidence:    "approval records stored in change metadata",
				Exceptions:  len(cert.UnapprovedChanges),
			},
			{
				ControlID:   "CC7.2",
				Description: "Change journal integrity is cryptographically verifiable",
				Status:      status(len(cert.ChainViolations)),
				Evidence:    "per-entity SHA-256 hash chains",
				Exceptions:  len(cert.ChainViolations),
			},
			{
				ControlID:   "CC8.1",
				Description: "Changes are reversible through audited rollback",
				Status:      "EFFECTIVE",
				Evidence:    "compensating change records preserve history",
				Exceptions:  0,
			},
		},
	}
	return report, nil
}
