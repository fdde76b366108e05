// Package controlplane reconciles platform deployments against resource
// events from an external orchestrator. Resource specs are opaque maps; the
// contract is the event shape and the status shape.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
)

// EventType classifies a resource event.
type EventType string

const (
	EventAdded    EventType = "ADDED"
	EventModified EventType = "MODIFIED"
	EventDeleted  EventType = "DELETED"
)

// ResourceEvent is one change notification from the external control plane.
type ResourceEvent struct {
	Type        EventType      `json:"type"`
	Name        string         `json:"name"`
	Namespace   string         `json:"namespace"`
	Resource    map[string]any `json:"resource"`
	OldResource map[string]any `json:"old_resource,omitempty"`
}

// Phase is the reported lifecycle phase of a managed deployment.
type Phase string

const (
	PhasePending  Phase = "PENDING"
	PhaseRunning  Phase = "RUNNING"
	PhaseDegraded Phase = "DEGRADED"
	PhaseDeleting Phase = "DELETING"
)

// Condition is one observed aspect of a deployment's health.
type Condition struct {
	Type           string    `json:"type"`
	Status         bool      `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	Message        string    `json:"message,omitempty"`
	LastTransition time.Time `json:"last_transition"`
}

// DesiredState bundles the specs the reconciler emits for one deployment.
// The schemas are owned by the external control plane.
type DesiredState struct {
	Deployment     map[string]any `json:"deployment"`
	Service        map[string]any `json:"service"`
	ConfigMap      map[string]any `json:"config_map"`
	Secret         map[string]any `json:"secret,omitempty"`
	ServiceAccount map[string]any `json:"service_account"`
}

// Status is the reported state of one managed deployment.
type Status struct {
	Name            string             `json:"name"`
	Namespace       string             `json:"namespace"`
	Phase           Phase              `json:"phase"`
	Replicas        int                `json:"replicas"`
	DesiredReplicas int                `json:"desired_replicas"`
	Conditions      []Condition        `json:"conditions"`
	Metrics         map[string]float64 `json:"performance_metrics,omitempty"`
	LastReconciled  time.Time          `json:"last_reconciled"`
}

// queueDepthQuery is the named scalar the reconciler scales on.
const queueDepthQuery = "reguard_queue_depth"

type managed struct {
	resource map[string]any
	desired  DesiredState
	status   Status
}

// Reconciler tracks managed resources and computes desired replica counts
// from observed queue depth.
type Reconciler struct {
	source metrics.QuerySource
	logger *slog.Logger

	tasksPerReplica int
	minReplicas     int
	maxReplicas     int

	mu       sync.RWMutex
	deployed map[string]*managed // keyed namespace/name
}

// NewReconciler builds a reconciler scaling on source. tasksPerReplica <= 0
// defaults to 100; replica bounds default to [1, 10].
func NewReconciler(source metrics.QuerySource, tasksPerReplica, minReplicas, maxReplicas int, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if tasksPerReplica <= 0 {
		tasksPerReplica = 100
	}
	if minReplicas <= 0 {
		minReplicas = 1
	}
	if maxReplicas < minReplicas {
		maxReplicas = minReplicas + 9
	}
	return &Reconciler{
		source:          source,
		logger:          logger.With("component", "controlplane.Reconciler"),
		tasksPerReplica: tasksPerReplica,
		minReplicas:     minReplicas,
		maxReplicas:     maxReplicas,
		deployed:        make(map[string]*managed),
	}
}

// HandleEvent applies one resource event to the managed set.
func (r *Reconciler) HandleEvent(ctx context.Context, ev *ResourceEvent) error {
	if ev == nil || ev.Name == "" {
		return faults.New(faults.KindValidation, "resource event requires a name").WithField("name")
	}
	key := resourceKey(ev.Namespace, ev.Name)

	switch ev.Type {
	case EventAdded, EventModified:
		r.mu.Lock()
		m, ok := r.deployed[key]
		if !ok {
			m = &managed{status: Status{
				Name:      ev.Name,
				Namespace: ev.Namespace,
				Phase:     PhasePending,
			}}
			r.deployed[key] = m
		}
		m.resource = ev.Resource
		r.mu.Unlock()
		r.logger.Info("resource observed", "key", key, "event_type", ev.Type)
		return r.Reconcile(ctx, ev.Namespace, ev.Name)

	case EventDeleted:
		r.mu.Lock()
		m, ok := r.deployed[key]
		if ok {
			m.status.Phase = PhaseDeleting
			delete(r.deployed, key)
		}
		r.mu.Unlock()
		if !ok {
			return faults.Newf(faults.KindNotFound, "resource %s not managed", key)
		}
		r.logger.Info("resource removed", "key", key)
		return nil

	default:
		return faults.Newf(faults.KindValidation, "unknown resource event type %q", ev.Type).WithField("type")
	}
}

// Reconcile recomputes the desired state and status for one deployment.
func (r *Reconciler) Reconcile(ctx context.Context, namespace, name string) error {
	key := resourceKey(namespace, name)

	r.mu.RLock()
	m, ok := r.deployed[key]
	r.mu.RUnlock()
	if !ok {
		return faults.Newf(faults.KindNotFound, "resource %s not managed", key)
	}

	replicas, depth, scaleErr := r.desiredReplicas(ctx)
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	m.desired = r.buildDesired(namespace, name, replicas, m.resource)
	m.status.DesiredReplicas = replicas
	m.status.Replicas = replicas
	m.status.LastReconciled = now
	m.status.Metrics = map[string]float64{
		"queue_depth":       depth,
		"tasks_per_replica": float64(r.tasksPerReplica),
	}

	conditions := []Condition{{
		Type:           "Reconciled",
		Status:         true,
		LastTransition: now,
	}}
	if scaleErr != nil {
		m.status.Phase = PhaseDegraded
		conditions = append(conditions, Condition{
			Type:           "MetricsAvailable",
			Status:         false,
			Reason:         "QueryFailed",
			Message:        scaleErr.Error(),
			LastTransition: now,
		})
	} else {
		m.status.Phase = PhaseRunning
		conditions = append(conditions, Condition{
			Type:           "MetricsAvailable",
			Status:         true,
			LastTransition: now,
		})
	}
	m.status.Conditions = conditions

	r.logger.Debug("reconciled",
		"key", key,
		"replicas", replicas,
		"queue_depth", depth,
		"phase", m.status.Phase)
	return nil
}

// desiredReplicas scales on queue depth at the configured tasks-per-replica
// ratio, clamped to the replica bounds. Falls back to the minimum when the
// metrics source fails.
func (r *Reconciler) desiredReplicas(ctx context.Context) (int, float64, error) {
	depth, err := r.source.QueryScalar(ctx, queueDepthQuery, nil)
	if err != nil {
		return r.minReplicas, 0, faults.Wrap(faults.KindExternalAPI, "queue depth query failed", err)
	}

	replicas := int(math.Ceil(depth / float64(r.tasksPerReplica)))
	if replicas < r.minReplicas {
		replicas = r.minReplicas
	}
	if replicas > r.maxReplicas {
		replicas = r.maxReplicas
	}
	return replicas, depth, nil
}

// buildDesired emits the opaque spec bundle for one deployment.
func (r *Reconciler) buildDesired(namespace, name string, replicas int, resource map[string]any) DesiredState {
	labels := map[string]any{
		"app":        name,
		"managed-by": "reguard",
	}
	return DesiredState{
		Deployment: map[string]any{
			"name":      name,
			"namespace": namespace,
			"replicas":  replicas,
			"labels":    labels,
			"spec":      resource,
		},
		Service: map[string]any{
			"name":      name,
			"namespace": namespace,
			"selector":  labels,
		},
		ConfigMap: map[string]any{
			"name":      name + "-config",
			"namespace": namespace,
		},
		ServiceAccount: map[string]any{
			"name":      name + "-sa",
			"namespace": namespace,
		},
	}
}

// StatusOf returns the reported status for one managed deployment.
func (r *Reconciler) StatusOf(namespace, name string) (*Status, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.deployed[resourceKey(namespace, name)]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "resource %s not managed", resourceKey(namespace, name))
	}
	st := m.status
	return &st, nil
}

// DesiredOf returns the emitted spec bundle for one managed deployment.
func (r *Reconciler) DesiredOf(namespace, name string) (*DesiredState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.deployed[resourceKey(namespace, name)]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "resource %s not managed", resourceKey(namespace, name))
	}
	d := m.desired
	return &d, nil
}

// Managed returns the keys of all managed deployments.
func (r *Reconciler) Managed() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.deployed))
	for k := range r.deployed {
		out = append(out, k)
	}
	return out
}

func resourceKey(namespace, name string) string {
	if namespace == "" {
		namespace = "default"
	}
	return fmt.Sprintf("%s/%s", namespace, name)
}
