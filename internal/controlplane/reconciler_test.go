package controlplane

import (
	"context"
	"errors"
	"testing"

	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
)

func newTestReconciler(depth float64) (*Reconciler, *metrics.FuncSource) {
	source := metrics.NewFuncSource()
	source.Register(queueDepthQuery, func(ctx context.Context, labels map[string]string) (float64, error) {
		return depth, nil
	})
	return NewReconciler(source, 100, 1, 10, nil), source
}

func addResource(t *testing.T, r *Reconciler, name string) {
	t.Helper()
	err := r.HandleEvent(context.Background(), &ResourceEvent{
		Type:      EventAdded,
		Name:      name,
		Namespace: "compliance",
		Resource:  map[string]any{"image": "reguard:latest"},
	})
	if err != nil {
		t.Fatalf("HandleEvent(ADDED %s): %v", name, err)
	}
}

func TestAddedResourceReconciles(t *testing.T) {
	r, _ := newTestReconciler(250)
	addResource(t, r, "detector")

	st, err := r.StatusOf("compliance", "detector")
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if st.Phase != PhaseRunning {
		t.Errorf("phase = %s, want RUNNING", st.Phase)
	}
	// ceil(250 / 100) = 3 replicas.
	if st.Replicas != 3 {
		t.Errorf("replicas = %d, want 3", st.Replicas)
	}
	if st.Metrics["queue_depth"] != 250 {
		t.Errorf("queue_depth metric = %v, want 250", st.Metrics["queue_depth"])
	}

	desired, err := r.DesiredOf("compliance", "detector")
	if err != nil {
		t.Fatalf("DesiredOf: %v", err)
	}
	if desired.Deployment["replicas"] != 3 {
		t.Errorf("deployment replicas = %v, want 3", desired.Deployment["replicas"])
	}
	if desired.Deployment["namespace"] != "compliance" {
		t.Errorf("deployment namespace = %v", desired.Deployment["namespace"])
	}
	if desired.Service["name"] != "detector" {
		t.Errorf("service name = %v", desired.Service["name"])
	}
	if desired.ServiceAccount["name"] != "detector-sa" {
		t.Errorf("service account name = %v", desired.ServiceAccount["name"])
	}
}

func TestReplicaBounds(t *testing.T) {
	cases := []struct {
		depth float64
		want  int
	}{
		{0, 1},     // floor at minReplicas
		{1, 1},     // ceil(1/100) = 1
		{100, 1},   // exactly one replica of work
		{101, 2},   // spills into a second replica
		{5000, 10}, // capped at maxReplicas
	}
	for _, tc := range cases {
		r, _ := newTestReconciler(tc.depth)
		addResource(t, r, "detector")
		st, err := r.StatusOf("compliance", "detector")
		if err != nil {
			t.Fatalf("StatusOf: %v", err)
		}
		if st.Replicas != tc.want {
			t.Errorf("depth %v: replicas = %d, want %d", tc.depth, st.Replicas, tc.want)
		}
	}
}

func TestModifiedUpdatesResource(t *testing.T) {
	r, _ := newTestReconciler(50)
	addResource(t, r, "detector")

	err := r.HandleEvent(context.Background(), &ResourceEvent{
		Type:        EventModified,
		Name:        "detector",
		Namespace:   "compliance",
		Resource:    map[string]any{"image": "reguard:v2"},
		OldResource: map[string]any{"image": "reguard:latest"},
	})
	if err != nil {
		t.Fatalf("HandleEvent(MODIFIED): %v", err)
	}

	desired, err := r.DesiredOf("compliance", "detector")
	if err != nil {
		t.Fatalf("DesiredOf: %v", err)
	}
	spec := desired.Deployment["spec"].(map[string]any)
	if spec["image"] != "reguard:v2" {
		t.Errorf("spec image = %v, want reguard:v2", spec["image"])
	}
}

func TestDeletedRemovesResource(t *testing.T) {
	r, _ := newTestReconciler(50)
	addResource(t, r, "detector")

	err := r.HandleEvent(context.Background(), &ResourceEvent{
		Type:      EventDeleted,
		Name:      "detector",
		Namespace: "compliance",
	})
	if err != nil {
		t.Fatalf("HandleEvent(DELETED): %v", err)
	}
	if _, err := r.StatusOf("compliance", "detector"); faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("StatusOf after delete kind = %v, want NOT_FOUND", faults.KindOf(err))
	}
	if got := len(r.Managed()); got != 0 {
		t.Errorf("managed count = %d, want 0", got)
	}

	// Deleting again reports NOT_FOUND.
	err = r.HandleEvent(context.Background(), &ResourceEvent{
		Type:      EventDeleted,
		Name:      "detector",
		Namespace: "compliance",
	})
	if faults.KindOf(err) != faults.KindNotFound {
		t.Errorf("second delete kind = %v, want NOT_FOUND", faults.KindOf(err))
	}
}

func TestMetricsFailureDegrades(t *testing.T) {
	source := metrics.NewFuncSource()
	source.Register(queueDepthQuery, func(ctx context.Context, labels map[string]string) (float64, error) {
		return 0, errors.New("backend down")
	})
	r := NewReconciler(source, 100, 2, 10, nil)
	addResource(t, r, "detector")

	st, err := r.StatusOf("compliance", "detector")
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if st.Phase != PhaseDegraded {
		t.Errorf("phase = %s, want DEGRADED", st.Phase)
	}
	// Falls back to the replica floor.
	if st.Replicas != 2 {
		t.Errorf("replicas = %d, want 2", st.Replicas)
	}

	var metricsCond *Condition
	for i := range st.Conditions {
		if st.Conditions[i].Type == "MetricsAvailable" {
			metricsCond = &st.Conditions[i]
		}
	}
	if metricsCond == nil {
		t.Fatal("MetricsAvailable condition missing")
	}
	if metricsCond.Status {
		t.Error("MetricsAvailable status = true, want false")
	}
	if metricsCond.Reason != "QueryFailed" {
		t.Errorf("condition reason = %q, want QueryFailed", metricsCond.Reason)
	}
}

func TestEventValidation(t *testing.T) {
	r, _ := newTestReconciler(0)
	ctx := context.Background()

	if err := r.HandleEvent(ctx, nil); faults.KindOf(err) != faults.KindValidation {
		t.Errorf("nil event kind = %v, want VALIDATION", faults.KindOf(err))
	}
	err := r.HandleEvent(ctx, &ResourceEvent{Type: "SCALED", Name: "x"})
	if faults.KindOf(err) != faults.KindValidation {
		t.Errorf("unknown type kind = %v, want VALIDATION", faults.KindOf(err))
	}
}

func TestDefaultNamespaceKey(t *testing.T) {
	r, _ := newTestReconciler(10)
	if err := r.HandleEvent(context.Background(), &ResourceEvent{
		Type: EventAdded,
		Name: "solo",
	}); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if _, err := r.StatusOf("", "solo"); err != nil {
		t.Errorf("StatusOf with empty namespace: %v", err)
	}
	if got := r.Managed(); len(got) != 1 || got[0] != "default/solo" {
		t.Errorf("Managed() = %v, want [default/solo]", got)
	}
}
