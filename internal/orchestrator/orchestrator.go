// Package orchestrator dispatches compliance events to registered agents
// through a bounded priority queue and a fixed worker pool, and supervises
// agent health.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reguard/reguard/internal/agent"
	"github.com/reguard/reguard/internal/config"
	"github.com/reguard/reguard/internal/event"
	"github.com/reguard/reguard/internal/faults"
	"github.com/reguard/reguard/internal/metrics"
)

// Status is a point-in-time snapshot of the orchestrator.
type Status struct {
	Running         bool                    `json:"running"`
	Workers         int                     `json:"workers"`
	QueueDepth      int                     `json:"queue_depth"`
	TasksSubmitted  uint64                  `json:"tasks_submitted"`
	TasksProcessed  uint64                  `json:"tasks_processed"`
	TasksFailed     uint64                  `json:"tasks_failed"`
	TasksRejected   uint64                  `json:"tasks_rejected"`
	TasksInProgress int64                   `json:"tasks_in_progress"`
	Agents          map[string]agent.Status `json:"agents"`
}

// Orchestrator owns the task queue, the worker pool, and the agent registry.
type Orchestrator struct {
	registry *Registry
	source   event.Source
	queue    *taskQueue
	logger   *slog.Logger

	workers             int
	taskTimeout         time.Duration
	healthCheckInterval time.Duration

	tasksSubmitted  atomic.Uint64
	tasksProcessed  atomic.Uint64
	tasksFailed     atomic.Uint64
	tasksRejected   atomic.Uint64
	tasksInProgress atomic.Int64

	lastHealthCheck atomic.Int64 // unix nanos

	wg       sync.WaitGroup
	stopCh   chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
}

// NewOrchestrator builds an orchestrator around a registry and an event
// source. Zero config fields fall back to defaults.
func NewOrchestrator(cfg config.OrchestratorConfig, registry *Registry, source event.Source, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	taskTimeout := cfg.TaskTimeout
	if taskTimeout <= 0 {
		taskTimeout = 30 * time.Second
	}
	healthInterval := cfg.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = 5 * time.Minute
	}
	return &Orchestrator{
		registry:            registry,
		source:              source,
		queue:               newTaskQueue(cfg.QueueCapacity),
		logger:              logger.With("component", "orchestrator.Orchestrator"),
		workers:             workers,
		taskTimeout:         taskTimeout,
		healthCheckInterval: healthInterval,
		stopCh:              make(chan struct{}),
	}
}

// Start launches the worker pool and the periodic health check loop.
func (o *Orchestrator) Start() {
	if !o.started.CompareAndSwap(false, true) {
		return
	}
	o.lastHealthCheck.Store(time.Now().UnixNano())
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker(i)
	}
	o.wg.Add(1)
	go o.healthLoop()
	o.logger.Info("orchestrator started", "workers", o.workers)
}

// Submit enqueues a task for execution. Returns false when the queue is full
// or the orchestrator is shutting down; rejected submissions do not count as
// submitted.
func (o *Orchestrator) Submit(t *Task) bool {
	if t == nil {
		return false
	}
	if !o.queue.push(t) {
		o.tasksRejected.Add(1)
		metrics.TasksRejected.Inc()
		o.logger.Warn("task rejected", "task_id", t.ID, "queue_depth", o.queue.depth())
		return false
	}
	o.tasksSubmitted.Add(1)
	metrics.TasksSubmitted.Inc()
	metrics.QueueDepth.Set(float64(o.queue.depth()))
	return true
}

// ProcessPendingEvents drains the event source and submits one task per
// event. Also runs an opportunistic health check when the interval has
// elapsed. Returns the number of tasks accepted.
func (o *Orchestrator) ProcessPendingEvents(ctx context.Context) int {
	events := o.source.Drain(0)
	accepted := 0
	for _, ev := range events {
		t := NewTask("", ev, priorityForSeverity(ev.Severity))
		if o.Submit(t) {
			accepted++
		}
	}

	last := time.Unix(0, o.lastHealthCheck.Load())
	if time.Since(last) >= o.healthCheckInterval {
		o.lastHealthCheck.Store(time.Now().UnixNano())
		o.registry.CheckHealth(ctx)
	}

	if accepted > 0 {
		o.logger.Debug("pending events dispatched", "accepted", accepted, "drained", len(events))
	}
	return accepted
}

// SetAgentEnabled soft-disables or re-enables an agent by type.
func (o *Orchestrator) SetAgentEnabled(agentType string, enabled bool) bool {
	ok := o.registry.SetEnabled(agentType, enabled)
	if ok {
		o.logger.Info("agent availability changed", "agent_type", agentType, "enabled", enabled)
	}
	return ok
}

// GetStatus snapshots counters, queue depth, and per-agent status.
func (o *Orchestrator) GetStatus() Status {
	return Status{
		Running:         o.started.Load(),
		Workers:         o.workers,
		QueueDepth:      o.queue.depth(),
		TasksSubmitted:  o.tasksSubmitted.Load(),
		TasksProcessed:  o.tasksProcessed.Load(),
		TasksFailed:     o.tasksFailed.Load(),
		TasksRejected:   o.tasksRejected.Load(),
		TasksInProgress: o.tasksInProgress.Load(),
		Agents:          o.registry.Statuses(),
	}
}

// Shutdown stops intake, lets workers drain the queue until ctx expires, and
// shuts down all registered agents. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var err error
	o.stopOnce.Do(func() {
		o.logger.Info("orchestrator shutting down", "queue_depth", o.queue.depth())
		o.queue.close()
		close(o.stopCh)

		done := make(chan struct{})
		go func() {
			o.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = faults.Wrap(faults.KindTimeout, "workers did not drain before deadline", ctx.Err())
		}

		for agentType := range o.registry.Statuses() {
			if uerr := o.registry.Unregister(ctx, agentType); uerr != nil {
				o.logger.Warn("agent unregister failed during shutdown", "agent_type", agentType, "error", uerr)
			}
		}
		o.started.Store(false)
		o.logger.Info("orchestrator stopped",
			"tasks_processed", o.tasksProcessed.Load(),
			"tasks_failed", o.tasksFailed.Load())
	})
	return err
}

func (o *Orchestrator) worker(id int) {
	defer o.wg.Done()
	for {
		t := o.queue.pop()
		if t == nil {
			return
		}
		metrics.QueueDepth.Set(float64(o.queue.depth()))
		o.execute(t)
	}
}

// execute runs one task to completion. A panicking agent fails the task but
// never takes the worker down.
func (o *Orchestrator) execute(t *Task) {
	o.tasksInProgress.Add(1)
	start := time.Now()

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = faults.Newf(faults.KindProcessing, "agent panicked: %v", r)
				o.logger.Error("task panicked", "task_id", t.ID, "panic", fmt.Sprint(r))
			}
		}()
		execErr = o.dispatch(t)
	}()

	duration := time.Since(start)
	o.tasksInProgress.Add(-1)

	status := "success"
	if execErr != nil {
		status = "failure"
		o.tasksFailed.Add(1)
		o.logger.Warn("task failed",
			"task_id", t.ID,
			"agent_type", t.AgentType,
			"duration_ms", duration.Milliseconds(),
			"error", execErr)
	} else {
		o.tasksProcessed.Add(1)
		o.logger.Debug("task completed",
			"task_id", t.ID,
			"agent_type", t.AgentType,
			"duration_ms", duration.Milliseconds())
	}
	metrics.RecordTaskComplete(t.AgentType, status, duration)

	t.notify(TaskResult{
		TaskID:   t.ID,
		Success:  execErr == nil,
		Err:      execErr,
		Duration: duration,
	})
}

func (o *Orchestrator) dispatch(t *Task) error {
	if t.Event == nil {
		return faults.New(faults.KindValidation, "task carries no event")
	}

	a, err := o.registry.Route(t.AgentType, t.Event.Kind)
	if err != nil {
		return err
	}
	t.AgentType = a.Type()
	if !o.registry.Usable(a.Type()) {
		return faults.Newf(faults.KindResource, "agent %s is unavailable", a.Type())
	}

	ctx, cancel := o.taskContext(t)
	defer cancel()

	if err := a.ProcessEvent(ctx, t.Event); err != nil {
		o.registry.recordTaskError(a.Type(), err.Error())
		return err
	}
	return nil
}

func (o *Orchestrator) taskContext(t *Task) (context.Context, context.CancelFunc) {
	if !t.Deadline.IsZero() {
		return context.WithDeadline(context.Background(), t.Deadline)
	}
	return context.WithTimeout(context.Background(), o.taskTimeout)
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.lastHealthCheck.Store(time.Now().UnixNano())
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if !o.registry.CheckHealth(ctx) {
				o.logger.Warn("periodic health check found unhealthy agents")
			}
			cancel()
		}
	}
}

func priorityForSeverity(s event.Severity) Priority {
	switch s {
	case event.SeverityLow:
		return PriorityLow
	case event.SeverityHigh:
		return PriorityHigh
	case event.SeverityCritical:
		return PriorityCritical
	}
	return PriorityNormal
}
