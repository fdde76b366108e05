package orchestrator

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/reguard/reguard/internal/event"
)

// Priority orders tasks of equal arrival.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityHigh:
		return 3
	case PriorityCritical:
		return 4
	}
	return 2
}

// TaskResult reports one task's completion to its optional sink.
type TaskResult struct {
	TaskID   string
	Success  bool
	Err      error
	Duration time.Duration
}

// Task wraps one event for dispatch. CompletionSink, when non-nil, receives
// exactly one result; the send never blocks the worker (buffer or drop).
type Task struct {
	ID             string
	AgentType      string
	Event          *event.ComplianceEvent
	Priority       Priority
	Deadline       time.Time
	CompletionSink chan<- TaskResult

	createdAt time.Time
	seq       uint64 // FIFO order within a priority
}

var taskCounter atomic.Uint64

// NewTask builds a task with a process-unique id.
func NewTask(agentType string, ev *event.ComplianceEvent, priority Priority) *Task {
	now := time.Now()
	return &Task{
		ID:        fmt.Sprintf("task_%d_%d", now.UnixMicro(), taskCounter.Add(1)),
		AgentType: agentType,
		Event:     ev,
		Priority:  priority,
		createdAt: now,
	}
}

// notify delivers the result to the sink without blocking.
func (t *Task) notify(r TaskResult) {
	if t.CompletionSink == nil {
		return
	}
	select {
	case t.CompletionSink <- r:
	default:
	}
}
