// Package eventlog implements the durable state log: an
// append-only, per-instance event log that records every non-deterministic
// observation a workflow made, so the workflow can be replayed from scratch
// and reach the same decisions deterministically.
package eventlog

import "time"

// Status is a WorkflowInstance's lifecycle state.
type Status string

const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusTerminated Status = "TERMINATED"
)

// IsTerminal reports whether s is an absorbing state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTerminated:
		return true
	default:
		return false
	}
}

// EventType enumerates the event variants recorded in an instance's log.
type EventType string

const (
	EventWorkflowStarted        EventType = "WorkflowStarted"
	EventEffectScheduled        EventType = "EffectScheduled"
	EventEffectCompleted        EventType = "EffectCompleted"
	EventEffectFailed           EventType = "EffectFailed"
	EventTimerStarted           EventType = "TimerStarted"
	EventTimerFired             EventType = "TimerFired"
	EventSignalReceived         EventType = "SignalReceived"
	EventWorkflowCompleted      EventType = "WorkflowCompleted"
	EventWorkflowFailed         EventType = "WorkflowFailed"
	EventWorkflowCancelRequested EventType = "WorkflowCancelRequested"
)

// Event is a single, immutable entry in an instance's log. Seq is dense and
// strictly increasing per instance. CommandSeq is
// populated only for EffectScheduled/TimerStarted events: it is the index,
// in call order, of the StartEffect/StartTimer invocation that produced it,
// and is how replay matches a workflow-code call site back to its recorded
// outcome (see package workflow).
type Event struct {
	Seq        int64
	Type       EventType
	Timestamp  time.Time
	CommandSeq int64

	// EffectScheduled / EffectCompleted / EffectFailed
	EffectID      string
	EffectName    string
	EffectInput   []byte
	EffectOutput  []byte
	ErrorKind     string
	ErrorMessage  string
	Attempt       int
	Final         bool // EffectFailed only: true once non-retryable or attempts exhausted

	// TimerStarted / TimerFired
	TimerID string
	FireAt  time.Time

	// SignalReceived
	SignalName    string
	SignalPayload []byte

	// WorkflowStarted
	Input []byte

	// WorkflowCompleted
	Output []byte
}

// WorkflowInstance is the metadata record tracked for a running or
// completed instance.
type WorkflowInstance struct {
	WorkflowID   string
	RunID        string
	WorkflowType string
	TaskQueue    string
	Status       Status
	CreatedAt    time.Time
	ClosedAt     time.Time
	// LogicalClock increases monotonically with each appended event.
	LogicalClock int64
}
