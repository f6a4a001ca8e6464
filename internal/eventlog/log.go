package eventlog

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an operation targets an instance the log
// store has no record of.
var ErrNotFound = errors.New("eventlog: instance not found")

// Snapshot compacts replay cost by recording a serialized mid-execution
// state alongside the sequence number it was taken at. Replay with a snapshot starts from UptoSeq+1.
type Snapshot struct {
	UptoSeq int64
	State   []byte
}

// Log is the durable state log contract. A single writer
// (the scheduler) appends to any one instance's log at a time; readers
// (replay, queries, observability) may read committed events concurrently
// without locking.
type Log interface {
	// Append atomically adds events to instance's log, returning the
	// sequence number assigned to the last one. It fails only if the
	// backing store fails.
	Append(ctx context.Context, instanceID string, events []Event) (lastSeq int64, err error)

	// Read returns all committed events for instance from fromSeq
	// (inclusive) onward. It never returns a partially-committed event.
	Read(ctx context.Context, instanceID string, fromSeq int64) ([]Event, error)

	// LatestSeq returns the sequence number of the most recently committed
	// event for instance, or 0 if none has been appended yet.
	LatestSeq(ctx context.Context, instanceID string) (int64, error)

	// PutSnapshot stores a compaction snapshot for instance.
	PutSnapshot(ctx context.Context, instanceID string, snap Snapshot) error

	// GetSnapshot returns the most recent snapshot for instance, if any.
	GetSnapshot(ctx context.Context, instanceID string) (Snapshot, bool, error)

	// CompactBefore discards events at or before uptoSeq, provided a
	// snapshot covering at least that sequence has already been stored via
	// PutSnapshot. It is a no-op if no such snapshot exists. Replay after
	// compaction starts from the snapshot, never from Read(ctx, id, 1).
	CompactBefore(ctx context.Context, instanceID string, uptoSeq int64) error

	// CreateInstance registers new workflow instance metadata. It returns
	// ErrAlreadyExists if a non-terminal instance with the same
	// WorkflowID already exists.
	CreateInstance(ctx context.Context, instance WorkflowInstance) error

	// DescribeInstance returns the current metadata for a workflow ID.
	DescribeInstance(ctx context.Context, workflowID string) (WorkflowInstance, error)

	// UpdateStatus transitions an instance's status and, for terminal
	// statuses, stamps ClosedAt.
	UpdateStatus(ctx context.Context, workflowID string, status Status, closedAt Event) error
}

// ErrAlreadyExists is returned by CreateInstance when a non-terminal
// instance with the same WorkflowID is already running.
var ErrAlreadyExists = errors.New("eventlog: workflow already started")

// ErrCompacted is returned by Read when fromSeq falls at or before the log's
// compaction boundary; the caller must replay from GetSnapshot instead.
var ErrCompacted = errors.New("eventlog: requested sequence has been compacted")
