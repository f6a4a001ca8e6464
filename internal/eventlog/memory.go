package eventlog

import (
	"context"
	"sync"
)

type instanceLog struct {
	mu       sync.RWMutex
	meta     WorkflowInstance
	events   []Event
	snapshot Snapshot
	hasSnap  bool
	// compactedUpto is the Seq of the last event CompactBefore discarded.
	// events[0], if present, is always Seq compactedUpto+1.
	compactedUpto int64
}

// MemoryLog is an in-memory Log implementation. Persistence choice is
// explicitly unspecified; this is the reference store used by
// the worker process bootstrap and by every test in this repository. Each
// instance's events are held in its own guarded slice, giving the
// per-instance write lock the scheduler's cooperative model assumes,
// without needing a process-wide lock.
type MemoryLog struct {
	mu        sync.RWMutex
	instances map[string]*instanceLog
}

// NewMemoryLog constructs an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{instances: make(map[string]*instanceLog)}
}

func (m *MemoryLog) getInstance(workflowID string) (*instanceLog, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[workflowID]
	return inst, ok
}

// CreateInstance registers instance metadata and opens its log for writes.
func (m *MemoryLog) CreateInstance(_ context.Context, instance WorkflowInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.instances[instance.WorkflowID]; ok {
		existing.mu.RLock()
		stillRunning := !existing.meta.Status.IsTerminal()
		existing.mu.RUnlock()
		if stillRunning {
			return ErrAlreadyExists
		}
	}

	m.instances[instance.WorkflowID] = &instanceLog{meta: instance}
	return nil
}

// Append adds events to instance's log, assigning each a dense, strictly
// increasing sequence number and bumping the instance's logical clock.
func (m *MemoryLog) Append(_ context.Context, workflowID string, events []Event) (int64, error) {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return 0, ErrNotFound
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	seq := inst.compactedUpto + int64(len(inst.events))
	for i := range events {
		seq++
		events[i].Seq = seq
		inst.events = append(inst.events, events[i])
	}
	inst.meta.LogicalClock = seq
	return seq, nil
}

// Read returns committed events for workflowID starting at fromSeq.
func (m *MemoryLog) Read(_ context.Context, workflowID string, fromSeq int64) ([]Event, error) {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return nil, ErrNotFound
	}

	inst.mu.RLock()
	defer inst.mu.RUnlock()

	if fromSeq < 1 {
		fromSeq = 1
	}
	if fromSeq <= inst.compactedUpto {
		return nil, ErrCompacted
	}
	idx := fromSeq - inst.compactedUpto - 1
	if idx >= int64(len(inst.events)) {
		return nil, nil
	}
	out := make([]Event, int64(len(inst.events))-idx)
	copy(out, inst.events[idx:])
	return out, nil
}

// LatestSeq returns the highest committed sequence number for workflowID.
func (m *MemoryLog) LatestSeq(_ context.Context, workflowID string) (int64, error) {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return 0, ErrNotFound
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.compactedUpto + int64(len(inst.events)), nil
}

// PutSnapshot stores a compaction snapshot.
func (m *MemoryLog) PutSnapshot(_ context.Context, workflowID string, snap Snapshot) error {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.snapshot = snap
	inst.hasSnap = true
	return nil
}

// GetSnapshot returns the most recently stored snapshot, if any.
func (m *MemoryLog) GetSnapshot(_ context.Context, workflowID string) (Snapshot, bool, error) {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return Snapshot{}, false, ErrNotFound
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.snapshot, inst.hasSnap, nil
}

// DescribeInstance returns the current metadata for workflowID.
func (m *MemoryLog) DescribeInstance(_ context.Context, workflowID string) (WorkflowInstance, error) {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return WorkflowInstance{}, ErrNotFound
	}
	inst.mu.RLock()
	defer inst.mu.RUnlock()
	return inst.meta, nil
}

// UpdateStatus transitions workflowID to status and, for terminal statuses,
// stamps ClosedAt with terminalEvent's Timestamp. It appends nothing to the
// log; the caller appends the terminal event itself.
func (m *MemoryLog) UpdateStatus(_ context.Context, workflowID string, status Status, terminalEvent Event) error {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	inst.meta.Status = status
	if status.IsTerminal() {
		inst.meta.ClosedAt = terminalEvent.Timestamp
	}
	return nil
}

// CompactBefore drops events at or before uptoSeq once a snapshot covering
// that sequence is on record, shrinking the in-memory slice a long-running
// or terminal instance has accumulated. Read(ctx, id, fromSeq) for any
// fromSeq <= uptoSeq afterward returns ErrCompacted; callers that compact
// must always replay from the stored snapshot first.
func (m *MemoryLog) CompactBefore(_ context.Context, workflowID string, uptoSeq int64) error {
	inst, ok := m.getInstance(workflowID)
	if !ok {
		return ErrNotFound
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if !inst.hasSnap || inst.snapshot.UptoSeq < uptoSeq {
		return nil
	}
	if uptoSeq <= inst.compactedUpto {
		return nil
	}
	drop := uptoSeq - inst.compactedUpto
	if drop > int64(len(inst.events)) {
		drop = int64(len(inst.events))
	}
	inst.events = append([]Event(nil), inst.events[drop:]...)
	inst.compactedUpto = uptoSeq
	return nil
}

// AllInstanceIDs returns every known workflow ID; used by the maintenance
// sweep to find terminal instances to checkpoint.
func (m *MemoryLog) AllInstanceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.instances))
	for id := range m.instances {
		ids = append(ids, id)
	}
	return ids
}
