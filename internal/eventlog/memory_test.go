package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsDenseSequenceNumbers(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning}))

	seq, err := log.Append(ctx, "wf-1", []Event{
		{Type: EventWorkflowStarted, Timestamp: time.Now()},
		{Type: EventEffectScheduled, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	events, err := log.Read(ctx, "wf-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Seq)
	assert.Equal(t, int64(2), events[1].Seq)
}

func TestReadFromSeqIsRestartable(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1"}))
	_, err := log.Append(ctx, "wf-1", []Event{
		{Type: EventWorkflowStarted},
		{Type: EventEffectScheduled},
		{Type: EventEffectCompleted},
	})
	require.NoError(t, err)

	events, err := log.Read(ctx, "wf-1", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventEffectScheduled, events[0].Type)
	assert.Equal(t, EventEffectCompleted, events[1].Type)
}

func TestCreateInstanceRejectsDuplicateNonTerminal(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning}))

	err := log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning})
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCreateInstanceAllowsRestartAfterTerminal(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusCompleted}))

	err := log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning})
	assert.NoError(t, err)
}

func TestAppendUnknownInstanceFails(t *testing.T) {
	log := NewMemoryLog()
	_, err := log.Append(context.Background(), "missing", []Event{{Type: EventWorkflowStarted}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompactBeforeNoopsWithoutASnapshot(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusCompleted}))
	_, err := log.Append(ctx, "wf-1", []Event{{Type: EventWorkflowStarted}, {Type: EventWorkflowCompleted}})
	require.NoError(t, err)

	require.NoError(t, log.CompactBefore(ctx, "wf-1", 2))

	events, err := log.Read(ctx, "wf-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 2, "nothing is discarded without a covering snapshot")
}

func TestCompactBeforeDiscardsEventsCoveredBySnapshot(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusCompleted}))
	_, err := log.Append(ctx, "wf-1", []Event{
		{Type: EventWorkflowStarted},
		{Type: EventEffectScheduled},
		{Type: EventEffectCompleted},
	})
	require.NoError(t, err)
	require.NoError(t, log.PutSnapshot(ctx, "wf-1", Snapshot{UptoSeq: 2, State: []byte("COMPLETED")}))

	require.NoError(t, log.CompactBefore(ctx, "wf-1", 2))

	_, err = log.Read(ctx, "wf-1", 1)
	assert.ErrorIs(t, err, ErrCompacted)

	events, err := log.Read(ctx, "wf-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventEffectCompleted, events[0].Type)
	assert.Equal(t, int64(3), events[0].Seq)

	latest, err := log.LatestSeq(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)
}

func TestAppendAfterCompactionContinuesSequenceNumbering(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning}))
	_, err := log.Append(ctx, "wf-1", []Event{{Type: EventWorkflowStarted}, {Type: EventEffectScheduled}})
	require.NoError(t, err)
	require.NoError(t, log.PutSnapshot(ctx, "wf-1", Snapshot{UptoSeq: 2}))
	require.NoError(t, log.CompactBefore(ctx, "wf-1", 2))

	seq, err := log.Append(ctx, "wf-1", []Event{{Type: EventEffectCompleted}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), seq)
}

func TestUpdateStatusStampsClosedAtOnTerminal(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()
	require.NoError(t, log.CreateInstance(ctx, WorkflowInstance{WorkflowID: "wf-1", Status: StatusRunning}))

	closedAt := time.Now()
	require.NoError(t, log.UpdateStatus(ctx, "wf-1", StatusCompleted, Event{Timestamp: closedAt}))

	meta, err := log.DescribeInstance(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, meta.Status)
	assert.WithinDuration(t, closedAt, meta.ClosedAt, time.Millisecond)
}
