package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/registry"
	"github.com/orderflow/engine/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

// TestMain verifies no test in this package leaks a dispatchEffect goroutine
// past WaitIdle — every test here drives the scheduler via FireDueTimers and
// WaitIdle rather than Start, so no background poller goroutine should ever
// outlive a single test either.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoDefinition runs a single effect and completes with its output.
type echoDefinition struct{}

func (echoDefinition) Name() string                     { return "echo" }
func (echoDefinition) TaskQueue() string                 { return "echo-queue" }
func (echoDefinition) NewInstance() workflow.Instance    { return &echoInstance{} }

type echoInstance struct{}

func (i *echoInstance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	fut := ctx.StartEffect("echo_effect", input, workflow.StartEffectOptions{})
	return ctx.Await(fut)
}
func (i *echoInstance) OnSignal(ctx *workflow.Context, name string, payload []byte) {}
func (i *echoInstance) OnQuery(name string, args []byte) ([]byte, error)           { return []byte("no-query"), nil }

// gatedDefinition waits for a "release" signal before completing.
type gatedDefinition struct{}

func (gatedDefinition) Name() string                  { return "gated" }
func (gatedDefinition) TaskQueue() string              { return "gated-queue" }
func (gatedDefinition) NewInstance() workflow.Instance { return &gatedInstance{} }

type gatedInstance struct {
	released bool
}

func (i *gatedInstance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	if err := ctx.WaitCondition(func() bool { return i.released }); err != nil {
		return nil, err
	}
	return []byte("released"), nil
}
func (i *gatedInstance) OnSignal(ctx *workflow.Context, name string, payload []byte) {
	if name == "release" {
		i.released = true
	}
}
func (i *gatedInstance) OnQuery(name string, args []byte) ([]byte, error) { return nil, nil }

// timerDefinition completes once a timer fires.
type timerDefinition struct{ delay time.Duration }

func (d timerDefinition) Name() string                  { return "timed" }
func (d timerDefinition) TaskQueue() string              { return "timed-queue" }
func (d timerDefinition) NewInstance() workflow.Instance { return &timerInstance{delay: d.delay} }

type timerInstance struct{ delay time.Duration }

func (i *timerInstance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	if err := ctx.Sleep(i.delay); err != nil {
		return nil, err
	}
	return []byte("woke"), nil
}
func (i *timerInstance) OnSignal(ctx *workflow.Context, name string, payload []byte) {}
func (i *timerInstance) OnQuery(name string, args []byte) ([]byte, error)           { return nil, nil }

// rejectingDefinition returns a non-retryable validation error from its effect.
type rejectingDefinition struct{}

func (rejectingDefinition) Name() string                  { return "rejecting" }
func (rejectingDefinition) TaskQueue() string              { return "reject-queue" }
func (rejectingDefinition) NewInstance() workflow.Instance { return &rejectingInstance{} }

type rejectingInstance struct{}

func (i *rejectingInstance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	fut := ctx.StartEffect("always_rejects", input, workflow.StartEffectOptions{})
	return ctx.Await(fut)
}
func (i *rejectingInstance) OnSignal(ctx *workflow.Context, name string, payload []byte) {}
func (i *rejectingInstance) OnQuery(name string, args []byte) ([]byte, error)           { return nil, nil }

func newTestScheduler(t *testing.T) (*Scheduler, *eventlog.MemoryLog, *registry.Registry, *VirtualClock) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	reg := registry.New()
	clock := NewVirtualClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sched := New(log, reg, clock, zap.NewNop(), nil)
	return sched, log, reg, clock
}

func TestStartWorkflowRunsEffectAndCompletes(t *testing.T) {
	sched, log, reg, _ := newTestScheduler(t)
	reg.Register(registry.EffectSpec{Name: "echo_effect", TaskQueue: "echo-queue"}, func(_ context.Context, input []byte) ([]byte, error) {
		return append([]byte("echoed:"), input...), nil
	})
	sched.RegisterWorkflow(echoDefinition{})

	_, err := sched.StartWorkflow(context.Background(), "wf-1", "echo", "echo-queue", []byte("hi"))
	require.NoError(t, err)
	sched.WaitIdle()

	meta, err := sched.DescribeWorkflow(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusCompleted, meta.Status)

	history, err := log.Read(context.Background(), "wf-1", 1)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, eventlog.EventWorkflowCompleted, last.Type)
	assert.Equal(t, []byte("echoed:hi"), last.Output)
}

func TestSignalWorkflowUnblocksWaitCondition(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t)
	sched.RegisterWorkflow(gatedDefinition{})

	_, err := sched.StartWorkflow(context.Background(), "wf-gated", "gated", "gated-queue", nil)
	require.NoError(t, err)
	sched.WaitIdle()

	meta, _ := sched.DescribeWorkflow(context.Background(), "wf-gated")
	assert.Equal(t, eventlog.StatusRunning, meta.Status, "must still be suspended before the signal arrives")

	require.NoError(t, sched.SignalWorkflow(context.Background(), "wf-gated", "release", nil))
	sched.WaitIdle()

	meta, _ = sched.DescribeWorkflow(context.Background(), "wf-gated")
	assert.Equal(t, eventlog.StatusCompleted, meta.Status)
}

func TestVirtualClockFiresTimerAndResumesWorkflow(t *testing.T) {
	sched, _, _, clock := newTestScheduler(t)
	sched.RegisterWorkflow(timerDefinition{delay: time.Hour})

	_, err := sched.StartWorkflow(context.Background(), "wf-timer", "timed", "timed-queue", nil)
	require.NoError(t, err)
	sched.WaitIdle()

	meta, _ := sched.DescribeWorkflow(context.Background(), "wf-timer")
	assert.Equal(t, eventlog.StatusRunning, meta.Status)

	fired, err := sched.FireDueTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "timer must not fire before it is due")

	clock.Advance(time.Hour)
	fired, err = sched.FireDueTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	sched.WaitIdle()

	meta, _ = sched.DescribeWorkflow(context.Background(), "wf-timer")
	assert.Equal(t, eventlog.StatusCompleted, meta.Status)
}

func TestNonRetryableEffectFailureFailsWorkflow(t *testing.T) {
	sched, _, reg, _ := newTestScheduler(t)
	reg.Register(registry.EffectSpec{
		Name:      "always_rejects",
		TaskQueue: "reject-queue",
		RetryPolicy: backoff.RetryPolicy{
			InitialInterval:        time.Millisecond,
			BackoffCoefficient:     2,
			MaximumAttempts:        5,
			NonRetryableErrorKinds: []string{string(ferrors.KindValidation)},
		},
	}, func(context.Context, []byte) ([]byte, error) {
		return nil, ferrors.ValidationError("bad input")
	})
	sched.RegisterWorkflow(rejectingDefinition{})

	_, err := sched.StartWorkflow(context.Background(), "wf-reject", "rejecting", "reject-queue", nil)
	require.NoError(t, err)
	sched.WaitIdle()

	meta, err := sched.DescribeWorkflow(context.Background(), "wf-reject")
	require.NoError(t, err)
	assert.Equal(t, eventlog.StatusFailed, meta.Status)
}

func TestStartWorkflowDuplicateIDConflicts(t *testing.T) {
	sched, _, _, _ := newTestScheduler(t)
	sched.RegisterWorkflow(gatedDefinition{})

	_, err := sched.StartWorkflow(context.Background(), "wf-dup", "gated", "gated-queue", nil)
	require.NoError(t, err)

	_, err = sched.StartWorkflow(context.Background(), "wf-dup", "gated", "gated-queue", nil)
	var conflict *ferrors.ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestQueueRateLimitDelaysEffectDispatch(t *testing.T) {
	sched, _, reg, _ := newTestScheduler(t)
	reg.Register(registry.EffectSpec{Name: "echo_effect", TaskQueue: "echo-queue"}, func(_ context.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	sched.RegisterWorkflow(echoDefinition{})
	sched.SetQueueRateLimit("echo-queue", 1, 1)

	start := time.Now()
	_, err := sched.StartWorkflow(context.Background(), "wf-rl-1", "echo", "echo-queue", []byte("a"))
	require.NoError(t, err)
	_, err = sched.StartWorkflow(context.Background(), "wf-rl-2", "echo", "echo-queue", []byte("b"))
	require.NoError(t, err)
	sched.WaitIdle()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "second dispatch on a 1/sec-limited queue must wait for a token")

	for _, id := range []string{"wf-rl-1", "wf-rl-2"} {
		meta, err := sched.DescribeWorkflow(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, eventlog.StatusCompleted, meta.Status)
	}
}

func TestQueryWorkflowDoesNotMutateLog(t *testing.T) {
	sched, log, reg, _ := newTestScheduler(t)
	reg.Register(registry.EffectSpec{Name: "echo_effect", TaskQueue: "echo-queue"}, func(_ context.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	sched.RegisterWorkflow(echoDefinition{})

	_, err := sched.StartWorkflow(context.Background(), "wf-query", "echo", "echo-queue", []byte("x"))
	require.NoError(t, err)
	sched.WaitIdle()

	before, err := log.LatestSeq(context.Background(), "wf-query")
	require.NoError(t, err)

	_, err = sched.QueryWorkflow(context.Background(), "wf-query", "status", nil)
	require.NoError(t, err)

	after, err := log.LatestSeq(context.Background(), "wf-query")
	require.NoError(t, err)
	assert.Equal(t, before, after, "queries must never append events")
}
