// Package workflow is the per-instance execution context exposed to
// workflow code: StartEffect, StartTimer, WaitCondition,
// Sleep, Now, Logger, and signal/query dispatch. Every API surface here is
// a deterministic function of the committed event log.
//
// Workflow code is not written as a stackful coroutine. A workflow turn is
// modeled as a plain Go function — Instance.Run — that the scheduler calls
// fresh from the top on every turn, suspending by returning ErrSuspended
// instead of blocking. Early StartEffect/StartTimer
// calls transparently resolve against already-committed history instead of
// doing real work, so execution fast-forwards through everything already
// decided and only produces new decisions (or suspends) once it reaches
// the live point of the log. This makes replay equivalent to a fold-left
// over the log, with no goroutine/channel machinery required.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/orderflow/engine/internal/common/backoff"
	"github.com/orderflow/engine/internal/eventlog"
	applog "github.com/orderflow/engine/internal/log"
	"go.uber.org/zap"
)

// ErrSuspended is returned by Await/WaitCondition/Sleep when the workflow
// task must yield control: the thing being awaited has no recorded outcome
// yet. Workflow code propagates it unchanged up to Instance.Run; the
// scheduler recognizes it as "suspend, don't fail" rather than a real
// workflow error.
var ErrSuspended = errors.New("workflow: suspended")

// StartEffectOptions is accepted by StartEffect but not recorded in the
// EffectScheduled decision: the scheduler runs the effect on the instance's
// task queue with the retry policy and timeout bound to the effect in the
// registry, so none of these fields changes how the effect runs.
type StartEffectOptions struct {
	TaskQueue           string
	RetryPolicy         backoff.RetryPolicy
	StartToCloseTimeout time.Duration
}

// Future is satisfied by both EffectFuture and TimerFuture so Context.Await
// can suspend on either uniformly.
type Future interface {
	ready() bool
	result() ([]byte, error)
}

// EffectFuture is returned by StartEffect.
type EffectFuture struct {
	isReady   bool
	output    []byte
	err       error
	EffectID  string
}

func (f *EffectFuture) ready() bool              { return f.isReady }
func (f *EffectFuture) result() ([]byte, error)   { return f.output, f.err }

// IsReady reports whether the effect has a recorded outcome yet, without
// suspending. Safe to call from a WaitCondition predicate alongside other
// futures to race an effect against a timer or a signal-driven flag.
func (f *EffectFuture) IsReady() bool { return f.isReady }

// TimerFuture is returned by StartTimer.
type TimerFuture struct {
	isReady bool
	TimerID string
}

func (f *TimerFuture) ready() bool            { return f.isReady }
func (f *TimerFuture) result() ([]byte, error) { return nil, nil }

// IsReady reports whether the timer has fired yet, without suspending. Safe
// to call from a WaitCondition predicate to race a timer against a signal.
func (f *TimerFuture) IsReady() bool { return f.isReady }

// Definition identifies a registered workflow type and how to construct a
// fresh instance for it.
type Definition interface {
	Name() string
	TaskQueue() string
	NewInstance() Instance
}

// Instance is the per-run state machine. Run is invoked fresh (zero-valued
// receiver) on every turn; it must derive all of its decisions purely from
// ctx and the input.
//
// OnSignal is invoked once per committed SignalReceived event, in log
// order, before Run is (re)invoked for the turn. It must not suspend.
//
// OnQuery answers a synchronous, read-only query against the instance's
// state as reconstructed by the most recent replay. It must not suspend or
// produce decisions.
type Instance interface {
	Run(ctx *Context, input []byte) (output []byte, err error)
	OnSignal(ctx *Context, name string, payload []byte)
	OnQuery(name string, args []byte) (result []byte, err error)
}

// Context is constructed fresh by the scheduler for every turn (a workflow
// task or a query) and discarded at the end of it.
type Context struct {
	history    []eventlog.Event
	commandSeq int64
	now        time.Time
	replaying  bool
	decisions  []eventlog.Event
	logger     *applog.ReplayAwareLogger
	readOnly   bool // true for query replay: StartEffect/StartTimer must not mint new decisions
}

// NewContext builds a Context over the committed history for one turn.
// startedAt seeds the logical clock when history has no events yet.
func NewContext(history []eventlog.Event, base *zap.Logger, startedAt time.Time, readOnly bool) *Context {
	ctx := &Context{
		history:   history,
		now:       startedAt,
		replaying: len(history) > 0,
		readOnly:  readOnly,
	}
	ctx.logger = applog.New(base, &ctx.replaying)
	if len(history) > 0 {
		ctx.now = history[len(history)-1].Timestamp
	}
	return ctx
}

// Decisions returns the new events this turn produced, ready to be
// appended to the log by the scheduler.
func (ctx *Context) Decisions() []eventlog.Event { return ctx.decisions }

// Now returns the logical time of the most recently observed event — the
// same value across every replay of this turn.
func (ctx *Context) Now() time.Time { return ctx.now }

// Logger returns a replay-deduplicated logger: lines logged while replaying
// an already-committed prefix are suppressed.
func (ctx *Context) Logger() *applog.ReplayAwareLogger { return ctx.logger }

// CancelRequested reports whether a WorkflowCancelRequested event has been
// committed for this instance.
func (ctx *Context) CancelRequested() bool {
	for _, ev := range ctx.history {
		if ev.Type == eventlog.EventWorkflowCancelRequested {
			return true
		}
	}
	return false
}

func (ctx *Context) findScheduledBySeq(seq int64, typ eventlog.EventType) *eventlog.Event {
	for i := range ctx.history {
		ev := &ctx.history[i]
		if ev.Type == typ && ev.CommandSeq == seq {
			return ev
		}
	}
	return nil
}

func (ctx *Context) findEffectOutcome(effectID string) (completed, failed *eventlog.Event) {
	for i := range ctx.history {
		ev := &ctx.history[i]
		if ev.EffectID != effectID {
			continue
		}
		switch ev.Type {
		case eventlog.EventEffectCompleted:
			completed = ev
		case eventlog.EventEffectFailed:
			if ev.Final {
				failed = ev
			}
		}
	}
	return completed, failed
}

func (ctx *Context) findTimerFired(timerID string) *eventlog.Event {
	for i := range ctx.history {
		ev := &ctx.history[i]
		if ev.Type == eventlog.EventTimerFired && ev.TimerID == timerID {
			return ev
		}
	}
	return nil
}

// StartEffect schedules a named effect. Awaiting the returned future
// (via Await) suspends the workflow task until the effect resolves
//.
func (ctx *Context) StartEffect(name string, input []byte, opts StartEffectOptions) *EffectFuture {
	ctx.commandSeq++
	seq := ctx.commandSeq

	scheduled := ctx.findScheduledBySeq(seq, eventlog.EventEffectScheduled)
	if scheduled == nil {
		ctx.replaying = false
		effectID := fmt.Sprintf("effect-%d", seq)
		if !ctx.readOnly {
			ctx.decisions = append(ctx.decisions, eventlog.Event{
				Type:        eventlog.EventEffectScheduled,
				CommandSeq:  seq,
				EffectID:    effectID,
				EffectName:  name,
				EffectInput: input,
				Timestamp:   ctx.now,
			})
		}
		return &EffectFuture{isReady: false, EffectID: effectID}
	}

	completed, failed := ctx.findEffectOutcome(scheduled.EffectID)
	switch {
	case completed != nil:
		ctx.now = completed.Timestamp
		return &EffectFuture{isReady: true, output: completed.EffectOutput, EffectID: scheduled.EffectID}
	case failed != nil:
		ctx.now = failed.Timestamp
		return &EffectFuture{isReady: true, err: reconstructEffectError(failed), EffectID: scheduled.EffectID}
	default:
		ctx.replaying = false
		return &EffectFuture{isReady: false, EffectID: scheduled.EffectID}
	}
}

// StartTimer starts a durable timer. Awaiting the returned future suspends
// until the timer fires.
func (ctx *Context) StartTimer(d time.Duration) *TimerFuture {
	ctx.commandSeq++
	seq := ctx.commandSeq

	scheduled := ctx.findScheduledBySeq(seq, eventlog.EventTimerStarted)
	if scheduled == nil {
		ctx.replaying = false
		timerID := fmt.Sprintf("timer-%d", seq)
		if !ctx.readOnly {
			ctx.decisions = append(ctx.decisions, eventlog.Event{
				Type:       eventlog.EventTimerStarted,
				CommandSeq: seq,
				TimerID:    timerID,
				FireAt:     ctx.now.Add(d),
				Timestamp:  ctx.now,
			})
		}
		return &TimerFuture{isReady: false, TimerID: timerID}
	}

	if fired := ctx.findTimerFired(scheduled.TimerID); fired != nil {
		ctx.now = fired.Timestamp
		return &TimerFuture{isReady: true, TimerID: scheduled.TimerID}
	}
	ctx.replaying = false
	return &TimerFuture{isReady: false, TimerID: scheduled.TimerID}
}

// Await blocks conceptually on f, returning ErrSuspended if f has no
// recorded outcome yet. Workflow code must propagate a non-nil error from
// Await straight up to Run.
func (ctx *Context) Await(f Future) ([]byte, error) {
	if !f.ready() {
		return nil, ErrSuspended
	}
	return f.result()
}

// WaitCondition re-evaluates pred, which must be a pure function of
// in-memory state already reconstructed by this turn's replay. It returns nil once pred is true, or ErrSuspended otherwise —
// the scheduler re-drives the task whenever a new event could change
// pred's truth value (signals, timers, effect completions).
func (ctx *Context) WaitCondition(pred func() bool) error {
	if pred() {
		return nil
	}
	ctx.replaying = false
	return ErrSuspended
}

// Sleep is sugar over StartTimer+Await.
func (ctx *Context) Sleep(d time.Duration) error {
	fut := ctx.StartTimer(d)
	_, err := ctx.Await(fut)
	return err
}

func reconstructEffectError(failed *eventlog.Event) error {
	return &EffectError{Kind: failed.ErrorKind, Message: failed.ErrorMessage, Attempt: failed.Attempt}
}

// EffectError is the terminal error surfaced to workflow code when an
// effect exhausts retries or fails non-retryably.
type EffectError struct {
	Kind    string
	Message string
	Attempt int
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect failed (%s, attempt %d): %s", e.Kind, e.Attempt, e.Message)
}
