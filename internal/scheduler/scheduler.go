// Package scheduler implements the dispatcher that drives workflow
// instances forward: it owns the single-writer discipline over each
// instance's event log, turns external requests (start, signal, cancel,
// query) into committed events, and runs effects and timers on the
// instance's behalf, feeding their outcomes back as new events that
// unblock the next workflow task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/registry"
	"github.com/orderflow/engine/workflow"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// defaultEffectConcurrency bounds how many effects run at once per task
// queue, in lieu of a real worker-pool / poller split a networked worker
// would use.
const defaultEffectConcurrency = 8

// Scheduler is the in-process dispatcher. One Scheduler serves any number
// of registered workflow types across any number of task queues.
type Scheduler struct {
	log      eventlog.Log
	registry *registry.Registry
	clock    Clock
	logger   *zap.Logger
	scope    tally.Scope
	tracer   opentracing.Tracer

	definitionsMu sync.RWMutex
	definitions   map[string]workflow.Definition

	instanceLocks sync.Map // workflowID -> *sync.Mutex

	timersMu sync.Mutex
	timers   map[string]pendingTimer

	semaphoresMu sync.Mutex
	semaphores   map[string]chan struct{}

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	// inFlightEffects counts effects currently dispatching, across every task
	// queue. atomic.Int64 rather than a mutex-guarded int since runEffect's
	// goroutines only ever increment/decrement it, never read-modify-write
	// anything else alongside it.
	inFlightEffects atomic.Int64

	wg sync.WaitGroup

	pollInterval time.Duration
	stopCh       chan struct{}
	stopped      sync.Once
}

type pendingTimer struct {
	WorkflowID string
	TimerID    string
	FireAt     time.Time
}

// New constructs a Scheduler. scope may be tally.NoopScope if the caller
// does not want metrics.
func New(log eventlog.Log, reg *registry.Registry, clock Clock, logger *zap.Logger, scope tally.Scope) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Scheduler{
		log:          log,
		registry:     reg,
		clock:        clock,
		logger:       logger,
		scope:        scope,
		tracer:       opentracing.NoopTracer{},
		definitions:  make(map[string]workflow.Definition),
		timers:       make(map[string]pendingTimer),
		semaphores:   make(map[string]chan struct{}),
		limiters:     make(map[string]*rate.Limiter),
		pollInterval: 50 * time.Millisecond,
		stopCh:       make(chan struct{}),
	}
}

// SetTracer installs an opentracing.Tracer used to emit spans around
// workflow task processing and effect dispatch. Left unset, the scheduler
// uses opentracing.NoopTracer{}.
func (s *Scheduler) SetTracer(tracer opentracing.Tracer) {
	if tracer != nil {
		s.tracer = tracer
	}
}

// SetPollInterval overrides the background timer poller's tick rate. Call
// before Start; it has no effect on an already-running poller.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// RegisterWorkflow binds a workflow type name to its Definition. Call this
// for every workflow type before Start or StartWorkflow.
func (s *Scheduler) RegisterWorkflow(def workflow.Definition) {
	s.definitionsMu.Lock()
	defer s.definitionsMu.Unlock()
	s.definitions[def.Name()] = def
}

func (s *Scheduler) definitionFor(workflowType string) (workflow.Definition, bool) {
	s.definitionsMu.RLock()
	defer s.definitionsMu.RUnlock()
	def, ok := s.definitions[workflowType]
	return def, ok
}

// Start launches the background timer poller. It returns immediately; call
// Stop to shut it down.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.FireDueTimers(ctx); err != nil {
					s.logger.Error("timer poll failed", zap.Error(err))
				}
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the background timer poller. It does not wait for in-flight
// workflow or effect tasks; call WaitIdle first if that's required.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
}

// WaitIdle blocks until every dispatched workflow/effect task has settled.
// Tests use this instead of sleeping to observe a converged state.
func (s *Scheduler) WaitIdle() {
	s.wg.Wait()
}

func (s *Scheduler) lockFor(workflowID string) *sync.Mutex {
	v, _ := s.instanceLocks.LoadOrStore(workflowID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SetQueueConcurrency bounds how many effects run at once on taskQueue. Call
// before any workflow on that queue starts; a queue that already has
// in-flight effects keeps its existing semaphore capacity.
func (s *Scheduler) SetQueueConcurrency(taskQueue string, concurrency int) {
	if concurrency <= 0 {
		return
	}
	s.semaphoresMu.Lock()
	defer s.semaphoresMu.Unlock()
	if _, exists := s.semaphores[taskQueue]; !exists {
		s.semaphores[taskQueue] = make(chan struct{}, concurrency)
	}
}

// InFlightEffects reports how many effects are currently dispatching across
// every task queue, for callers (health checks, metrics scrapers) that want
// a cheap point-in-time load signal without walking the event log.
func (s *Scheduler) InFlightEffects() int64 {
	return s.inFlightEffects.Load()
}

func (s *Scheduler) semaphoreFor(taskQueue string) chan struct{} {
	s.semaphoresMu.Lock()
	defer s.semaphoresMu.Unlock()
	sem, ok := s.semaphores[taskQueue]
	if !ok {
		sem = make(chan struct{}, defaultEffectConcurrency)
		s.semaphores[taskQueue] = sem
	}
	return sem
}

// SetQueueRateLimit caps how many effects per second may start dispatching
// on taskQueue, on top of the concurrency bound SetQueueConcurrency enforces
// — concurrency bounds how many run at once, this bounds how fast new ones
// may begin. burst allows a short catch-up after an idle period.
func (s *Scheduler) SetQueueRateLimit(taskQueue string, perSecond float64, burst int) {
	if perSecond <= 0 {
		return
	}
	if burst <= 0 {
		burst = 1
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	s.limiters[taskQueue] = rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (s *Scheduler) limiterFor(taskQueue string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	return s.limiters[taskQueue]
}

// StartWorkflow creates a new instance and schedules its first workflow
// task. It returns ferrors.ConflictError if a non-terminal instance with
// the same workflowID already exists.
func (s *Scheduler) StartWorkflow(ctx context.Context, workflowID, workflowType, taskQueue string, input []byte) (runID string, err error) {
	if _, ok := s.definitionFor(workflowType); !ok {
		return "", &ferrors.UnregisteredError{TaskQueue: taskQueue, Name: workflowType}
	}

	runID = uuid.NewString()
	now := s.clock.Now()
	instance := eventlog.WorkflowInstance{
		WorkflowID:   workflowID,
		RunID:        runID,
		WorkflowType: workflowType,
		TaskQueue:    taskQueue,
		Status:       eventlog.StatusRunning,
		CreatedAt:    now,
	}
	if err := s.log.CreateInstance(ctx, instance); err != nil {
		if err == eventlog.ErrAlreadyExists {
			return "", &ferrors.ConflictError{Message: fmt.Sprintf("workflow %q already started", workflowID)}
		}
		return "", err
	}

	if _, err := s.log.Append(ctx, workflowID, []eventlog.Event{{
		Type:      eventlog.EventWorkflowStarted,
		Input:     input,
		Timestamp: now,
	}}); err != nil {
		return "", err
	}

	s.trigger(workflowID)
	return runID, nil
}

// SignalWorkflow appends a SignalReceived event and wakes the instance.
func (s *Scheduler) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload []byte) error {
	meta, err := s.log.DescribeInstance(ctx, workflowID)
	if err != nil {
		if err == eventlog.ErrNotFound {
			return &ferrors.NotFoundError{EntityKind: "workflow", ID: workflowID}
		}
		return err
	}
	if meta.Status.IsTerminal() {
		return &ferrors.ConflictError{Message: fmt.Sprintf("workflow %q is not running", workflowID)}
	}

	if _, err := s.log.Append(ctx, workflowID, []eventlog.Event{{
		Type:          eventlog.EventSignalReceived,
		SignalName:    signalName,
		SignalPayload: payload,
		Timestamp:     s.clock.Now(),
	}}); err != nil {
		return err
	}

	s.trigger(workflowID)
	return nil
}

// CancelWorkflow appends a WorkflowCancelRequested event and wakes the
// instance so it can observe ctx.CancelRequested().
func (s *Scheduler) CancelWorkflow(ctx context.Context, workflowID string) error {
	meta, err := s.log.DescribeInstance(ctx, workflowID)
	if err != nil {
		if err == eventlog.ErrNotFound {
			return &ferrors.NotFoundError{EntityKind: "workflow", ID: workflowID}
		}
		return err
	}
	if meta.Status.IsTerminal() {
		return &ferrors.ConflictError{Message: fmt.Sprintf("workflow %q is not running", workflowID)}
	}

	if _, err := s.log.Append(ctx, workflowID, []eventlog.Event{{
		Type:      eventlog.EventWorkflowCancelRequested,
		Timestamp: s.clock.Now(),
	}}); err != nil {
		return err
	}

	s.trigger(workflowID)
	return nil
}

// DescribeWorkflow returns the instance's current metadata.
func (s *Scheduler) DescribeWorkflow(ctx context.Context, workflowID string) (eventlog.WorkflowInstance, error) {
	meta, err := s.log.DescribeInstance(ctx, workflowID)
	if err == eventlog.ErrNotFound {
		return eventlog.WorkflowInstance{}, &ferrors.NotFoundError{EntityKind: "workflow", ID: workflowID}
	}
	return meta, err
}

// QueryWorkflow replays the instance read-only and dispatches to its
// OnQuery handler. It never appends events.
func (s *Scheduler) QueryWorkflow(ctx context.Context, workflowID, queryName string, args []byte) ([]byte, error) {
	meta, err := s.log.DescribeInstance(ctx, workflowID)
	if err != nil {
		if err == eventlog.ErrNotFound {
			return nil, &ferrors.NotFoundError{EntityKind: "workflow", ID: workflowID}
		}
		return nil, err
	}

	def, ok := s.definitionFor(meta.WorkflowType)
	if !ok {
		return nil, &ferrors.UnregisteredError{TaskQueue: meta.TaskQueue, Name: meta.WorkflowType}
	}

	history, err := s.log.Read(ctx, workflowID, 1)
	if err != nil {
		return nil, err
	}

	inst := def.NewInstance()
	wctx := workflow.NewContext(history, s.logger, meta.CreatedAt, true)
	replaySignalsAndRun(inst, wctx, history)

	return inst.OnQuery(queryName, args)
}

func replaySignalsAndRun(inst workflow.Instance, wctx *workflow.Context, history []eventlog.Event) (output []byte, runErr error) {
	var input []byte
	for _, ev := range history {
		switch ev.Type {
		case eventlog.EventWorkflowStarted:
			input = ev.Input
		case eventlog.EventSignalReceived:
			inst.OnSignal(wctx, ev.SignalName, ev.SignalPayload)
		}
	}
	return inst.Run(wctx, input)
}

// trigger dispatches a workflow task for workflowID without blocking the
// caller. Multiple concurrent triggers for the same instance are safe:
// each task processing run re-reads history fresh and the per-instance
// mutex serializes them.
func (s *Scheduler) trigger(workflowID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processTask(context.Background(), workflowID)
	}()
}

func (s *Scheduler) processTask(ctx context.Context, workflowID string) {
	span := s.tracer.StartSpan("workflow.task")
	span.SetTag("workflow.id", workflowID)
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	mu := s.lockFor(workflowID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := s.log.DescribeInstance(ctx, workflowID)
	if err != nil {
		s.logger.Error("processTask: describe failed", zap.String("workflowID", workflowID), zap.Error(err))
		return
	}
	if meta.Status.IsTerminal() {
		return
	}

	def, ok := s.definitionFor(meta.WorkflowType)
	if !ok {
		s.failInstance(ctx, workflowID, meta, &ferrors.UnregisteredError{TaskQueue: meta.TaskQueue, Name: meta.WorkflowType})
		return
	}

	history, err := s.log.Read(ctx, workflowID, 1)
	if err != nil {
		s.logger.Error("processTask: read failed", zap.String("workflowID", workflowID), zap.Error(err))
		return
	}

	inst := def.NewInstance()
	wctx := workflow.NewContext(history, s.logger, meta.CreatedAt, false)
	output, runErr := replaySignalsAndRun(inst, wctx, history)
	decisions := wctx.Decisions()

	switch {
	case runErr == workflow.ErrSuspended:
		if len(decisions) == 0 {
			return
		}
		if _, err := s.log.Append(ctx, workflowID, decisions); err != nil {
			s.logger.Error("processTask: append decisions failed", zap.Error(err))
			return
		}
		s.afterAppend(workflowID, meta.TaskQueue, decisions)

	case runErr != nil:
		s.failInstance(ctx, workflowID, meta, runErr, decisions...)

	default:
		completed := eventlog.Event{
			Type:      eventlog.EventWorkflowCompleted,
			Output:    output,
			Timestamp: s.clock.Now(),
		}
		all := append(append([]eventlog.Event{}, decisions...), completed)
		if _, err := s.log.Append(ctx, workflowID, all); err != nil {
			s.logger.Error("processTask: append completion failed", zap.Error(err))
			return
		}
		if err := s.log.UpdateStatus(ctx, workflowID, eventlog.StatusCompleted, completed); err != nil {
			s.logger.Error("processTask: update status failed", zap.Error(err))
		}
		s.afterAppend(workflowID, meta.TaskQueue, decisions)
	}
}

// failInstance commits a WorkflowFailed terminal event carrying runErr's
// kind from ferrors.KindOf; a Cancelled-kind error ends the
// instance in StatusCancelled, everything else in StatusFailed. Any
// decisions produced in the same turn before the error are committed first.
func (s *Scheduler) failInstance(ctx context.Context, workflowID string, meta eventlog.WorkflowInstance, runErr error, decisions ...eventlog.Event) {
	now := s.clock.Now()
	terminal := eventlog.Event{
		Type:         eventlog.EventWorkflowFailed,
		ErrorKind:    string(ferrors.KindOf(runErr)),
		ErrorMessage: runErr.Error(),
		Timestamp:    now,
	}

	status := eventlog.StatusFailed
	if ferrors.IsCancelled(runErr) {
		status = eventlog.StatusCancelled
	}

	all := append(append([]eventlog.Event{}, decisions...), terminal)
	if _, err := s.log.Append(ctx, workflowID, all); err != nil {
		s.logger.Error("failInstance: append failed", zap.Error(err))
		return
	}
	if err := s.log.UpdateStatus(ctx, workflowID, status, terminal); err != nil {
		s.logger.Error("failInstance: update status failed", zap.Error(err))
	}
	s.afterAppend(workflowID, meta.TaskQueue, decisions)
}

// afterAppend reacts to the newly committed decisions of one turn:
// EffectScheduled decisions are dispatched to run, TimerStarted decisions
// are registered with the timer poller.
func (s *Scheduler) afterAppend(workflowID, taskQueue string, decisions []eventlog.Event) {
	for _, d := range decisions {
		switch d.Type {
		case eventlog.EventEffectScheduled:
			s.dispatchEffect(workflowID, taskQueue, d)
		case eventlog.EventTimerStarted:
			s.registerTimer(workflowID, d.TimerID, d.FireAt)
		}
	}
}

func (s *Scheduler) registerTimer(workflowID, timerID string, fireAt time.Time) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.timers[workflowID+"|"+timerID] = pendingTimer{WorkflowID: workflowID, TimerID: timerID, FireAt: fireAt}
}

// FireDueTimers fires every pending timer whose FireAt is not after the
// current clock time, appending TimerFired and waking the owning instance.
// It is called by the background poller and can also be called directly by
// tests driving a VirtualClock.
func (s *Scheduler) FireDueTimers(ctx context.Context) (fired int, err error) {
	now := s.clock.Now()

	s.timersMu.Lock()
	var due []pendingTimer
	for k, pt := range s.timers {
		if !pt.FireAt.After(now) {
			due = append(due, pt)
			delete(s.timers, k)
		}
	}
	s.timersMu.Unlock()

	for _, pt := range due {
		if _, err := s.log.Append(ctx, pt.WorkflowID, []eventlog.Event{{
			Type:      eventlog.EventTimerFired,
			TimerID:   pt.TimerID,
			Timestamp: now,
		}}); err != nil {
			return fired, err
		}
		s.trigger(pt.WorkflowID)
		fired++
	}
	return fired, nil
}

// dispatchEffect runs a scheduled effect to completion (including its own
// retry loop) on a bounded-concurrency goroutine per task queue, then
// commits the outcome and wakes the instance.
func (s *Scheduler) dispatchEffect(workflowID, taskQueue string, scheduled eventlog.Event) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		if lim := s.limiterFor(taskQueue); lim != nil {
			if err := lim.Wait(ctx); err != nil {
				s.logger.Warn("effect rate limiter wait failed", zap.String("task_queue", taskQueue), zap.Error(err))
			}
		}
		sem := s.semaphoreFor(taskQueue)
		sem <- struct{}{}
		defer func() { <-sem }()

		s.inFlightEffects.Inc()
		defer s.inFlightEffects.Dec()
		s.runEffect(ctx, workflowID, taskQueue, scheduled)
	}()
}

func (s *Scheduler) runEffect(ctx context.Context, workflowID, taskQueue string, scheduled eventlog.Event) {
	timer := s.scope.Tagged(map[string]string{"effect": scheduled.EffectName}).Timer("effect_latency").Start()
	defer timer.Stop()

	span := s.tracer.StartSpan("effect." + scheduled.EffectName)
	span.SetTag("workflow.id", workflowID)
	span.SetTag("task.queue", taskQueue)
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	spec, fn, ok := s.registry.Lookup(taskQueue, scheduled.EffectName)
	if !ok {
		s.commitEffectOutcome(ctx, workflowID, scheduled, nil, &ferrors.UnregisteredError{TaskQueue: taskQueue, Name: scheduled.EffectName}, 1, true)
		return
	}

	for attempt := 1; ; attempt++ {
		out, err := invokeEffect(ctx, fn, scheduled.EffectInput, spec.StartToCloseTimeout)
		if err == nil {
			s.commitEffectOutcome(ctx, workflowID, scheduled, out, nil, attempt, false)
			return
		}

		nonRetryable := ferrors.IsNonRetryable(err, spec.RetryPolicy.NonRetryableErrorKinds)
		exhausted := spec.RetryPolicy.MaximumAttempts > 0 && attempt >= spec.RetryPolicy.MaximumAttempts
		final := nonRetryable || exhausted

		s.commitEffectOutcome(ctx, workflowID, scheduled, nil, err, attempt, final)
		if final {
			return
		}

		backoffFor := computeBackoff(spec.RetryPolicy, attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoffFor):
		}
	}
}

func invokeEffect(ctx context.Context, fn registry.EffectFunc, input []byte, timeoutNanos int64) (out []byte, err error) {
	cctx := ctx
	if timeoutNanos > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutNanos))
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ferrors.PanicError{Value: r}
		}
	}()
	return fn(cctx, input)
}

func computeBackoff(policy backoff.RetryPolicy, attempt int) time.Duration {
	return backoff.NewRetrier(policy).ComputeBackoff(attempt)
}

func (s *Scheduler) commitEffectOutcome(ctx context.Context, workflowID string, scheduled eventlog.Event, output []byte, effectErr error, attempt int, final bool) {
	now := s.clock.Now()
	var ev eventlog.Event
	if effectErr == nil {
		ev = eventlog.Event{
			Type:         eventlog.EventEffectCompleted,
			EffectID:     scheduled.EffectID,
			EffectName:   scheduled.EffectName,
			EffectOutput: output,
			Timestamp:    now,
		}
	} else {
		ev = eventlog.Event{
			Type:         eventlog.EventEffectFailed,
			EffectID:     scheduled.EffectID,
			EffectName:   scheduled.EffectName,
			ErrorKind:    string(ferrors.KindOf(effectErr)),
			ErrorMessage: effectErr.Error(),
			Attempt:      attempt,
			Final:        final,
			Timestamp:    now,
		}
	}

	if _, err := s.log.Append(ctx, workflowID, []eventlog.Event{ev}); err != nil {
		s.logger.Error("commitEffectOutcome: append failed", zap.String("workflowID", workflowID), zap.Error(err))
		return
	}

	if effectErr == nil || final {
		s.trigger(workflowID)
	}
}
