// Package registry implements the effect registry: a
// registry of named, idempotent-capable side-effecting operations
// ("activities") keyed by (taskQueue, name), each bound to a typed Go
// function and a retry contract. Workflows refer to effects by name for
// wire portability; the dispatcher resolves the binding at invocation time.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
)

// EffectFunc is the shape every registered effect implementation has: a
// pure-ish async function from a serialized input to a serialized output.
// Implementations live under activities/ and are responsible for their own
// idempotency discipline.
type EffectFunc func(ctx context.Context, input []byte) (output []byte, err error)

// EffectSpec binds a name to its retry contract, timeout, and task-queue
// assignment.
type EffectSpec struct {
	Name             string
	TaskQueue        string
	RetryPolicy      backoff.RetryPolicy
	StartToCloseTimeout int64 // nanoseconds; 0 means no timeout enforced
}

type binding struct {
	spec EffectSpec
	fn   EffectFunc
}

// Registry resolves (taskQueue, name) to a bound effect implementation.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]binding
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{bindings: make(map[string]binding)}
}

func key(taskQueue, name string) string { return taskQueue + "\x00" + name }

// Register binds spec to fn. It panics on duplicate registration for the
// same (taskQueue, name) pair — that is a startup-time programming error,
// not a runtime condition workflows can observe.
func (r *Registry) Register(spec EffectSpec, fn EffectFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(spec.TaskQueue, spec.Name)
	if _, exists := r.bindings[k]; exists {
		panic(fmt.Sprintf("registry: effect %q already registered on task queue %q", spec.Name, spec.TaskQueue))
	}
	r.bindings[k] = binding{spec: spec, fn: fn}
}

// Lookup resolves a binding. An unbound effect name causes
// EffectFailed(kind=Unregistered) without invocation, so
// callers (the scheduler) must treat a not-ok result as a terminal,
// non-retryable failure rather than a transient one.
func (r *Registry) Lookup(taskQueue, name string) (EffectSpec, EffectFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[key(taskQueue, name)]
	if !ok {
		return EffectSpec{}, nil, false
	}
	return b.spec, b.fn, true
}

// Invoke resolves and calls the effect named by taskQueue/name, recovering
// from panics and classifying them per the default retry classification:
// panics and unknown exceptions are retryable by default, unless the kind
// is listed in nonRetryableKinds.
func (r *Registry) Invoke(ctx context.Context, taskQueue, name string, input []byte) (output []byte, spec EffectSpec, err error) {
	spec, fn, ok := r.Lookup(taskQueue, name)
	if !ok {
		return nil, EffectSpec{}, &ferrors.UnregisteredError{TaskQueue: taskQueue, Name: name}
	}

	output, err = invokeRecovering(ctx, fn, input)
	return output, spec, err
}

func invokeRecovering(ctx context.Context, fn EffectFunc, input []byte) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ferrors.PanicError{Value: r}
		}
	}()
	return fn(ctx, input)
}
