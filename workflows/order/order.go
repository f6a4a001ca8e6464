// Package order implements the Order Approval workflow: validate an
// incoming order, notify a manager, wait for an approve/reject decision (or
// a cancellation), and run the matching terminal effect.
package order

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/workflow"
)

// Status values for the Order Approval state machine.
const (
	StatusCreated            = "CREATED"
	StatusValidationPending  = "VALIDATION_PENDING"
	StatusValidationFailed   = "VALIDATION_FAILED"
	StatusAutoRejected       = "AUTO_REJECTED"
	StatusPendingApproval    = "PENDING_APPROVAL"
	StatusApproved           = "APPROVED"
	StatusRejected           = "REJECTED"
	StatusApprovalTimedOut   = "APPROVAL_TIMEOUT"
	StatusCancelled          = "CANCELLED"
	StatusCompleted          = "COMPLETED"
)

// WorkflowName is the registered type name for this workflow.
const WorkflowName = "OrderApproval"

// Snapshot mirrors the order fields visible to get_details.
type Snapshot struct {
	ID          string  `json:"id"`
	CustomerID  string  `json:"customer_id"`
	TotalAmount float64 `json:"total_amount"`
	Status      string  `json:"status"`
}

// RunInput is the workflow's start payload. ApprovalTimeoutSeconds is
// optional; left zero, the PENDING_APPROVAL wait has no timeout.
type RunInput struct {
	ID                     string  `json:"id"`
	CustomerID             string  `json:"customer_id"`
	TotalAmount            float64 `json:"total_amount"`
	ApprovalTimeoutSeconds int64   `json:"approval_timeout_seconds,omitempty"`
}

// Definition registers the Order Approval workflow on a task queue.
type Definition struct {
	Queue string
}

// NewDefinition builds a Definition bound to queue.
func NewDefinition(queue string) Definition { return Definition{Queue: queue} }

func (d Definition) Name() string                  { return WorkflowName }
func (d Definition) TaskQueue() string              { return d.Queue }
func (d Definition) NewInstance() workflow.Instance { return &Instance{} }

// Instance is the per-run state machine. A fresh Instance is constructed for
// every replay turn; OnSignal replays the committed signal history onto it
// before Run derives this turn's decisions.
type Instance struct {
	order           Snapshot
	approvalTimeout time.Duration
	decision        string
	cancelled       bool
}

func validationRetryPolicy() backoff.RetryPolicy {
	return backoff.RetryPolicy{
		InitialInterval:        2 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        30 * time.Second,
		MaximumAttempts:        3,
		NonRetryableErrorKinds: []string{string(ferrors.KindValidation)},
	}
}

func effectOptions(taskQueue string, policy backoff.RetryPolicy) workflow.StartEffectOptions {
	return workflow.StartEffectOptions{TaskQueue: taskQueue, RetryPolicy: policy}
}

func idPayload(orderID string) []byte {
	b, _ := json.Marshal(struct {
		OrderID string `json:"order_id"`
	}{orderID})
	return b
}

// OnSignal handles provide_decision and cancel_order. A cancel is honored
// only before a decision has been recorded, matching the window the
// reference implementation allows ("non-terminal, non-post-decision
// states") as closely as a signal-only view of workflow progress permits.
func (i *Instance) OnSignal(ctx *workflow.Context, name string, payload []byte) {
	switch name {
	case "provide_decision":
		var msg struct {
			Decision string `json:"decision"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			ctx.Logger().Error("malformed provide_decision payload")
			return
		}
		dec := strings.ToLower(strings.TrimSpace(msg.Decision))
		if dec != "approved" && dec != "rejected" {
			ctx.Logger().Warn("ignoring invalid decision signal")
			return
		}
		if i.decision == "" && !i.cancelled {
			i.decision = dec
		} else {
			ctx.Logger().Info("decision signal ignored: a decision or cancellation already won")
		}
	case "cancel_order":
		if i.decision == "" && !i.cancelled {
			i.cancelled = true
		}
	}
}

// OnQuery answers get_status and get_details against the last replayed state.
func (i *Instance) OnQuery(name string, args []byte) ([]byte, error) {
	switch name {
	case "get_status":
		return json.Marshal(i.order.Status)
	case "get_details":
		return json.Marshal(i.order)
	default:
		return nil, &ferrors.NotFoundError{EntityKind: "query", ID: name}
	}
}

// Run drives one turn of the Order Approval state machine.
func (i *Instance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	if i.order.ID == "" {
		var in RunInput
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, ferrors.ValidationError("malformed order input: " + err.Error())
		}
		i.order = Snapshot{ID: in.ID, CustomerID: in.CustomerID, TotalAmount: in.TotalAmount}
		i.approvalTimeout = time.Duration(in.ApprovalTimeoutSeconds) * time.Second
	}
	i.order.Status = StatusValidationPending

	validateInput, _ := json.Marshal(activities.OrderSnapshot{
		ID: i.order.ID, CustomerID: i.order.CustomerID, TotalAmount: i.order.TotalAmount,
	})
	validateFut := ctx.StartEffect("validate_order", validateInput, effectOptions(activities.TaskQueueOrder, validationRetryPolicy()))
	if _, err := ctx.Await(validateFut); err != nil {
		if err == workflow.ErrSuspended {
			return nil, err
		}
		var effErr *workflow.EffectError
		if isEffectError(err, &effErr) {
			if effErr.Kind == string(ferrors.KindValidation) {
				i.order.Status = StatusValidationFailed
				return i.finalizeFailure(ctx)
			}
			i.order.Status = StatusAutoRejected
			return i.finalizeFailure(ctx)
		}
		return nil, err
	}

	// Cancellation is checked exactly once, right after this WaitCondition.
	// Checking it any earlier would gate a StartEffect call behind a flag
	// that can flip between replays (a cancel_order signal may commit after
	// an earlier, shorter replay already scheduled notify_manager at this
	// position), which would collide two different effects onto the same
	// command sequence slot. WaitCondition itself never consumes a command
	// sequence number, so it's the only safe place to branch on signal state.
	i.order.Status = StatusPendingApproval
	notifyFut := ctx.StartEffect("notify_manager", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
	if _, err := ctx.Await(notifyFut); err != nil {
		return nil, err
	}

	// approvalTimeout is fixed from the start input and identical on every
	// replay of this run, so starting (or not starting) this timer here is
	// stable across replays regardless of signal history — unlike a
	// signal-driven flag, it can never flip which branch a later replay with
	// more history takes at this command-sequence position.
	var timeoutFut *workflow.TimerFuture
	if i.approvalTimeout > 0 {
		timeoutFut = ctx.StartTimer(i.approvalTimeout)
	}
	if err := ctx.WaitCondition(func() bool {
		return i.decision != "" || i.cancelled || ctx.CancelRequested() || (timeoutFut != nil && timeoutFut.IsReady())
	}); err != nil {
		return nil, err
	}

	if done, out, err := i.checkCancellation(ctx); done {
		return out, err
	}

	if i.decision == "" && timeoutFut != nil && timeoutFut.IsReady() {
		i.order.Status = StatusApprovalTimedOut
		fut := ctx.StartEffect("notify_rejection", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
		if _, err := ctx.Await(fut); err != nil {
			return nil, err
		}
		i.order.Status = StatusCompleted
		out, _ := json.Marshal(i.order)
		return out, nil
	}

	switch i.decision {
	case "approved":
		i.order.Status = StatusApproved
		fut := ctx.StartEffect("process_approved_order", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
		if _, err := ctx.Await(fut); err != nil {
			return nil, err
		}
		i.order.Status = StatusCompleted
	case "rejected":
		i.order.Status = StatusRejected
		fut := ctx.StartEffect("notify_rejection", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
		if _, err := ctx.Await(fut); err != nil {
			return nil, err
		}
		i.order.Status = StatusCompleted
	}

	out, _ := json.Marshal(i.order)
	return out, nil
}

// checkCancellation finalizes the workflow if a cancellation has been
// observed (via cancel_order signal or external CancelWorkflow) and no
// decision has landed ahead of it. It returns done=true when Run should
// return immediately with the accompanying output/error.
func (i *Instance) checkCancellation(ctx *workflow.Context) (done bool, output []byte, err error) {
	if i.decision != "" {
		return false, nil, nil
	}
	external := ctx.CancelRequested()
	if !i.cancelled && !external {
		return false, nil, nil
	}

	i.order.Status = StatusCancelled
	fut := ctx.StartEffect("handle_cancellation", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
	if _, err := ctx.Await(fut); err != nil {
		return true, nil, err
	}

	if external {
		return true, nil, &ferrors.CancelledError{}
	}
	out, _ := json.Marshal(i.order)
	return true, out, nil
}

// finalizeFailure runs cleanup_order before returning a terminal,
// validation-driven or auto-rejected result. This wires a contract effect
// the reference workflow never called, following the same "cleanup after a
// failed run" intent its own activity module documents.
func (i *Instance) finalizeFailure(ctx *workflow.Context) ([]byte, error) {
	fut := ctx.StartEffect("cleanup_order", idPayload(i.order.ID), effectOptions(activities.TaskQueueOrder, backoff.RetryPolicy{MaximumAttempts: 3}))
	if _, err := ctx.Await(fut); err != nil {
		return nil, err
	}
	out, _ := json.Marshal(i.order)
	return out, nil
}

func isEffectError(err error, target **workflow.EffectError) bool {
	effErr, ok := err.(*workflow.EffectError)
	if !ok {
		return false
	}
	*target = effErr
	return true
}
