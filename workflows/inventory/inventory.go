// Package inventory implements the Inventory Saga workflow: check
// availability for every requested product, reserve them one at a time
// with reverse-order compensation on failure, hold the reservation open
// for a commit/cancel decision, then finalize by updating stock or
// releasing the reservation.
package inventory

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/workflow"
)

// WorkflowName is the registered type name for this workflow.
const WorkflowName = "InventorySaga"

// ReadOnlyOrderIDPrefix marks a run that only checks availability and never
// reserves, matching the order_id convention the reference implementation
// uses to distinguish a dry-run availability check from a real reservation.
const ReadOnlyOrderIDPrefix = "inventory_check_"

// ReservationWindow bounds how long a reservation waits for commit/cancel
// before the workflow treats the silence as a cancellation.
const ReservationWindow = 1 * time.Hour

// Status values for the Inventory Saga.
const (
	StatusPending   = "PENDING"
	StatusCompleted = "COMPLETED"
	StatusCancelled = "CANCELLED"
	StatusFailed    = "FAILED"
)

// RunInput is the workflow's start payload.
type RunInput struct {
	OrderID string                      `json:"order_id"`
	Updates []activities.InventoryUpdate `json:"inventory_updates"`
}

// Result is the workflow's terminal output, also reachable through
// get_status/get_reservation_details while running.
type Result struct {
	OrderID string                                      `json:"order_id"`
	Status  string                                      `json:"status"`
	Reason  string                                      `json:"reason,omitempty"`
	Checks  map[string]activities.InventoryCheckResult `json:"checks,omitempty"`
	Updates map[string]UpdateOutcome                   `json:"updates,omitempty"`
}

// UpdateOutcome is the per-product result of a post-commit update_inventory
// call, surfaced in Result so a failed stock decrement is visible on the
// instance that committed it rather than only in a log line.
type UpdateOutcome struct {
	Record *activities.UpdatedInventoryRecord `json:"record,omitempty"`
	Error  string                              `json:"error,omitempty"`
}

// Definition registers the Inventory Saga workflow on a task queue.
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
	input RunInput

	status string
	reason string

	checks       map[string]activities.InventoryCheckResult
	reservations map[string]activities.ReservationRecord
	updates      map[string]UpdateOutcome
	// reservedOrder tracks product IDs in exactly the order they were
	// reserved, so compensation can walk it in reverse.
	reservedOrder []string

	committed bool
	cancelled bool
}

func retryPolicy(nonRetryable ...ferrors.Kind) backoff.RetryPolicy {
	kinds := make([]string, len(nonRetryable))
	for i, k := range nonRetryable {
		kinds[i] = string(k)
	}
	return backoff.RetryPolicy{
		InitialInterval:        1 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        10 * time.Second,
		MaximumAttempts:        3,
		NonRetryableErrorKinds: kinds,
	}
}

func effectOptions(policy backoff.RetryPolicy, timeout time.Duration) workflow.StartEffectOptions {
	return workflow.StartEffectOptions{TaskQueue: activities.TaskQueueInventory, RetryPolicy: policy, StartToCloseTimeout: timeout}
}

func isReadOnly(orderID string) bool {
	return strings.HasPrefix(orderID, ReadOnlyOrderIDPrefix)
}

// OnSignal handles commit and cancel. Setting either is idempotent and they
// are mutually exclusive: whichever commits first in log order wins, so a
// later replay with more signal history can never flip a decision an
// earlier, shorter replay already committed to at the same position.
func (i *Instance) OnSignal(ctx *workflow.Context, name string, payload []byte) {
	switch name {
	case "commit":
		if !i.committed && !i.cancelled {
			i.committed = true
		}
	case "cancel":
		if !i.committed && !i.cancelled {
			i.cancelled = true
		}
	}
}

// OnQuery answers get_status, get_reservation_details, and get_result.
func (i *Instance) OnQuery(name string, args []byte) ([]byte, error) {
	switch name {
	case "get_status":
		return json.Marshal(i.status)
	case "get_reservation_details":
		return json.Marshal(i.reservations)
	case "get_result":
		return i.marshalResult()
	default:
		return nil, &ferrors.NotFoundError{EntityKind: "query", ID: name}
	}
}

// Run drives one turn of the Inventory Saga.
func (i *Instance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	if i.input.OrderID == "" {
		if err := json.Unmarshal(input, &i.input); err != nil {
			return nil, ferrors.ValidationError("malformed inventory saga input: " + err.Error())
		}
		i.status = StatusPending
		i.checks = make(map[string]activities.InventoryCheckResult, len(i.input.Updates))
		i.reservations = make(map[string]activities.ReservationRecord, len(i.input.Updates))
		i.updates = make(map[string]UpdateOutcome, len(i.input.Updates))
	}

	// Step 1: check availability for every product, short-circuiting FAILED
	// on the first one that isn't available.
	for _, upd := range i.input.Updates {
		checkInput, _ := json.Marshal(struct {
			ProductID string `json:"product_id"`
			Quantity  int    `json:"quantity"`
		}{upd.ProductID, abs(upd.QuantityChange)})
		fut := ctx.StartEffect("check_inventory", checkInput, effectOptions(retryPolicy(ferrors.KindNotFound), 10*time.Second))
		out, err := ctx.Await(fut)
		if err != nil {
			if err == workflow.ErrSuspended {
				return nil, err
			}
			var effErr *workflow.EffectError
			if isEffectError(err, &effErr) {
				i.status = StatusFailed
				i.reason = effErr.Message
				return i.marshalResult()
			}
			return nil, err
		}
		var result activities.InventoryCheckResult
		if err := json.Unmarshal(out, &result); err != nil {
			return nil, ferrors.ValidationError("malformed check_inventory output: " + err.Error())
		}
		i.checks[upd.ProductID] = result
		if !result.IsAvailable {
			i.status = StatusFailed
			i.reason = "insufficient inventory for product " + upd.ProductID
			return i.marshalResult()
		}
	}

	if isReadOnly(i.input.OrderID) {
		i.status = StatusCompleted
		return i.marshalResult()
	}

	// Step 2: reserve sequentially, compensating already-reserved products
	// in reverse order on any failure.
	for _, upd := range i.input.Updates {
		reserveInput, _ := json.Marshal(upd)
		fut := ctx.StartEffect("reserve_inventory", reserveInput, effectOptions(retryPolicy(ferrors.KindNotFound, ferrors.KindInsufficient), 15*time.Second))
		out, err := ctx.Await(fut)
		if err != nil {
			if err == workflow.ErrSuspended {
				return nil, err
			}
			var effErr *workflow.EffectError
			if isEffectError(err, &effErr) {
				i.reason = "failed to reserve product " + upd.ProductID + ": " + effErr.Message
				if cerr := i.compensate(ctx); cerr != nil {
					return nil, cerr
				}
				i.status = StatusFailed
				return i.marshalResult()
			}
			return nil, err
		}
		var rec activities.ReservationRecord
		if err := json.Unmarshal(out, &rec); err != nil {
			return nil, ferrors.ValidationError("malformed reserve_inventory output: " + err.Error())
		}
		i.reservations[upd.ProductID] = rec
		i.reservedOrder = append(i.reservedOrder, upd.ProductID)
	}

	// Step 3: hold the reservation open for a commit/cancel decision, or
	// the 1-hour window closing on its own — which this workflow treats
	// identically to a cancellation.
	timerFut := ctx.StartTimer(ReservationWindow)
	if err := ctx.WaitCondition(func() bool {
		return i.committed || i.cancelled || timerFut.IsReady() || ctx.CancelRequested()
	}); err != nil {
		return nil, err
	}

	// Step 4: finalize. An explicit commit signal always wins if present;
	// everything else (cancel signal, window expiry, external cancel) runs
	// compensation. External cancellation re-raises after compensating so
	// the instance closes in the engine's cancelled state rather than
	// completing normally.
	if i.committed {
		if err := i.finalizeCommit(ctx); err != nil {
			return nil, err
		}
		i.status = StatusCompleted
		out, _ := i.marshalResult()
		return out, nil
	}

	external := ctx.CancelRequested()
	if cerr := i.compensate(ctx); cerr != nil {
		return nil, cerr
	}
	i.status = StatusCancelled
	if external {
		return nil, &ferrors.CancelledError{}
	}
	return i.marshalResult()
}

// finalizeCommit applies update_inventory to every requested product, one at
// a time, awaiting each before starting the next so the instance only
// reaches COMPLETED once every update has actually settled. Individual
// failures are recorded into i.updates and logged, not compensated: once
// committed, the saga has no rollback path, only a per-product
// reconciliation signal. ErrSuspended propagates like it does from
// compensate, so a suspended turn resumes this same product on replay
// instead of marking the run complete out from under an in-flight effect.
func (i *Instance) finalizeCommit(ctx *workflow.Context) error {
	for _, upd := range i.input.Updates {
		updateInput, _ := json.Marshal(upd)
		fut := ctx.StartEffect("update_inventory", updateInput, effectOptions(backoff.RetryPolicy{MaximumAttempts: 1}, 15*time.Second))
		out, err := ctx.Await(fut)
		if err != nil {
			if err == workflow.ErrSuspended {
				return err
			}
			var effErr *workflow.EffectError
			msg := err.Error()
			if isEffectError(err, &effErr) {
				msg = effErr.Message
			}
			ctx.Logger().Error("post-commit inventory update failed for product " + upd.ProductID)
			i.updates[upd.ProductID] = UpdateOutcome{Error: msg}
			continue
		}
		var rec activities.UpdatedInventoryRecord
		if err := json.Unmarshal(out, &rec); err != nil {
			i.updates[upd.ProductID] = UpdateOutcome{Error: "malformed update_inventory output: " + err.Error()}
			continue
		}
		i.updates[upd.ProductID] = UpdateOutcome{Record: &rec}
	}
	return nil
}

// compensate releases every reservation in reservedOrder, walking it in
// reverse so the most recently reserved product is released first.
func (i *Instance) compensate(ctx *workflow.Context) error {
	for idx := len(i.reservedOrder) - 1; idx >= 0; idx-- {
		productID := i.reservedOrder[idx]
		upd := i.findUpdate(productID)
		unreserveInput, _ := json.Marshal(upd)
		fut := ctx.StartEffect("unreserve_inventory", unreserveInput, effectOptions(backoff.RetryPolicy{MaximumAttempts: 1}, 10*time.Second))
		if _, err := ctx.Await(fut); err != nil {
			if err == workflow.ErrSuspended {
				return err
			}
			ctx.Logger().Error("compensation failed for product " + productID)
		}
	}
	return nil
}

func (i *Instance) findUpdate(productID string) activities.InventoryUpdate {
	for _, upd := range i.input.Updates {
		if upd.ProductID == productID {
			return upd
		}
	}
	return activities.InventoryUpdate{ProductID: productID}
}

func (i *Instance) marshalResult() ([]byte, error) {
	return json.Marshal(Result{
		OrderID: i.input.OrderID,
		Status:  i.status,
		Reason:  i.reason,
		Checks:  i.checks,
		Updates: i.updates,
	})
}

func isEffectError(err error, target **workflow.EffectError) bool {
	if effErr, ok := err.(*workflow.EffectError); ok {
		*target = effErr
		return true
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
