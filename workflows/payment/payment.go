// Package payment implements the Payment workflow: submit a payment to the
// gateway, verify it if the gateway left it PROCESSING, then hold a
// bounded window open for a refund request against a COMPLETED payment.
package payment

import (
	"encoding/json"
	"time"

	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/workflow"
	"go.uber.org/zap"
)

// WorkflowName is the registered type name for this workflow.
const WorkflowName = "Payment"

// RefundWindow is how long a COMPLETED payment accepts request_refund
// before the workflow closes without one.
const RefundWindow = 24 * time.Hour

// Definition registers the Payment workflow on a task queue.
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
	payment         activities.PaymentSnapshot
	refundRequested bool
	cancelled       bool
}

func processRetryPolicy() backoff.RetryPolicy {
	return backoff.RetryPolicy{
		InitialInterval:        1 * time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        10 * time.Second,
		MaximumAttempts:        3,
		NonRetryableErrorKinds: []string{string(ferrors.KindValidation)},
	}
}

func effectOptions(policy backoff.RetryPolicy, timeout time.Duration) workflow.StartEffectOptions {
	return workflow.StartEffectOptions{TaskQueue: activities.TaskQueuePayment, RetryPolicy: policy, StartToCloseTimeout: timeout}
}

// OnSignal handles request_refund and cancel_payment. OnSignal replays every
// committed signal against a fresh Instance before Run sees any state, so it
// only ever records that a signal arrived; Run's COMPLETED-window
// WaitCondition is the sole gate on whether refundRequested is acted on.
func (i *Instance) OnSignal(ctx *workflow.Context, name string, payload []byte) {
	switch name {
	case "request_refund":
		i.refundRequested = true
	case "cancel_payment":
		i.cancelled = true
	}
}

// OnQuery answers get_status and get_details against the last replayed state.
func (i *Instance) OnQuery(name string, args []byte) ([]byte, error) {
	switch name {
	case "get_status":
		return json.Marshal(i.payment.Status)
	case "get_details":
		return json.Marshal(i.payment)
	default:
		return nil, &ferrors.NotFoundError{EntityKind: "query", ID: name}
	}
}

// Run drives one turn of the Payment workflow.
func (i *Instance) Run(ctx *workflow.Context, input []byte) ([]byte, error) {
	if i.payment.ID == "" {
		if err := json.Unmarshal(input, &i.payment); err != nil {
			return nil, ferrors.ValidationError("malformed payment input: " + err.Error())
		}
	}

	processInput, _ := json.Marshal(i.payment)
	processFut := ctx.StartEffect("process_payment", processInput, effectOptions(processRetryPolicy(), 30*time.Second))
	processOut, err := ctx.Await(processFut)
	if err != nil {
		if err == workflow.ErrSuspended {
			return nil, err
		}
		var effErr *workflow.EffectError
		if isEffectError(err, &effErr) {
			ctx.Logger().Error("payment processing failed", zap.String("payment_id", i.payment.ID), zap.String("kind", effErr.Kind))
			i.payment.Status = activities.PaymentFailed
			out, _ := json.Marshal(i.payment)
			return out, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(processOut, &i.payment); err != nil {
		return nil, ferrors.ValidationError("malformed process_payment output: " + err.Error())
	}

	if i.payment.Status == activities.PaymentProcessing {
		verifyInput, _ := json.Marshal(struct {
			PaymentID     string `json:"payment_id"`
			TransactionID string `json:"transaction_id"`
		}{i.payment.ID, fallbackTransactionID(i.payment.TransactionID)})
		verifyFut := ctx.StartEffect("verify_payment_status", verifyInput, effectOptions(backoff.RetryPolicy{MaximumAttempts: 1}, 20*time.Second))
		verifyOut, err := ctx.Await(verifyFut)
		if err != nil {
			if err == workflow.ErrSuspended {
				return nil, err
			}
			// Verification failures leave the payment PROCESSING rather than
			// propagating: the gateway's true state is still unknown, and
			// guessing FAILED or COMPLETED here would be worse than leaving
			// it for a later reconciliation pass.
			ctx.Logger().Error("payment status verification failed, leaving PROCESSING", zap.String("payment_id", i.payment.ID))
		} else {
			var check activities.PaymentStatusCheck
			if err := json.Unmarshal(verifyOut, &check); err == nil {
				i.payment.Status = check.Status
			}
		}
	}

	if i.payment.Status == activities.PaymentCompleted {
		timerFut := ctx.StartTimer(RefundWindow)
		if err := ctx.WaitCondition(func() bool {
			return i.refundRequested || i.cancelled || timerFut.IsReady() || ctx.CancelRequested()
		}); err != nil {
			return nil, err
		}

		if i.refundRequested {
			refundInput, _ := json.Marshal(i.payment)
			refundFut := ctx.StartEffect("refund_payment", refundInput, effectOptions(backoff.RetryPolicy{MaximumAttempts: 1}, 30*time.Second))
			refundOut, err := ctx.Await(refundFut)
			if err != nil {
				if err == workflow.ErrSuspended {
					return nil, err
				}
				// A failed refund never rolls back the prior success; the
				// payment stays COMPLETED.
				ctx.Logger().Error("refund failed, payment remains COMPLETED", zap.String("payment_id", i.payment.ID))
			} else if err2 := json.Unmarshal(refundOut, &i.payment); err2 != nil {
				return nil, ferrors.ValidationError("malformed refund_payment output: " + err2.Error())
			}
		}
		// If the timer fired, or cancellation arrived before a refund was
		// requested, the window simply closes: the payment stays COMPLETED
		// with no refund attempted.
	}

	out, _ := json.Marshal(i.payment)
	return out, nil
}

func fallbackTransactionID(id string) string {
	if id == "" {
		return "UNKNOWN"
	}
	return id
}

func isEffectError(err error, target **workflow.EffectError) bool {
	if effErr, ok := err.(*workflow.EffectError); ok {
		*target = effErr
		return true
	}
	return false
}
