package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	ferrors "github.com/orderflow/engine/internal/errors"
	"go.uber.org/zap"
)

// gatewaySuccessRates mirrors the reference gateway's per-method approval
// likelihood, consulted only when Rand is non-nil.
var gatewaySuccessRates = map[string]float64{
	MethodCreditCard:   0.95,
	MethodBankTransfer: 0.98,
	MethodCash:         1.0,
	MethodEWallet:      0.90,
}

// PaymentActivities groups the Payment workflow's effect bodies around a
// simulated gateway. All simulated-failure behavior is opt-in: a zero-value
// PaymentActivities never fails a gateway call and never declines a
// transaction, so default construction is deterministic for testing. Set
// Rand to a math/rand-backed function to exercise the gateway's flaky
// behavior the reference implementation models.
type PaymentActivities struct {
	Logger *zap.Logger

	// GatewayFailureRate is the probability a process_payment call fails
	// with a retryable "service unavailable" error before reaching the
	// gateway at all. Zero by default.
	GatewayFailureRate float64
	// RefundFailureRate is the probability a refund_payment call fails
	// with a retryable gateway error. Zero by default.
	RefundFailureRate float64
	// Rand decides simulated outcomes: gateway failure, refund failure,
	// per-method decline, and verify_payment_status's status draw. Nil
	// means every simulated draw succeeds (COMPLETED, no declines).
	Rand func() float64

	txnSeq int64
}

func (a *PaymentActivities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// fails reports whether a draw against rate should be treated as a
// simulated failure/decline. With no Rand configured, nothing ever fails.
func (a *PaymentActivities) fails(rate float64) bool {
	if a.Rand == nil {
		return false
	}
	return a.Rand() < rate
}

func (a *PaymentActivities) nextTransactionID() string {
	n := atomic.AddInt64(&a.txnSeq, 1)
	return fmt.Sprintf("TXN-%06d", n)
}

// ProcessPayment submits a pending payment to the simulated gateway,
// returning a PaymentSnapshot with Status advanced to COMPLETED or FAILED.
// A non-positive Amount is rejected non-retryably; a simulated gateway
// outage surfaces as a retryable Transient error.
func (a *PaymentActivities) ProcessPayment(_ context.Context, input []byte) ([]byte, error) {
	var p PaymentSnapshot
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, ferrors.ValidationError("malformed payment snapshot: " + err.Error())
	}
	if p.Amount <= 0 {
		return nil, ferrors.ValidationError(fmt.Sprintf("payment %s amount must be positive, got %.2f", p.ID, p.Amount))
	}

	if a.fails(a.GatewayFailureRate) {
		a.logger().Warn("simulated payment service outage", zap.String("payment_id", p.ID))
		return nil, ferrors.TransientError("payment service temporarily unavailable", nil)
	}

	p.Status = PaymentProcessing

	rate, ok := gatewaySuccessRates[p.Method]
	if !ok {
		rate = 0.9
	}
	approved := !a.fails(1 - rate)

	now := time.Now().UTC()
	if approved {
		p.Status = PaymentCompleted
		p.TransactionID = a.nextTransactionID()
		p.UpdatedAt = now
		a.logger().Info("payment completed", zap.String("payment_id", p.ID), zap.String("transaction_id", p.TransactionID))
	} else {
		p.Status = PaymentFailed
		p.UpdatedAt = now
		a.logger().Error("payment gateway declined transaction", zap.String("payment_id", p.ID))
	}
	return json.Marshal(p)
}

// RefundPayment reverses a completed payment. Refunding anything other
// than a COMPLETED payment, or a completed payment missing a transaction
// ID, is a non-retryable IllegalState error. A simulated gateway outage
// surfaces as a retryable Transient error.
func (a *PaymentActivities) RefundPayment(_ context.Context, input []byte) ([]byte, error) {
	var p PaymentSnapshot
	if err := json.Unmarshal(input, &p); err != nil {
		return nil, ferrors.ValidationError("malformed payment snapshot: " + err.Error())
	}
	if p.Status != PaymentCompleted {
		return nil, ferrors.IllegalStateError(fmt.Sprintf("cannot refund payment %s with status %s", p.ID, p.Status))
	}
	if p.TransactionID == "" {
		return nil, ferrors.IllegalStateError(fmt.Sprintf("cannot refund payment %s without a transaction id", p.ID))
	}

	if a.fails(a.RefundFailureRate) {
		a.logger().Error("simulated refund gateway failure", zap.String("payment_id", p.ID))
		return nil, ferrors.TransientError("payment gateway unable to process refund", nil)
	}

	p.Status = PaymentRefunded
	p.UpdatedAt = time.Now().UTC()
	p.Description = fmt.Sprintf("refunded payment, original transaction %s", p.TransactionID)
	a.logger().Info("refund processed", zap.String("payment_id", p.ID))
	return json.Marshal(p)
}

// VerifyPaymentStatus asks the gateway to confirm a transaction's current
// status out-of-band of the original process_payment call. The workflow
// schedules it with a non-retrying policy: a single draw, reported as-is.
func (a *PaymentActivities) VerifyPaymentStatus(_ context.Context, input []byte) ([]byte, error) {
	var req struct {
		PaymentID     string `json:"payment_id"`
		TransactionID string `json:"transaction_id"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, ferrors.ValidationError("malformed verify_payment_status input: " + err.Error())
	}

	status := PaymentCompleted
	if a.Rand != nil {
		switch draw := a.Rand(); {
		case draw < 0.85:
			status = PaymentCompleted
		case draw < 0.95:
			status = PaymentFailed
		default:
			status = PaymentProcessing
		}
	}

	a.logger().Info("payment status verified", zap.String("payment_id", req.PaymentID), zap.String("status", status))
	result := PaymentStatusCheck{
		PaymentID:     req.PaymentID,
		TransactionID: req.TransactionID,
		Status:        status,
		VerifiedAt:    time.Now().UTC(),
	}
	return json.Marshal(result)
}
