package activities

import (
	"context"
	"encoding/json"
	"fmt"

	ferrors "github.com/orderflow/engine/internal/errors"
	"go.uber.org/zap"
)

// OrderActivities groups the Order Approval workflow's effect bodies. A
// zero-value OrderActivities is usable; Logger defaults to a no-op.
type OrderActivities struct {
	Logger *zap.Logger
}

func (a *OrderActivities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// ValidateOrder rejects orders with a non-positive total or a missing
// customer ID. Both conditions are business rules, not infrastructure
// failures, so the caller's retry policy must mark ValidationError
// non-retryable.
func (a *OrderActivities) ValidateOrder(_ context.Context, input []byte) ([]byte, error) {
	var order OrderSnapshot
	if err := json.Unmarshal(input, &order); err != nil {
		return nil, ferrors.ValidationError("malformed order snapshot: " + err.Error())
	}

	if order.TotalAmount <= 0 {
		return nil, ferrors.ValidationError(fmt.Sprintf("order %s has non-positive total %.2f", order.ID, order.TotalAmount))
	}
	if order.CustomerID == "" {
		return nil, ferrors.ValidationError(fmt.Sprintf("order %s is missing a customer id", order.ID))
	}

	a.logger().Info("order validated", zap.String("order_id", order.ID), zap.Float64("total_amount", order.TotalAmount))
	return json.Marshal(true)
}

type orderIDInput struct {
	OrderID string `json:"order_id"`
}

// NotifyManager records that a manager notification was sent for orders
// requiring approval. It has no business outcome to report beyond success.
func (a *OrderActivities) NotifyManager(_ context.Context, input []byte) ([]byte, error) {
	var in orderIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, ferrors.ValidationError("malformed notify_manager input: " + err.Error())
	}
	a.logger().Info("manager notified for approval", zap.String("order_id", in.OrderID))
	return json.Marshal(struct{}{})
}

// ProcessApprovedOrder marks an approved order as ready for fulfillment.
func (a *OrderActivities) ProcessApprovedOrder(_ context.Context, input []byte) ([]byte, error) {
	var in orderIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, ferrors.ValidationError("malformed process_approved_order input: " + err.Error())
	}
	a.logger().Info("order approved and queued for fulfillment", zap.String("order_id", in.OrderID))
	return json.Marshal(struct{}{})
}

// NotifyRejection records that a customer was told their order was rejected.
func (a *OrderActivities) NotifyRejection(_ context.Context, input []byte) ([]byte, error) {
	var in orderIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, ferrors.ValidationError("malformed notify_rejection input: " + err.Error())
	}
	a.logger().Info("customer notified of rejection", zap.String("order_id", in.OrderID))
	return json.Marshal(struct{}{})
}

// HandleCancellation records that an in-flight order was cancelled before
// a decision was reached.
func (a *OrderActivities) HandleCancellation(_ context.Context, input []byte) ([]byte, error) {
	var in orderIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, ferrors.ValidationError("malformed handle_cancellation input: " + err.Error())
	}
	a.logger().Info("order cancellation handled", zap.String("order_id", in.OrderID))
	return json.Marshal(struct{}{})
}

// CleanupOrder runs after a failed validation (VALIDATION_FAILED or
// AUTO_REJECTED), releasing any workflow-scoped resources tied to the order.
func (a *OrderActivities) CleanupOrder(_ context.Context, input []byte) ([]byte, error) {
	var in orderIDInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, ferrors.ValidationError("malformed cleanup_order input: " + err.Error())
	}
	a.logger().Info("order cleanup finalized", zap.String("order_id", in.OrderID))
	return json.Marshal(struct{}{})
}
