package activities

import (
	"github.com/orderflow/engine/internal/common/backoff"
	ferrors "github.com/orderflow/engine/internal/errors"
	"github.com/orderflow/engine/internal/registry"
)

// Task queue names. Each domain workflow schedules effects only on its own
// queue, matching the per-queue worker pool sizing in internal/config.
const (
	TaskQueueOrder     = "order-task-queue"
	TaskQueuePayment   = "payment-task-queue"
	TaskQueueInventory = "inventory-task-queue"
)

// defaultPolicy is the retry contract shared by most effects: three
// attempts, one second initial backoff doubling up to ten seconds.
func defaultPolicy(nonRetryable ...ferrors.Kind) backoff.RetryPolicy {
	kinds := make([]string, len(nonRetryable))
	for i, k := range nonRetryable {
		kinds[i] = string(k)
	}
	return backoff.RetryPolicy{
		InitialInterval:        1_000_000_000,  // 1s
		BackoffCoefficient:     2.0,
		MaximumInterval:        10_000_000_000, // 10s
		MaximumAttempts:        3,
		NonRetryableErrorKinds: kinds,
	}
}

// RegisterAll binds every effect implementation to reg with the retry
// policy its contract requires. Call this once during worker bootstrap
// after constructing the three activity groups.
func RegisterAll(reg *registry.Registry, order *OrderActivities, inventory *InventoryActivities, payment *PaymentActivities) {
	reg.Register(registry.EffectSpec{
		Name: "validate_order", TaskQueue: TaskQueueOrder,
		RetryPolicy: backoff.RetryPolicy{
			InitialInterval:        2_000_000_000,  // 2s
			BackoffCoefficient:     2.0,
			MaximumInterval:        30_000_000_000, // 30s
			MaximumAttempts:        3,
			NonRetryableErrorKinds: []string{string(ferrors.KindValidation)},
		},
	}, order.ValidateOrder)
	reg.Register(registry.EffectSpec{
		Name: "notify_manager", TaskQueue: TaskQueueOrder,
		RetryPolicy: defaultPolicy(),
	}, order.NotifyManager)
	reg.Register(registry.EffectSpec{
		Name: "process_approved_order", TaskQueue: TaskQueueOrder,
		RetryPolicy: defaultPolicy(),
	}, order.ProcessApprovedOrder)
	reg.Register(registry.EffectSpec{
		Name: "notify_rejection", TaskQueue: TaskQueueOrder,
		RetryPolicy: defaultPolicy(),
	}, order.NotifyRejection)
	reg.Register(registry.EffectSpec{
		Name: "handle_cancellation", TaskQueue: TaskQueueOrder,
		RetryPolicy: defaultPolicy(),
	}, order.HandleCancellation)
	reg.Register(registry.EffectSpec{
		Name: "cleanup_order", TaskQueue: TaskQueueOrder,
		RetryPolicy: defaultPolicy(),
	}, order.CleanupOrder)

	reg.Register(registry.EffectSpec{
		Name: "check_inventory", TaskQueue: TaskQueueInventory,
		RetryPolicy: defaultPolicy(ferrors.KindNotFound),
	}, inventory.CheckInventory)
	reg.Register(registry.EffectSpec{
		Name: "reserve_inventory", TaskQueue: TaskQueueInventory,
		RetryPolicy: defaultPolicy(ferrors.KindNotFound, ferrors.KindInsufficient),
	}, inventory.ReserveInventory)
	reg.Register(registry.EffectSpec{
		Name: "update_inventory", TaskQueue: TaskQueueInventory,
		RetryPolicy: defaultPolicy(ferrors.KindNotFound),
	}, inventory.UpdateInventory)
	reg.Register(registry.EffectSpec{
		Name: "unreserve_inventory", TaskQueue: TaskQueueInventory,
		RetryPolicy: defaultPolicy(ferrors.KindNotFound),
	}, inventory.UnreserveInventory)

	reg.Register(registry.EffectSpec{
		Name: "process_payment", TaskQueue: TaskQueuePayment,
		RetryPolicy: defaultPolicy(ferrors.KindValidation),
	}, payment.ProcessPayment)
	reg.Register(registry.EffectSpec{
		Name: "refund_payment", TaskQueue: TaskQueuePayment,
		RetryPolicy: defaultPolicy(ferrors.KindValidation, ferrors.KindIllegalState),
	}, payment.RefundPayment)
	reg.Register(registry.EffectSpec{
		Name: "verify_payment_status", TaskQueue: TaskQueuePayment,
		RetryPolicy: backoff.RetryPolicy{MaximumAttempts: 1},
	}, payment.VerifyPaymentStatus)
}
