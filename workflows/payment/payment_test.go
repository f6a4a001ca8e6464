package payment

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/registry"
	"github.com/orderflow/engine/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T) (*scheduler.Scheduler, *scheduler.VirtualClock) {
	t.Helper()
	log := eventlog.NewMemoryLog()
	reg := registry.New()
	activities.RegisterAll(reg, &activities.OrderActivities{}, activities.NewInventoryActivities(), &activities.PaymentActivities{})

	clock := scheduler.NewVirtualClock(time.Unix(0, 0))
	sched := scheduler.New(log, reg, clock, zap.NewNop(), nil)
	sched.RegisterWorkflow(NewDefinition(activities.TaskQueuePayment))
	return sched, clock
}

func startPayment(t *testing.T, sched *scheduler.Scheduler, id string, amount float64, method string) {
	t.Helper()
	input, _ := json.Marshal(activities.PaymentSnapshot{ID: id, OrderID: "order-" + id, Amount: amount, Method: method})
	_, err := sched.StartWorkflow(context.Background(), id, WorkflowName, activities.TaskQueuePayment, input)
	require.NoError(t, err)
}

func getDetails(t *testing.T, sched *scheduler.Scheduler, id string) activities.PaymentSnapshot {
	t.Helper()
	out, err := sched.QueryWorkflow(context.Background(), id, "get_details", nil)
	require.NoError(t, err)
	var p activities.PaymentSnapshot
	require.NoError(t, json.Unmarshal(out, &p))
	return p
}

func TestHappyPathCompletesWithoutRefund(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startPayment(t, sched, "pay-1", 100, activities.MethodCash)
	sched.WaitIdle()

	// cash never declines in the deterministic-default gateway, so the
	// payment reaches COMPLETED and then blocks on the refund window.
	assert.Equal(t, eventlog.StatusRunning, describeStatus(t, sched, "pay-1"))
	assert.Equal(t, activities.PaymentCompleted, getDetails(t, sched, "pay-1").Status)
}

func TestRefundAfterCompletionReachesRefunded(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startPayment(t, sched, "pay-2", 250, activities.MethodBankTransfer)
	sched.WaitIdle()
	require.Equal(t, activities.PaymentCompleted, getDetails(t, sched, "pay-2").Status)

	require.NoError(t, sched.SignalWorkflow(context.Background(), "pay-2", "request_refund", nil))
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "pay-2"))
	assert.Equal(t, activities.PaymentRefunded, getDetails(t, sched, "pay-2").Status)
}

func TestRefundWindowExpiryLeavesPaymentCompleted(t *testing.T) {
	sched, clock := newTestScheduler(t)
	startPayment(t, sched, "pay-3", 75, activities.MethodCash)
	sched.WaitIdle()
	require.Equal(t, activities.PaymentCompleted, getDetails(t, sched, "pay-3").Status)

	clock.Advance(RefundWindow)
	fired, err := sched.FireDueTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "pay-3"))
	assert.Equal(t, activities.PaymentCompleted, getDetails(t, sched, "pay-3").Status)

	// The workflow is terminal now; a late refund request is rejected
	// rather than silently ignored.
	err = sched.SignalWorkflow(context.Background(), "pay-3", "request_refund", nil)
	require.Error(t, err)
}

func TestRequestRefundRejectedAgainstTerminalFailedPayment(t *testing.T) {
	sched, _ := newTestScheduler(t)
	// A non-positive amount fails validation, so the workflow ends FAILED
	// without ever reaching the refund window.
	input, _ := json.Marshal(activities.PaymentSnapshot{ID: "pay-4", OrderID: "order-pay-4", Amount: 0, Method: activities.MethodCash})
	_, err := sched.StartWorkflow(context.Background(), "pay-4", WorkflowName, activities.TaskQueuePayment, input)
	require.NoError(t, err)
	sched.WaitIdle()

	assert.Equal(t, activities.PaymentFailed, getDetails(t, sched, "pay-4").Status)

	// FAILED is terminal, so a refund signal against it is rejected by the
	// scheduler before ever reaching OnSignal.
	err = sched.SignalWorkflow(context.Background(), "pay-4", "request_refund", nil)
	require.Error(t, err)
}

func describeStatus(t *testing.T, sched *scheduler.Scheduler, id string) eventlog.Status {
	t.Helper()
	meta, err := sched.DescribeWorkflow(context.Background(), id)
	require.NoError(t, err)
	return meta.Status
}
