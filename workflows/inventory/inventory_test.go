package inventory

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
	sched.RegisterWorkflow(NewDefinition(activities.TaskQueueInventory))
	return sched, clock
}

func startSaga(t *testing.T, sched *scheduler.Scheduler, id, orderID string, updates []activities.InventoryUpdate) {
	t.Helper()
	input, _ := json.Marshal(RunInput{OrderID: orderID, Updates: updates})
	_, err := sched.StartWorkflow(context.Background(), id, WorkflowName, activities.TaskQueueInventory, input)
	require.NoError(t, err)
}

func describeStatus(t *testing.T, sched *scheduler.Scheduler, id string) eventlog.Status {
	t.Helper()
	meta, err := sched.DescribeWorkflow(context.Background(), id)
	require.NoError(t, err)
	return meta.Status
}

func queryStatus(t *testing.T, sched *scheduler.Scheduler, id string) string {
	t.Helper()
	out, err := sched.QueryWorkflow(context.Background(), id, "get_status", nil)
	require.NoError(t, err)
	var s string
	require.NoError(t, json.Unmarshal(out, &s))
	return s
}

func reservationDetails(t *testing.T, sched *scheduler.Scheduler, id string) map[string]activities.ReservationRecord {
	t.Helper()
	out, err := sched.QueryWorkflow(context.Background(), id, "get_reservation_details", nil)
	require.NoError(t, err)
	var recs map[string]activities.ReservationRecord
	require.NoError(t, json.Unmarshal(out, &recs))
	return recs
}

func sagaResult(t *testing.T, sched *scheduler.Scheduler, id string) Result {
	t.Helper()
	out, err := sched.QueryWorkflow(context.Background(), id, "get_result", nil)
	require.NoError(t, err)
	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	return res
}

func TestReadOnlyCheckNeverReserves(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-check-1", "inventory_check_order-1",
		[]activities.InventoryUpdate{{ProductID: "PROD-001", QuantityChange: -5}})
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-check-1"))
	assert.Equal(t, StatusCompleted, queryStatus(t, sched, "inv-check-1"))
	assert.Empty(t, reservationDetails(t, sched, "inv-check-1"))
}

func TestCheckPhaseFailsOnInsufficientStock(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-2", "order-2",
		[]activities.InventoryUpdate{{ProductID: "PROD-005", QuantityChange: -100}})
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-2"))
	assert.Equal(t, StatusFailed, queryStatus(t, sched, "inv-2"))
	assert.Empty(t, reservationDetails(t, sched, "inv-2"))
}

func TestSagaSuccessCommitsAllReservations(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-3", "order-3", []activities.InventoryUpdate{
		{ProductID: "PROD-001", QuantityChange: -2},
		{ProductID: "PROD-002", QuantityChange: -3},
	})
	sched.WaitIdle()
	require.Equal(t, StatusPending, queryStatus(t, sched, "inv-3"))
	assert.Len(t, reservationDetails(t, sched, "inv-3"), 2)

	require.NoError(t, sched.SignalWorkflow(context.Background(), "inv-3", "commit", nil))
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-3"))
	assert.Equal(t, StatusCompleted, queryStatus(t, sched, "inv-3"))

	// The instance only reaches COMPLETED once every post-commit
	// update_inventory call has actually settled, and each outcome is
	// recorded per product rather than only logged.
	result := sagaResult(t, sched, "inv-3")
	require.Len(t, result.Updates, 2)
	for _, productID := range []string{"PROD-001", "PROD-002"} {
		outcome, ok := result.Updates[productID]
		require.True(t, ok, "missing update outcome for %s", productID)
		assert.Empty(t, outcome.Error)
		require.NotNil(t, outcome.Record)
		assert.Equal(t, productID, outcome.Record.ProductID)
	}
}

func TestReserveFailureCompensatesAlreadyReservedInReverseOrder(t *testing.T) {
	sched, _ := newTestScheduler(t)
	// Every check passes on its own (PROD-005 has 5 available, each request
	// is 3), so the saga reaches the reserve stage. PROD-003 and the first
	// PROD-005 reservation succeed; the second PROD-005 reservation finds
	// only 2 left and fails, triggering compensation of PROD-005 then
	// PROD-003.
	startSaga(t, sched, "inv-4", "order-4", []activities.InventoryUpdate{
		{ProductID: "PROD-003", QuantityChange: -5},
		{ProductID: "PROD-005", QuantityChange: -3},
		{ProductID: "PROD-005", QuantityChange: -3},
	})
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-4"))
	assert.Equal(t, StatusFailed, queryStatus(t, sched, "inv-4"))
}

func TestCancelSignalCompensatesAndEndsNormallyCancelled(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-5", "order-5", []activities.InventoryUpdate{
		{ProductID: "PROD-001", QuantityChange: -1},
	})
	sched.WaitIdle()
	require.Len(t, reservationDetails(t, sched, "inv-5"), 1)

	require.NoError(t, sched.SignalWorkflow(context.Background(), "inv-5", "cancel", nil))
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-5"))
	assert.Equal(t, StatusCancelled, queryStatus(t, sched, "inv-5"))
}

func TestReservationWindowExpiryTreatedAsCancellation(t *testing.T) {
	sched, clock := newTestScheduler(t)
	startSaga(t, sched, "inv-6", "order-6", []activities.InventoryUpdate{
		{ProductID: "PROD-002", QuantityChange: -1},
	})
	sched.WaitIdle()
	require.Equal(t, StatusPending, queryStatus(t, sched, "inv-6"))

	clock.Advance(ReservationWindow)
	fired, err := sched.FireDueTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCompleted, describeStatus(t, sched, "inv-6"))
	assert.Equal(t, StatusCancelled, queryStatus(t, sched, "inv-6"))
}

func TestExternalCancelDuringReservationWaitEndsInEngineCancelledStatus(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-7", "order-7", []activities.InventoryUpdate{
		{ProductID: "PROD-002", QuantityChange: -1},
	})
	sched.WaitIdle()

	require.NoError(t, sched.CancelWorkflow(context.Background(), "inv-7"))
	sched.WaitIdle()

	assert.Equal(t, eventlog.StatusCancelled, describeStatus(t, sched, "inv-7"))
}

func TestCommitSignalWinsOverLaterCancelSignal(t *testing.T) {
	sched, _ := newTestScheduler(t)
	startSaga(t, sched, "inv-8", "order-8", []activities.InventoryUpdate{
		{ProductID: "PROD-001", QuantityChange: -1},
	})
	sched.WaitIdle()

	require.NoError(t, sched.SignalWorkflow(context.Background(), "inv-8", "commit", nil))
	sched.WaitIdle()
	// Once committed and terminal, a later cancel signal is rejected by the
	// scheduler outright rather than reaching OnSignal.
	err := sched.SignalWorkflow(context.Background(), "inv-8", "cancel", nil)
	require.Error(t, err)

	assert.Equal(t, StatusCompleted, queryStatus(t, sched, "inv-8"))
}
