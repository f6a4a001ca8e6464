package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	ferrors "github.com/orderflow/engine/internal/errors"
	"go.uber.org/zap"
)

// stockItem is the in-memory stand-in for the warehouse's inventory record.
type stockItem struct {
	Quantity int
	Reserved int
}

// InventoryActivities groups the Inventory Saga workflow's effect bodies
// around a small in-memory product catalog seeded with the same five SKUs
// the reference implementation ships. FlakeRate, when non-zero, makes
// ReserveInventory and UpdateInventory simulate a transient downstream
// service outage at that probability; it defaults to 0 so a freshly
// constructed InventoryActivities behaves deterministically.
type InventoryActivities struct {
	Logger *zap.Logger

	// FlakeRate is the probability (0..1) that the simulated inventory
	// service call fails with a retryable error. Zero by default.
	FlakeRate float64
	// Rand, if set, decides a flaky-call outcome; Rand() < FlakeRate fails
	// the call. Tests inject a deterministic stub; production can wire
	// math/rand/v2.Float64.
	Rand func() float64

	mu    sync.Mutex
	stock map[string]*stockItem
	once  sync.Once
}

// NewInventoryActivities constructs an InventoryActivities with the
// reference catalog pre-seeded.
func NewInventoryActivities() *InventoryActivities {
	a := &InventoryActivities{}
	a.ensureSeeded()
	return a
}

func (a *InventoryActivities) ensureSeeded() {
	a.once.Do(func() {
		a.stock = map[string]*stockItem{
			"PROD-001": {Quantity: 50, Reserved: 5},
			"PROD-002": {Quantity: 100, Reserved: 10},
			"PROD-003": {Quantity: 30, Reserved: 2},
			"PROD-004": {Quantity: 12, Reserved: 2},
			"PROD-005": {Quantity: 5, Reserved: 0},
		}
	})
}

func (a *InventoryActivities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

func statusFor(quantity int) string {
	switch {
	case quantity == 0:
		return InventoryOutOfStock
	case quantity < 10:
		return InventoryLowStock
	default:
		return InventoryInStock
	}
}

// serviceCallFails reports a simulated downstream failure per FlakeRate.
func (a *InventoryActivities) serviceCallFails() bool {
	if a.FlakeRate <= 0 || a.Rand == nil {
		return false
	}
	return a.Rand() < a.FlakeRate
}

// CheckInventory reports whether a product has quantity units available,
// rejecting unknown product IDs as a non-retryable error.
func (a *InventoryActivities) CheckInventory(_ context.Context, input []byte) ([]byte, error) {
	a.ensureSeeded()

	var req struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, ferrors.ValidationError("malformed check_inventory input: " + err.Error())
	}

	a.mu.Lock()
	item, ok := a.stock[req.ProductID]
	a.mu.Unlock()
	if !ok {
		return nil, &ferrors.NotFoundError{EntityKind: "product", ID: req.ProductID}
	}

	available := item.Quantity - item.Reserved
	isAvailable := available >= req.Quantity
	if !isAvailable {
		a.logger().Warn("insufficient inventory",
			zap.String("product_id", req.ProductID), zap.Int("requested", req.Quantity), zap.Int("available", available))
	}

	result := InventoryCheckResult{
		ProductID:   req.ProductID,
		Available:   available,
		IsAvailable: isAvailable,
		Status:      statusFor(item.Quantity),
		CheckedAt:   time.Now().UTC(),
	}
	return json.Marshal(result)
}

// ReserveInventory reserves QuantityChange units of a product for an order,
// failing non-retryably if the product is unknown or insufficient stock
// remains, and retryably if the simulated service call fails.
func (a *InventoryActivities) ReserveInventory(_ context.Context, input []byte) ([]byte, error) {
	a.ensureSeeded()

	var upd InventoryUpdate
	if err := json.Unmarshal(input, &upd); err != nil {
		return nil, ferrors.ValidationError("malformed reserve_inventory input: " + err.Error())
	}
	quantity := abs(upd.QuantityChange)

	a.mu.Lock()
	defer a.mu.Unlock()

	item, ok := a.stock[upd.ProductID]
	if !ok {
		return nil, &ferrors.NotFoundError{EntityKind: "product", ID: upd.ProductID}
	}
	if a.serviceCallFails() {
		return nil, ferrors.TransientError("inventory service temporarily unavailable", nil)
	}

	available := item.Quantity - item.Reserved
	if available < quantity {
		return nil, ferrors.InsufficientError(
			fmt.Sprintf("insufficient inventory for product %s: requested %d, available %d", upd.ProductID, quantity, available))
	}

	item.Reserved += quantity
	a.logger().Info("reserved inventory", zap.String("product_id", upd.ProductID), zap.Int("quantity", quantity), zap.Int("new_reserved", item.Reserved))

	result := ReservationRecord{
		ProductID:  upd.ProductID,
		Quantity:   quantity,
		OrderID:    upd.OrderID,
		Status:     InventoryReserved,
		ReservedAt: time.Now().UTC(),
	}
	return json.Marshal(result)
}

// UpdateInventory applies a signed quantity delta: negative shrinks both
// on-hand quantity and reserved count (capped at the reserved amount, and
// never taking quantity below zero); positive restocks without touching
// reservations.
func (a *InventoryActivities) UpdateInventory(_ context.Context, input []byte) ([]byte, error) {
	a.ensureSeeded()

	var upd InventoryUpdate
	if err := json.Unmarshal(input, &upd); err != nil {
		return nil, ferrors.ValidationError("malformed update_inventory input: " + err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	item, ok := a.stock[upd.ProductID]
	if !ok {
		return nil, &ferrors.NotFoundError{EntityKind: "product", ID: upd.ProductID}
	}
	if a.serviceCallFails() {
		return nil, ferrors.TransientError("inventory service temporarily unavailable", nil)
	}

	if upd.QuantityChange < 0 {
		change := -upd.QuantityChange
		if change > item.Reserved {
			a.logger().Warn("reducing more than reserved",
				zap.String("product_id", upd.ProductID), zap.Int("reserved", item.Reserved), zap.Int("change", change))
			change = item.Reserved
		}
		item.Quantity += upd.QuantityChange
		item.Reserved -= change
		if item.Quantity < 0 {
			item.Quantity = 0
		}
	} else {
		item.Quantity += upd.QuantityChange
	}

	result := UpdatedInventoryRecord{
		ProductID:   upd.ProductID,
		QtyChange:   upd.QuantityChange,
		NewQuantity: item.Quantity,
		NewReserved: item.Reserved,
		Status:      statusFor(item.Quantity),
		UpdatedAt:   time.Now().UTC(),
	}
	a.logger().Info("inventory updated", zap.String("product_id", upd.ProductID), zap.Int("new_quantity", item.Quantity), zap.Int("new_reserved", item.Reserved))
	return json.Marshal(result)
}

// UnreserveInventory releases a prior reservation, the saga's compensating
// action for ReserveInventory. It clamps to the product's current reserved
// count rather than failing, since compensation must always make progress.
func (a *InventoryActivities) UnreserveInventory(_ context.Context, input []byte) ([]byte, error) {
	a.ensureSeeded()

	var upd InventoryUpdate
	if err := json.Unmarshal(input, &upd); err != nil {
		return nil, ferrors.ValidationError("malformed unreserve_inventory input: " + err.Error())
	}
	quantity := abs(upd.QuantityChange)

	a.mu.Lock()
	defer a.mu.Unlock()

	item, ok := a.stock[upd.ProductID]
	if !ok {
		return nil, &ferrors.NotFoundError{EntityKind: "product", ID: upd.ProductID}
	}

	if quantity > item.Reserved {
		a.logger().Warn("unreserving more than reserved",
			zap.String("product_id", upd.ProductID), zap.Int("reserved", item.Reserved), zap.Int("requested", quantity))
		quantity = item.Reserved
	}
	item.Reserved -= quantity

	result := UnreservationRecord{
		ProductID:    upd.ProductID,
		Quantity:     quantity,
		OrderID:      upd.OrderID,
		Status:       InventoryUnreserved,
		UnreservedAt: time.Now().UTC(),
	}
	a.logger().Info("unreserved inventory", zap.String("product_id", upd.ProductID), zap.Int("quantity", quantity), zap.Int("new_reserved", item.Reserved))
	return json.Marshal(result)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
