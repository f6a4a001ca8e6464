// Command orderflow-gateway exposes the Order Approval, Payment, and
// Inventory Saga workflows over HTTP: start, signal, query, describe, and
// cancel, mapped onto client.Client and a gorilla/mux router.
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/client"
	"github.com/orderflow/engine/internal/config"
	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/gatewayhttp"
	"github.com/orderflow/engine/internal/registry"
	"github.com/orderflow/engine/internal/scheduler"
	"github.com/orderflow/engine/workflows/inventory"
	"github.com/orderflow/engine/workflows/order"
	"github.com/orderflow/engine/workflows/payment"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML/JSON config file (optional; env ORDERFLOW_* overrides)")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	reg := registry.New()
	activities.RegisterAll(reg, &activities.OrderActivities{}, activities.NewInventoryActivities(), &activities.PaymentActivities{})

	log := eventlog.NewMemoryLog()
	sched := scheduler.New(log, reg, scheduler.RealClock{}, logger, nil)
	sched.RegisterWorkflow(order.NewDefinition(activities.TaskQueueOrder))
	sched.RegisterWorkflow(payment.NewDefinition(activities.TaskQueuePayment))
	sched.RegisterWorkflow(inventory.NewDefinition(activities.TaskQueueInventory))
	sched.Start(context.Background())
	defer sched.Stop()

	c := client.New(sched)
	router := mux.NewRouter()
	gatewayhttp.Register(router, c, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Info("gateway listening", zap.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("gateway server stopped", zap.Error(err))
	}
}
