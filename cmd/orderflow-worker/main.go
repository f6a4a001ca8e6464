// Command orderflow-worker runs the in-process scheduler that drives the
// Order Approval, Payment, and Inventory Saga workflows: it wires the
// effect registry, the durable event log, and the task-queue worker pools,
// then blocks serving signals, queries, and timers until interrupted.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orderflow/engine/activities"
	"github.com/orderflow/engine/internal/config"
	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/maintenance"
	"github.com/orderflow/engine/internal/registry"
	"github.com/orderflow/engine/internal/scheduler"
	"github.com/orderflow/engine/workflows/inventory"
	"github.com/orderflow/engine/workflows/order"
	"github.com/orderflow/engine/workflows/payment"
	"github.com/uber-go/tally"
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

	// No stats reporter is wired by default; point ScopeOptions.Reporter at a
	// concrete backend (Prometheus, M3, etc.) to collect these metrics.
	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "orderflow_worker"}, time.Second)
	defer closer.Close() //nolint:errcheck

	reg := registry.New()
	activities.RegisterAll(reg, &activities.OrderActivities{}, activities.NewInventoryActivities(), &activities.PaymentActivities{})

	log := eventlog.NewMemoryLog()
	sched := scheduler.New(log, reg, scheduler.RealClock{}, logger, scope)
	sched.SetPollInterval(cfg.Timers.PollInterval)
	for _, tq := range cfg.TaskQueues {
		sched.SetQueueConcurrency(tq.Name, tq.EffectConcurrency)
		sched.SetQueueRateLimit(tq.Name, tq.RateLimitPerSec, tq.RateLimitBurst)
	}

	sched.RegisterWorkflow(order.NewDefinition(activities.TaskQueueOrder))
	sched.RegisterWorkflow(payment.NewDefinition(activities.TaskQueuePayment))
	sched.RegisterWorkflow(inventory.NewDefinition(activities.TaskQueueInventory))

	compactor := maintenance.New(log, log, logger, cfg.Maintenance.CompactionRetention)
	if err := compactor.Start(cfg.Maintenance.CompactionSchedule); err != nil {
		logger.Fatal("failed to start compaction sweep", zap.Error(err))
	}
	defer compactor.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched.Start(ctx)
	logger.Info("worker started",
		zap.String("namespace", cfg.Namespace),
		zap.Int("task_queues", len(cfg.TaskQueues)),
	)

	<-ctx.Done()
	logger.Info("shutdown signal received, draining in-flight work")
	sched.Stop()
	sched.WaitIdle()
	logger.Info("worker stopped")
}
