// Package maintenance runs ambient upkeep jobs against the durable event
// log that no workflow run triggers directly: periodic checkpoint
// snapshots of terminal instances, scheduled on a cron expression rather
// than driven by workflow timers.
package maintenance

import (
	"context"
	"time"

	"github.com/orderflow/engine/internal/eventlog"
	"github.com/pborman/uuid"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

// Lister is the subset of eventlog.Log the sweep needs beyond the Log
// interface itself; MemoryLog satisfies it today, a future durable store
// would need the same enumeration capability.
type Lister interface {
	AllInstanceIDs() []string
}

// Compactor periodically writes a checkpoint snapshot for terminal
// instances; it does not discard any event history. Non-terminal instances are never
// touched: they may still suspend and resume, and replay always starts from
// event 1 (see internal/scheduler), so compacting a running instance's
// history would make it unreplayable.
type Compactor struct {
	log       eventlog.Log
	lister    Lister
	logger    *zap.Logger
	retention time.Duration
	cron      *cron.Cron
}

// New builds a Compactor. retention is how long after closing a terminal
// instance waits before a sweep checkpoints it; zero means checkpoint on the
// first sweep after closing.
func New(log eventlog.Log, lister Lister, logger *zap.Logger, retention time.Duration) *Compactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compactor{log: log, lister: lister, logger: logger, retention: retention, cron: cron.New()}
}

// Start schedules the sweep on spec (a 6-field cron expression with a
// leading seconds field, e.g. "0 */15 * * * *" for every 15 minutes, or a
// descriptor such as "@every 15m") and begins running it in the
// background. Only a generic PutSnapshot checkpoint (a fresh snapshot ID and
// the instance's terminal status) plus the sequence number it covers are
// ever recorded here; actually truncating history via
// CompactBefore is left unexercised until a workflow-agnostic way to answer
// a query from a snapshot alone, without replaying Instance.Run against
// discarded history, is built — premature truncation would make
// QueryWorkflow against an old closed instance unreplayable.
func (c *Compactor) Start(spec string) error {
	if err := c.cron.AddFunc(spec, c.sweep); err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduled sweep. Any sweep already in flight finishes.
func (c *Compactor) Stop() {
	c.cron.Stop()
}

func (c *Compactor) sweep() {
	ctx := context.Background()
	now := time.Now()
	var checkpointed int

	for _, id := range c.lister.AllInstanceIDs() {
		meta, err := c.log.DescribeInstance(ctx, id)
		if err != nil {
			c.logger.Warn("compaction sweep: describe failed", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		if !meta.Status.IsTerminal() {
			continue
		}
		if now.Sub(meta.ClosedAt) < c.retention {
			continue
		}
		if _, hasSnap, err := c.log.GetSnapshot(ctx, id); err == nil && hasSnap {
			continue
		}

		latest, err := c.log.LatestSeq(ctx, id)
		if err != nil {
			c.logger.Warn("compaction sweep: latest seq failed", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		// Each checkpoint snapshot is tagged with its own ID (distinct from
		// the workflow's RunID) so multiple checkpoint writes for the same
		// instance over time — once restore-then-truncate lands — can be
		// told apart in logs and in the snapshot's own State payload.
		snapshotID := uuid.New()
		snap := eventlog.Snapshot{UptoSeq: latest, State: []byte(snapshotID + ":" + string(meta.Status))}
		if err := c.log.PutSnapshot(ctx, id, snap); err != nil {
			c.logger.Warn("compaction sweep: put snapshot failed", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		c.logger.Debug("checkpointed terminal instance",
			zap.String("workflow_id", id), zap.String("snapshot_id", snapshotID), zap.Int64("upto_seq", latest))
		checkpointed++
	}

	if checkpointed > 0 {
		c.logger.Info("compaction sweep checkpointed terminal instances", zap.Int("count", checkpointed))
	}
}
