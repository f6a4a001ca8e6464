// Package client exposes the external RPC surface: StartWorkflow,
// SignalWorkflow, QueryWorkflow, DescribeWorkflow, and CancelWorkflow,
// resolved directly against an in-process scheduler rather than a gRPC
// workflow service stub.
package client

import (
	"context"
	"time"

	"github.com/orderflow/engine/internal/eventlog"
	"github.com/orderflow/engine/internal/scheduler"
)

// StartWorkflowOptions configures a StartWorkflow call. Workflow-specific
// behavior (such as the Order Approval workflow's optional approval
// timeout) is expressed in the input payload itself, not here — this
// surface stays generic across workflow types.
type StartWorkflowOptions struct {
	WorkflowID string
	TaskQueue  string
}

// Handle identifies a started workflow run.
type Handle struct {
	WorkflowID string
	RunID      string
}

// WorkflowExecutionInfo is the result of DescribeWorkflow.
type WorkflowExecutionInfo struct {
	WorkflowID string
	RunID      string
	Status     eventlog.Status
	CreatedAt  time.Time
	ClosedAt   time.Time
}

// Client is the external-facing RPC surface used by a front-end or CLI.
type Client struct {
	sched *scheduler.Scheduler
}

// New wraps a running Scheduler as a Client.
func New(sched *scheduler.Scheduler) *Client {
	return &Client{sched: sched}
}

// StartWorkflow begins a new run of workflowType. It returns
// *errors.ConflictError (HTTP 409-equivalent) if a non-terminal instance
// with the same WorkflowID is already running.
func (c *Client) StartWorkflow(ctx context.Context, workflowType string, opts StartWorkflowOptions, input []byte) (Handle, error) {
	runID, err := c.sched.StartWorkflow(ctx, opts.WorkflowID, workflowType, opts.TaskQueue, input)
	if err != nil {
		return Handle{}, err
	}
	return Handle{WorkflowID: opts.WorkflowID, RunID: runID}, nil
}

// SignalWorkflow delivers a named signal to a running instance.
func (c *Client) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload []byte) error {
	return c.sched.SignalWorkflow(ctx, workflowID, signalName, payload)
}

// QueryWorkflow answers a read-only query against an instance's
// last-replayed state. It returns *errors.NotFoundError (HTTP 404
// mapping) for an unknown workflowID.
func (c *Client) QueryWorkflow(ctx context.Context, workflowID, queryName string, args []byte) ([]byte, error) {
	return c.sched.QueryWorkflow(ctx, workflowID, queryName, args)
}

// DescribeWorkflow returns an instance's current status and timestamps.
func (c *Client) DescribeWorkflow(ctx context.Context, workflowID string) (WorkflowExecutionInfo, error) {
	meta, err := c.sched.DescribeWorkflow(ctx, workflowID)
	if err != nil {
		return WorkflowExecutionInfo{}, err
	}
	return WorkflowExecutionInfo{
		WorkflowID: meta.WorkflowID,
		RunID:      meta.RunID,
		Status:     meta.Status,
		CreatedAt:  meta.CreatedAt,
		ClosedAt:   meta.ClosedAt,
	}, nil
}

// CancelWorkflow requests cooperative cancellation of a running instance.
func (c *Client) CancelWorkflow(ctx context.Context, workflowID string) error {
	return c.sched.CancelWorkflow(ctx, workflowID)
}

