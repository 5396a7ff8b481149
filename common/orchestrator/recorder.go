package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/models"
)

// The recorder mirrors the driver's node lifecycle into
// node_execution_log. Persistence failures are logged and swallowed:
// a run must not die because its audit trail hiccuped.

func (o *Orchestrator) NodeStarted(ctx context.Context, ec *engine.ExecutionContext, nodeID, nodeType string, order int, input []engine.NodeItem) {
	now := time.Now().UTC()
	entry := &models.NodeExecutionLog{
		ID:          uuid.New(),
		ExecutionID: ec.ExecutionID,
		NodeID:      nodeID,
		NodeType:    nodeType,
		Order:       order,
		Status:      models.NodeRunning,
		StartedAt:   &now,
	}
	if encoded, err := json.Marshal(engine.ItemsToAny(input)); err == nil {
		entry.Input = encoded
	}

	if handle := o.handleFor(ec.ExecutionID); handle != nil {
		handle.setNodeLog(nodeID, entry.ID)
	}
	if err := o.executions.InsertNodeLog(ctx, entry); err != nil {
		o.log.Error("insert node log", "execution_id", ec.ExecutionID, "node_id", nodeID, "error", err)
	}
}

func (o *Orchestrator) NodeFinished(ctx context.Context, ec *engine.ExecutionContext, nodeID string, result *engine.NodeExecutionResult, durationMs int64, retries int) {
	handle := o.handleFor(ec.ExecutionID)
	if handle == nil {
		return
	}
	logID, ok := handle.nodeLog(nodeID)
	if !ok {
		return
	}

	status := models.NodeCompleted
	var nodeErr *string
	if !result.Success {
		status = models.NodeFailed
		if result.OutputHandle == "error" {
			status = models.NodeCompletedWithError
		}
	}
	if result.Error != "" {
		msg := result.Error
		nodeErr = &msg
	}

	var output []byte
	if encoded, err := json.Marshal(engine.ItemsToAny(result.Items)); err == nil {
		output = encoded
	}
	if err := o.executions.FinishNodeLog(ctx, logID, status, output, nodeErr, retries, time.Now().UTC(), durationMs); err != nil {
		o.log.Error("finish node log", "execution_id", ec.ExecutionID, "node_id", nodeID, "error", err)
	}
}

func (o *Orchestrator) NodeSkipped(ctx context.Context, ec *engine.ExecutionContext, nodeID, reason string) {
	now := time.Now().UTC()
	msg := reason
	entry := &models.NodeExecutionLog{
		ID:          uuid.New(),
		ExecutionID: ec.ExecutionID,
		NodeID:      nodeID,
		Status:      models.NodeSkipped,
		Error:       &msg,
		StartedAt:   &now,
		CompletedAt: &now,
	}
	if err := o.executions.InsertNodeLog(ctx, entry); err != nil {
		o.log.Error("insert skipped node log", "execution_id", ec.ExecutionID, "node_id", nodeID, "error", err)
	}
}
