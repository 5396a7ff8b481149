package engine

import (
	"context"

	"github.com/google/uuid"
)

// Field describes one config field in a handler's metadata
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// Metadata describes a node type for validation and client palettes
type Metadata struct {
	NodeType      string   `json:"nodeType"`
	DisplayName   string   `json:"displayName"`
	Category      string   `json:"category"`
	Fields        []Field  `json:"fields"`
	InputHandles  []string `json:"inputHandles"`
	OutputHandles []string `json:"outputHandles"`

	// WaitsForInput marks handlers that block on an external decision.
	// The engine runs them without the per-node timeout; the handler
	// enforces its own deadline.
	WaitsForInput bool `json:"waitsForInput,omitempty"`
}

// Handler implements one node type. Handlers are stateless across
// invocations and must honor ctx cancellation.
type Handler interface {
	Metadata() Metadata

	// ValidateConfig is pure and deterministic; a non-empty return
	// blocks compilation, so Execute never sees an invalid config.
	ValidateConfig(config map[string]any) []string

	Execute(ctx context.Context, input []NodeItem, config map[string]any, ec *ExecutionContext) (*NodeExecutionResult, error)
}

// HandlerLookup is how the driver finds handlers without owning the
// registry
type HandlerLookup interface {
	Get(nodeType string) (Handler, bool)
}

// EventSink receives ordered execution events (the broadcaster)
type EventSink interface {
	Send(executionID uuid.UUID, eventType string, data map[string]any)
}

// Recorder persists node-level execution records
type Recorder interface {
	NodeStarted(ctx context.Context, ec *ExecutionContext, nodeID, nodeType string, order int, input []NodeItem)
	NodeFinished(ctx context.Context, ec *ExecutionContext, nodeID string, result *NodeExecutionResult, durationMs int64, retries int)
	NodeSkipped(ctx context.Context, ec *ExecutionContext, nodeID, reason string)
}

// NopRecorder discards node records (bare runs and tests)
type NopRecorder struct{}

func (NopRecorder) NodeStarted(context.Context, *ExecutionContext, string, string, int, []NodeItem) {
}
func (NopRecorder) NodeFinished(context.Context, *ExecutionContext, string, *NodeExecutionResult, int64, int) {
}
func (NopRecorder) NodeSkipped(context.Context, *ExecutionContext, string, string) {}

// NopSink discards events
type NopSink struct{}

func (NopSink) Send(uuid.UUID, string, map[string]any) {}
