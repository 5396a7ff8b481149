package compiler

import "fmt"

// Error codes surfaced in CompileResult.Errors
const (
	CodeEmptyWorkflow     = "empty_workflow"
	CodeInvalidEdge       = "invalid_edge"
	CodeDagCycle          = "dag_cycle"
	CodeNoTrigger         = "no_trigger"
	CodeOrphanNode        = "orphan_node"
	CodeUnknownNodeType   = "unknown_node_type"
	CodeMissingConfig     = "missing_config"
	CodeInvalidConfig     = "invalid_config"
	CodeMissingCredential = "missing_credential"
	CodeTypeMismatch      = "type_mismatch"
	CodeInvalidGraph      = "invalid_graph"
)

// Severity levels for compile diagnostics
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// CompileError is one structured diagnostic. Compilation never raises;
// all failures become entries like this.
type CompileError struct {
	Code     string `json:"code"`
	NodeID   string `json:"node_id,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func errorf(code, nodeID, format string, args ...any) CompileError {
	return CompileError{
		Code:     code,
		NodeID:   nodeID,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityError,
	}
}
