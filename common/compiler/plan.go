package compiler

import (
	"encoding/json"
	"fmt"

	"github.com/flowforge/flowforge/common/expr"
	"github.com/flowforge/flowforge/common/workflow"
)

// DefaultNodeTimeoutSeconds bounds a node when neither its config nor
// the workflow settings specify a timeout
const DefaultNodeTimeoutSeconds = 60

// PlanNode is one node lowered into the execution plan
type PlanNode struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Label          string         `json:"label,omitempty"`
	Config         map[string]any `json:"config,omitempty"`
	Dependencies   []string       `json:"dependencies"`
	TimeoutSeconds int            `json:"timeout_seconds"`

	// TemplatePaths locate {{ … }} templates inside Config, found at
	// compile time so the engine only resolves templated fields
	TemplatePaths []expr.Path `json:"-"`
}

// ExecutionPlan is the compiled, deterministic form of a graph.
// Nodes appear in topological execution order.
type ExecutionPlan struct {
	Order       []string        `json:"order"`
	Nodes       []PlanNode      `json:"nodes"`
	EntryPoints []string        `json:"entry_points"`
	Edges       []workflow.Edge `json:"edges"`

	// LabelToID backs $node[label] expression lookup
	LabelToID map[string]string `json:"-"`

	index    map[string]int
	outgoing map[string][]workflow.Edge
	incoming map[string][]workflow.Edge
}

// buildIndexes fills the lookup maps after Nodes/Edges are set
func (p *ExecutionPlan) buildIndexes() {
	p.index = make(map[string]int, len(p.Nodes))
	for i, n := range p.Nodes {
		p.index[n.ID] = i
	}
	p.outgoing = make(map[string][]workflow.Edge)
	p.incoming = make(map[string][]workflow.Edge)
	for _, e := range p.Edges {
		p.outgoing[e.Source] = append(p.outgoing[e.Source], e)
		p.incoming[e.Target] = append(p.incoming[e.Target], e)
	}
}

// Node returns the plan node with the given ID, or nil
func (p *ExecutionPlan) Node(id string) *PlanNode {
	i, ok := p.index[id]
	if !ok {
		return nil
	}
	return &p.Nodes[i]
}

// Position returns a node's index in execution order, -1 if absent
func (p *ExecutionPlan) Position(id string) int {
	i, ok := p.index[id]
	if !ok {
		return -1
	}
	return i
}

// Outgoing returns the edges leaving a node, in input order
func (p *ExecutionPlan) Outgoing(id string) []workflow.Edge {
	return p.outgoing[id]
}

// Incoming returns the edges entering a node, in input order
func (p *ExecutionPlan) Incoming(id string) []workflow.Edge {
	return p.incoming[id]
}

// Serialize renders the plan deterministically: identical graphs
// produce byte-identical output
func (p *ExecutionPlan) Serialize() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("serialize plan: %w", err)
	}
	return data, nil
}

// CompileResult is the full outcome of a compilation
type CompileResult struct {
	Success   bool           `json:"success"`
	Errors    []CompileError `json:"errors"`
	Warnings  []CompileError `json:"warnings"`
	Plan      *ExecutionPlan `json:"execution_plan,omitempty"`
	NodeCount int            `json:"node_count"`
	EdgeCount int            `json:"edge_count"`
}
