package workflow

import (
	"encoding/json"
	"fmt"
)

// DefaultSourceHandle is the output handle assumed when an edge omits one
const DefaultSourceHandle = "output"

// Node is one typed computational step in a workflow graph
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData carries the display label and the handler config
type NodeData struct {
	Label  string         `json:"label"`
	Config map[string]any `json:"config,omitempty"`
}

// Edge connects a source node's output handle to a target node
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Handle returns the edge's source handle, defaulting to "output"
func (e Edge) Handle() string {
	if e.SourceHandle == "" {
		return DefaultSourceHandle
	}
	return e.SourceHandle
}

// Settings holds workflow-level execution settings
type Settings struct {
	NodeTimeoutSeconds int `json:"node_timeout,omitempty"`
}

// Graph is a workflow definition: nodes, edges and settings
type Graph struct {
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
	Settings Settings `json:"settings"`
}

// Parse decodes and structurally validates a graph definition
func Parse(definition []byte) (*Graph, error) {
	if err := ValidateSchema(definition); err != nil {
		return nil, err
	}

	var g Graph
	if err := json.Unmarshal(definition, &g); err != nil {
		return nil, fmt.Errorf("decode graph: %w", err)
	}
	// config may be absent or null; downstream phases index into it
	for i := range g.Nodes {
		if g.Nodes[i].Data.Config == nil {
			g.Nodes[i].Data.Config = map[string]any{}
		}
	}
	return &g, nil
}

// NodeByID returns the node with the given ID, or nil
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// LabelIndex maps node display labels to node IDs.
// When two nodes share a label the first in input order wins.
func (g *Graph) LabelIndex() map[string]string {
	idx := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.Data.Label == "" {
			continue
		}
		if _, ok := idx[n.Data.Label]; !ok {
			idx[n.Data.Label] = n.ID
		}
	}
	return idx
}

// Outgoing returns the edges leaving the given node
func (g *Graph) Outgoing(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Incoming returns the edges entering the given node
func (g *Graph) Incoming(nodeID string) []Edge {
	var in []Edge
	for _, e := range g.Edges {
		if e.Target == nodeID {
			in = append(in, e)
		}
	}
	return in
}
