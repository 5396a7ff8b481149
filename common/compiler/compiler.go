package compiler

import (
	"sort"

	"github.com/flowforge/flowforge/common/expr"
	"github.com/flowforge/flowforge/common/workflow"
)

// loopNodeTypes may legally sit on a cycle: the cycle is the loop body
// back-edge, re-entered by the engine under a counter cap
var loopNodeTypes = map[string]bool{
	"loop":           true,
	"splitInBatches": true,
}

// IsLoopType reports whether a node type carries loop-iteration semantics
func IsLoopType(nodeType string) bool {
	return loopNodeTypes[nodeType]
}

// HandlerCatalog is the registry surface the compiler needs
type HandlerCatalog interface {
	Has(nodeType string) bool
	ValidateConfig(nodeType string, config map[string]any) []string
}

// Compiler validates graphs and lowers them to execution plans
type Compiler struct {
	catalog HandlerCatalog
}

// New creates a compiler backed by a handler catalog
func New(catalog HandlerCatalog) *Compiler {
	return &Compiler{catalog: catalog}
}

// CompileDefinition parses raw graph JSON and compiles it.
// Structural failures become invalid_graph diagnostics.
func (c *Compiler) CompileDefinition(definition []byte, userCredentials map[string]bool) *CompileResult {
	g, err := workflow.Parse(definition)
	if err != nil {
		return &CompileResult{
			Success: false,
			Errors:  []CompileError{{Code: CodeInvalidGraph, Message: err.Error(), Severity: SeverityError}},
		}
	}
	return c.Compile(g, userCredentials)
}

// Compile runs the validation pipeline and builds the plan. Phases
// halt on the first one that produces errors; warnings accumulate.
func (c *Compiler) Compile(g *workflow.Graph, userCredentials map[string]bool) *CompileResult {
	result := &CompileResult{
		Errors:    []CompileError{},
		Warnings:  []CompileError{},
		NodeCount: len(g.Nodes),
		EdgeCount: len(g.Edges),
	}

	// Phase 1: DAG validation
	if errs := c.validateDAG(g); len(errs) > 0 {
		result.Errors = errs
		return result
	}

	// Phase 2: credential validation
	if errs := c.validateCredentials(g, userCredentials); len(errs) > 0 {
		result.Errors = errs
		return result
	}

	// Phase 3: node config validation
	if errs := c.validateConfigs(g); len(errs) > 0 {
		result.Errors = errs
		return result
	}

	// Phase 4: type compatibility
	if errs := c.validateTypes(g); len(errs) > 0 {
		result.Errors = errs
		return result
	}

	// Phase 5: plan build
	result.Plan = c.buildPlan(g)
	result.Success = true
	return result
}

// validateDAG checks edge integrity, cycles, triggers and reachability
func (c *Compiler) validateDAG(g *workflow.Graph) []CompileError {
	var errs []CompileError

	if len(g.Nodes) == 0 {
		return []CompileError{errorf(CodeEmptyWorkflow, "", "workflow has no nodes")}
	}

	nodeIDs := make([]string, len(g.Nodes))
	nodeSet := make(map[string]bool, len(g.Nodes))
	nodeTypes := make(map[string]string, len(g.Nodes))
	for i, n := range g.Nodes {
		nodeIDs[i] = n.ID
		nodeSet[n.ID] = true
		nodeTypes[n.ID] = n.Type
	}

	adjacency := make(map[string][]string)
	inDegree := make(map[string]int, len(nodeIDs))
	for _, id := range nodeIDs {
		inDegree[id] = 0
	}

	for _, e := range g.Edges {
		if !nodeSet[e.Source] {
			errs = append(errs, errorf(CodeInvalidEdge, e.Source, "edge source %q does not exist", e.Source))
			continue
		}
		if !nodeSet[e.Target] {
			errs = append(errs, errorf(CodeInvalidEdge, e.Target, "edge target %q does not exist", e.Target))
			continue
		}
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
	}
	if len(errs) > 0 {
		return errs
	}

	// Cycle detection via DFS with a recursion stack. A cycle whose
	// path contains a loop-type node is the loop body back-edge and is
	// legal; any other cycle is rejected.
	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	var pathNodes []string

	var visit func(id string) *CompileError
	visit = func(id string) *CompileError {
		visited[id] = true
		recStack[id] = true
		pathNodes = append(pathNodes, id)

		for _, next := range adjacency[id] {
			if !visited[next] {
				if ce := visit(next); ce != nil {
					return ce
				}
			} else if recStack[next] {
				start := 0
				for i, pid := range pathNodes {
					if pid == next {
						start = i
						break
					}
				}
				cyclePath := pathNodes[start:]
				hasLoopNode := false
				for _, pid := range cyclePath {
					if loopNodeTypes[nodeTypes[pid]] {
						hasLoopNode = true
						break
					}
				}
				if !hasLoopNode {
					ce := errorf(CodeDagCycle, next, "cycle detected involving nodes: %v", cyclePath)
					return &ce
				}
			}
		}

		recStack[id] = false
		pathNodes = pathNodes[:len(pathNodes)-1]
		return nil
	}

	for _, id := range nodeIDs {
		if !visited[id] {
			if ce := visit(id); ce != nil {
				return []CompileError{*ce}
			}
		}
	}

	// Triggers are in-degree-0 nodes
	var triggers []string
	for _, id := range nodeIDs {
		if inDegree[id] == 0 {
			triggers = append(triggers, id)
		}
	}
	if len(triggers) == 0 {
		errs = append(errs, errorf(CodeNoTrigger, "", "workflow has no trigger node (entry point)"))
	}

	// Orphans: nodes unreachable from every trigger
	reachable := make(map[string]bool)
	var mark func(id string)
	mark = func(id string) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, next := range adjacency[id] {
			mark(next)
		}
	}
	for _, t := range triggers {
		mark(t)
	}
	for _, id := range nodeIDs {
		if !reachable[id] {
			errs = append(errs, errorf(CodeOrphanNode, id, "node %q is not reachable from any trigger", id))
		}
	}

	return errs
}

// validateCredentials requires every referenced credential to belong
// to the invoking user
func (c *Compiler) validateCredentials(g *workflow.Graph, userCredentials map[string]bool) []CompileError {
	var errs []CompileError
	for _, n := range g.Nodes {
		credID, _ := n.Data.Config["credential"].(string)
		if credID != "" && !userCredentials[credID] {
			errs = append(errs, errorf(CodeMissingCredential, n.ID, "credential %q not found for node", credID))
		}
	}
	return errs
}

// validateConfigs checks handler existence and per-handler config rules
func (c *Compiler) validateConfigs(g *workflow.Graph) []CompileError {
	var errs []CompileError
	for _, n := range g.Nodes {
		if !c.catalog.Has(n.Type) {
			errs = append(errs, errorf(CodeUnknownNodeType, n.ID, "unknown node type: %q", n.Type))
			continue
		}

		// Loop nodes need a bounded iteration cap
		if loopNodeTypes[n.Type] {
			raw, present := n.Data.Config["max_loop_count"]
			if !present {
				errs = append(errs, errorf(CodeMissingConfig, n.ID, "loop nodes must have 'max_loop_count' defined"))
			} else if count, ok := asInt(raw); !ok || count <= 0 {
				errs = append(errs, errorf(CodeInvalidConfig, n.ID, "'max_loop_count' must be a positive integer"))
			} else if count > 1000 {
				errs = append(errs, errorf(CodeInvalidConfig, n.ID, "'max_loop_count' cannot exceed 1000"))
			}
		}

		for _, msg := range c.catalog.ValidateConfig(n.Type, n.Data.Config) {
			errs = append(errs, errorf(CodeInvalidConfig, n.ID, "%s", msg))
		}
	}
	return errs
}

// validateTypes checks every edge against the static type tables
func (c *Compiler) validateTypes(g *workflow.Graph) []CompileError {
	var errs []CompileError
	nodeTypes := make(map[string]string, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeTypes[n.ID] = n.Type
	}

	for _, e := range g.Edges {
		sourceType := nodeTypes[e.Source]
		targetType := nodeTypes[e.Target]
		outputType := outputTypeFor(sourceType, e.Handle())
		accepted := acceptedInputsFor(targetType)

		if outputType == "error" {
			if !accepts(accepted, "error") && !accepts(accepted, "any") {
				errs = append(errs, errorf(CodeTypeMismatch, e.Target,
					"node %q cannot accept error output from %q", e.Target, e.Source))
			}
			continue
		}
		if outputType == "any" || outputType == "passthrough" {
			continue
		}
		if !accepts(accepted, outputType) {
			errs = append(errs, errorf(CodeTypeMismatch, e.Target,
				"type mismatch: %q outputs %q but %q expects %v", sourceType, outputType, targetType, accepted))
		}
	}
	return errs
}

// buildPlan lowers a validated graph into a deterministic plan.
// Kahn's algorithm with the zero-in-degree queue kept in input order;
// nodes left on a loop cycle are appended afterwards in input order.
func (c *Compiler) buildPlan(g *workflow.Graph) *ExecutionPlan {
	nodeIndex := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		nodeIndex[n.ID] = i
	}

	adjacency := make(map[string][]string)
	inDegree := make(map[string]int, len(g.Nodes))
	deps := make(map[string][]string)
	for _, n := range g.Nodes {
		inDegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		adjacency[e.Source] = append(adjacency[e.Source], e.Target)
		inDegree[e.Target]++
		deps[e.Target] = append(deps[e.Target], e.Source)
	}
	for id := range adjacency {
		targets := adjacency[id]
		sort.SliceStable(targets, func(a, b int) bool {
			return nodeIndex[targets[a]] < nodeIndex[targets[b]]
		})
	}

	byInputOrder := func(ids []string) {
		sort.SliceStable(ids, func(a, b int) bool {
			return nodeIndex[ids[a]] < nodeIndex[ids[b]]
		})
	}

	var queue []string
	var entryPoints []string
	for _, n := range g.Nodes {
		if inDegree[n.ID] == 0 {
			queue = append(queue, n.ID)
			entryPoints = append(entryPoints, n.ID)
		}
	}

	remaining := make(map[string]int, len(inDegree))
	for id, d := range inDegree {
		remaining[id] = d
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range adjacency[id] {
			remaining[next]--
			if remaining[next] == 0 {
				queue = append(queue, next)
			}
		}
		byInputOrder(queue)
	}

	// Loop cycles never reach in-degree zero; append their nodes in
	// input order, the engine re-enters them via the back-edge
	if len(order) < len(g.Nodes) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		var leftover []string
		for _, n := range g.Nodes {
			if !placed[n.ID] {
				leftover = append(leftover, n.ID)
			}
		}
		order = append(order, leftover...)
	}

	plan := &ExecutionPlan{
		Order:       order,
		EntryPoints: entryPoints,
		Edges:       g.Edges,
		LabelToID:   g.LabelIndex(),
	}

	for _, id := range order {
		n := g.NodeByID(id)
		nodeDeps := deps[id]
		byInputOrder(nodeDeps)
		if nodeDeps == nil {
			nodeDeps = []string{}
		}
		plan.Nodes = append(plan.Nodes, PlanNode{
			ID:             n.ID,
			Type:           n.Type,
			Label:          n.Data.Label,
			Config:         n.Data.Config,
			Dependencies:   nodeDeps,
			TimeoutSeconds: c.timeoutFor(n, g.Settings),
			TemplatePaths:  expr.FindPaths(n.Data.Config),
		})
	}
	plan.buildIndexes()
	return plan
}

// timeoutFor resolves a node's timeout: config, then workflow
// settings, then the default
func (c *Compiler) timeoutFor(n *workflow.Node, settings workflow.Settings) int {
	if t, ok := asInt(n.Data.Config["timeout"]); ok && t > 0 {
		return t
	}
	if settings.NodeTimeoutSeconds > 0 {
		return settings.NodeTimeoutSeconds
	}
	return DefaultNodeTimeoutSeconds
}

// asInt normalizes JSON numbers (float64) and native ints
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
