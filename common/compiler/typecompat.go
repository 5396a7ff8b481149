package compiler

// Output type produced per (node type, source handle). Handles absent
// from a node's map default to "any".
var nodeOutputTypes = map[string]map[string]string{
	// Triggers
	"manualTrigger":   {"output": "any"},
	"webhookTrigger":  {"output": "json"},
	"scheduleTrigger": {"output": "datetime"},

	// Core nodes
	"httpRequest": {"success": "json", "error": "error"},
	"code":        {"success": "any", "error": "error"},
	"set":         {"output": "json"},
	"if":          {"true": "passthrough", "false": "passthrough"},
	"switch": {
		"output-0": "passthrough",
		"output-1": "passthrough",
		"output-2": "passthrough",
		"output-3": "passthrough",
		"fallback": "passthrough",
	},
	"merge": {"output": "any"},

	// Flow control
	"splitInBatches": {"loop": "any", "done": "any"},
	"loop":           {"loop": "any", "done": "any"},

	// LLM
	"openai": {"success": "text", "error": "error"},

	// Composition and supervision
	"subworkflow":   {"success": "json", "error": "error"},
	"humanApproval": {"approved": "passthrough", "rejected": "passthrough"},
}

// Input types a node accepts. Absent node types default to ["any"].
var nodeInputTypes = map[string][]string{
	"httpRequest":    {"json", "any", "text", "datetime", "passthrough"},
	"code":           {"json", "any", "text", "datetime", "passthrough"},
	"set":            {"json", "any", "text", "datetime", "passthrough"},
	"if":             {"json", "any", "text", "datetime", "passthrough"},
	"switch":         {"json", "any", "text", "datetime", "passthrough"},
	"merge":          {"json", "any", "text", "datetime", "passthrough"},
	"splitInBatches": {"json", "any", "list", "passthrough"},
	"loop":           {"json", "any", "list", "passthrough"},
	"openai":         {"json", "any", "text", "datetime", "passthrough"},
	"subworkflow":    {"json", "any", "text", "datetime", "passthrough"},
	"humanApproval":  {"json", "any", "text", "datetime", "passthrough"},
}

func outputTypeFor(nodeType, handle string) string {
	outputs, ok := nodeOutputTypes[nodeType]
	if !ok {
		return "any"
	}
	t, ok := outputs[handle]
	if !ok {
		return "any"
	}
	return t
}

func acceptedInputsFor(nodeType string) []string {
	inputs, ok := nodeInputTypes[nodeType]
	if !ok {
		return []string{"any"}
	}
	return inputs
}

func accepts(accepted []string, t string) bool {
	for _, a := range accepted {
		if a == t {
			return true
		}
	}
	return false
}
