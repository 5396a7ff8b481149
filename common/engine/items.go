package engine

// PairedItem links an output item back to the input item it came from
type PairedItem struct {
	Item int `json:"item"`
}

// NodeItem is the canonical unit of inter-node data. Node output is
// always a list of items; bare objects are wrapped on ingress.
type NodeItem struct {
	JSON       map[string]any `json:"json"`
	Binary     map[string]any `json:"binary,omitempty"`
	PairedItem *PairedItem    `json:"pairedItem,omitempty"`
}

// Item wraps a JSON object into a NodeItem
func Item(data map[string]any) NodeItem {
	if data == nil {
		data = map[string]any{}
	}
	return NodeItem{JSON: data}
}

// Items wraps a single object into a one-element items list
func Items(data map[string]any) []NodeItem {
	return []NodeItem{Item(data)}
}

// NormalizeItems coerces arbitrary handler output into the items
// shape: a bare object becomes one item, a list of objects becomes a
// list of items, scalars are wrapped under a "data" key.
func NormalizeItems(value any) []NodeItem {
	switch v := value.(type) {
	case nil:
		return []NodeItem{}
	case []NodeItem:
		return v
	case NodeItem:
		return []NodeItem{v}
	case map[string]any:
		// Already item-shaped?
		if j, ok := v["json"].(map[string]any); ok && len(v) <= 3 {
			item := NodeItem{JSON: j}
			if b, ok := v["binary"].(map[string]any); ok {
				item.Binary = b
			}
			return []NodeItem{item}
		}
		return Items(v)
	case []any:
		items := make([]NodeItem, 0, len(v))
		for _, el := range v {
			items = append(items, NormalizeItems(el)...)
		}
		return items
	default:
		return Items(map[string]any{"data": v})
	}
}

// ItemsToAny converts items to the generic []any shape the expression
// resolver walks ($node[X].json auto-dives into item zero)
func ItemsToAny(items []NodeItem) []any {
	out := make([]any, len(items))
	for i, item := range items {
		m := map[string]any{"json": item.JSON}
		if item.Binary != nil {
			m["binary"] = item.Binary
		}
		out[i] = m
	}
	return out
}

// FirstJSON returns the first item's JSON object, or an empty map
func FirstJSON(items []NodeItem) map[string]any {
	if len(items) == 0 || items[0].JSON == nil {
		return map[string]any{}
	}
	return items[0].JSON
}

// NodeExecutionResult is what a handler returns. OutputHandle drives
// conditional routing downstream.
type NodeExecutionResult struct {
	Success      bool       `json:"success"`
	Items        []NodeItem `json:"items"`
	Error        string     `json:"error,omitempty"`
	OutputHandle string     `json:"outputHandle"`
}

// Succeed builds a successful result on the given handle
func Succeed(handle string, items []NodeItem) *NodeExecutionResult {
	return &NodeExecutionResult{Success: true, Items: items, OutputHandle: handle}
}

// Fail builds a failed result carrying an error message
func Fail(handle, message string) *NodeExecutionResult {
	return &NodeExecutionResult{
		Success:      false,
		Items:        Items(map[string]any{"error": message}),
		Error:        message,
		OutputHandle: handle,
	}
}
