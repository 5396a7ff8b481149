package registry

import (
	"net/http"
	"time"

	"github.com/flowforge/flowforge/common/engine"
	"github.com/flowforge/flowforge/common/logger"
)

// Registry maps node-type strings to handlers. It is built once at
// process init and immutable afterwards; the compiler validates
// against it and the engine dispatches through it.
type Registry struct {
	handlers map[string]engine.Handler
}

// Options carries the external dependencies built-in handlers need
type Options struct {
	Logger *logger.Logger

	// HTTPClient serves httpRequest nodes; a default client with a
	// 30s timeout is used when nil
	HTTPClient *http.Client

	// AllowPrivateHosts disables SSRF host filtering (tests only)
	AllowPrivateHosts bool

	// OpenAIKey is the fallback API key when a node has no credential
	OpenAIKey string

	// OpenAIBaseURL overrides the OpenAI endpoint (proxies, tests)
	OpenAIBaseURL string
}

// New creates an empty registry
func New() *Registry {
	return &Registry{handlers: make(map[string]engine.Handler)}
}

// NewDefault creates a registry with every built-in handler registered
func NewDefault(opts Options) *Registry {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	r := New()
	evaluator := NewConditionEvaluator()
	urlGuard := NewURLGuard(opts.AllowPrivateHosts)

	r.Register(&manualTriggerHandler{})
	r.Register(&webhookTriggerHandler{})
	r.Register(&scheduleTriggerHandler{})
	r.Register(&setHandler{})
	r.Register(&httpRequestHandler{client: opts.HTTPClient, guard: urlGuard})
	r.Register(&ifHandler{evaluator: evaluator})
	r.Register(&switchHandler{})
	r.Register(&mergeHandler{})
	r.Register(&loopHandler{})
	r.Register(&splitInBatchesHandler{})
	r.Register(&codeHandler{})
	r.Register(&openaiHandler{apiKey: opts.OpenAIKey, baseURL: opts.OpenAIBaseURL})
	r.Register(&subworkflowHandler{})
	r.Register(&humanApprovalHandler{})
	return r
}

// Register adds a handler, keyed by its metadata node type
func (r *Registry) Register(h engine.Handler) {
	r.handlers[h.Metadata().NodeType] = h
}

// Get returns the handler for a node type
func (r *Registry) Get(nodeType string) (engine.Handler, bool) {
	h, ok := r.handlers[nodeType]
	return h, ok
}

// Has reports whether a node type is registered
func (r *Registry) Has(nodeType string) bool {
	_, ok := r.handlers[nodeType]
	return ok
}

// ValidateConfig runs the handler's config validation; an unknown
// type yields no errors here, the compiler reports it separately
func (r *Registry) ValidateConfig(nodeType string, config map[string]any) []string {
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil
	}
	return h.ValidateConfig(config)
}

// Metadata lists every registered handler's metadata (client palette)
func (r *Registry) Metadata() []engine.Metadata {
	out := make([]engine.Metadata, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Metadata())
	}
	return out
}
