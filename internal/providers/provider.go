package providers

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"modelgateway/internal/models"
)

// Adapter is implemented by each upstream provider. The orchestrator drives
// every call through the same sequence: Validate, ResolveEndpoint,
// BuildHeaders, MapParameters, dispatch, format.
type Adapter interface {
	// Name is the registry key, e.g. "openai", "bedrock", "replicate".
	Name() string

	// Validate checks provider-specific required fields before any network
	// call. Returns ParamsError or ConfigurationError on failure.
	Validate(req *CompletionRequest, meta *models.Model) error

	// ResolveEndpoint returns either an absolute upstream URL or a
	// relay-relative path, possibly depending on model metadata.
	ResolveEndpoint(req *CompletionRequest, meta *models.Model) (string, error)

	// BuildHeaders constructs the upstream header set, resolving
	// credentials as needed.
	BuildHeaders(ctx context.Context, req *CompletionRequest, meta *models.Model) (map[string]string, error)

	// MapParameters translates the normalized request into the provider's
	// native schema. It must be a pure function of (req, meta).
	MapParameters(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error)

	// SupportsStreaming reports whether the provider can return SSE or
	// event-stream responses.
	SupportsStreaming() bool

	// RelayCompatible reports whether calls may be proxied through the
	// metering relay, or must go direct (multipart bodies, out-of-band
	// signing of the full URL, ...).
	RelayCompatible() bool
}

// CustomCaller is implemented by adapters that bypass the generic
// dispatcher and manage their own HTTP transport and signing.
type CustomCaller interface {
	Call(ctx context.Context, req *CompletionRequest, meta *models.Model, body map[string]interface{}) (*Result, error)
}

// ResponseHandler is implemented by adapters that need to post-process the
// dispatched document, e.g. to detect an already-terminal async job or to
// emit invocation metadata.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, req *CompletionRequest, meta *models.Model, doc map[string]interface{}) (*Result, error)
}

// Formatter is implemented by adapters whose raw upstream document needs
// reshaping before being returned. Adapters without one return the document
// as dispatched.
type Formatter interface {
	FormatResponse(req *CompletionRequest, meta *models.Model, doc map[string]interface{}) (map[string]interface{}, error)
}

// Result is the orchestrator's return value. Exactly one of Data, Stream or
// Async is the payload, selected by Status.
type Result struct {
	// Status is "success" for a finished document, "in_progress" for an
	// async placeholder.
	Status string `json:"status"`

	// Data is the formatted response document, including the gateway
	// observability fields.
	Data map[string]interface{} `json:"data,omitempty"`

	// Stream is a live response handle. It is returned unprocessed; the
	// gateway never buffers it.
	Stream io.ReadCloser `json:"-"`

	// Async is the portable metadata for an out-of-band job, paired with
	// PlaceholderText for immediate display.
	Async           *models.InvocationMetadata `json:"asyncInvocation,omitempty"`
	PlaceholderText string                     `json:"placeholderText,omitempty"`
}

// Streaming reports whether the result is a live stream handle.
func (r *Result) Streaming() bool {
	return r.Stream != nil
}

// Registry maps provider names to adapter instances.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
