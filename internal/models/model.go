package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

//
// Model (models table)
//

// Model is the metadata record for one logical model exposed by the
// gateway. It drives endpoint resolution, payload construction and
// capability gating in the provider adapters.
type Model struct {
	ID uuid.UUID `db:"id" json:"id"` // uuid

	// 1. Identity
	ModelName       string `db:"model_name" json:"model_name"`           // gateway-facing name
	Provider        string `db:"provider" json:"provider"`               // adapter name, e.g. "bedrock"
	UpstreamModelID string `db:"upstream_model_id" json:"upstream_model_id"` // provider-native id
	Version         string `db:"version" json:"version,omitempty"`
	Mode            string `db:"mode" json:"mode"` // "chat", "image", "video"

	// 2. Capability flags
	SupportsFunctionCalling bool `db:"supports_function_calling" json:"supports_function_calling"`
	SupportsImageInput      bool `db:"supports_image_input" json:"supports_image_input"`
	SupportsVideoInput      bool `db:"supports_video_input" json:"supports_video_input"`
	SupportsNativeStreaming bool `db:"supports_native_streaming" json:"supports_native_streaming"`
	SupportsWebSearch       bool `db:"supports_web_search" json:"supports_web_search"`
	SupportsReasoning       bool `db:"supports_reasoning" json:"supports_reasoning"`
	SupportsConverseAPI     bool `db:"supports_converse_api" json:"supports_converse_api"`

	// AsyncInvoke marks models whose real work happens out-of-band: the
	// submission returns a job identifier and results arrive later.
	AsyncInvoke bool `db:"async_invoke" json:"async_invoke"`

	// 3. Regions
	SupportedRegions pq.StringArray `db:"supported_regions" json:"supported_regions,omitempty"`

	// 4. Overrides
	RequestTimeoutSeconds int `db:"request_timeout_seconds" json:"request_timeout_seconds"` // 0 = gateway default
	PollIntervalMs        int `db:"poll_interval_ms" json:"poll_interval_ms"`               // 0 = adapter default

	// 5. Schema-driven payload construction
	InputSchema SchemaFields `db:"input_schema" json:"input_schema,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// UpstreamID returns the provider-native model id, falling back to the
// gateway name when no mapping is configured.
func (m *Model) UpstreamID() string {
	if m.UpstreamModelID != "" {
		return m.UpstreamModelID
	}
	return m.ModelName
}

// RequestTimeout returns the per-model timeout override, or def when unset.
func (m *Model) RequestTimeout(def time.Duration) time.Duration {
	if m.RequestTimeoutSeconds > 0 {
		return time.Duration(m.RequestTimeoutSeconds) * time.Second
	}
	return def
}

// PollInterval returns the per-model poll interval override, or def when unset.
func (m *Model) PollInterval(def time.Duration) time.Duration {
	if m.PollIntervalMs > 0 {
		return time.Duration(m.PollIntervalMs) * time.Millisecond
	}
	return def
}

// Registry resolves gateway model names to their metadata records.
type Registry interface {
	GetByName(ctx context.Context, name string) (*Model, error)
}

// MapRegistry is an in-memory Registry used in tests and standalone
// deployments without a database.
type MapRegistry struct {
	models map[string]*Model
}

// NewMapRegistry builds a registry from a fixed model list.
func NewMapRegistry(list []*Model) *MapRegistry {
	m := make(map[string]*Model, len(list))
	for _, mdl := range list {
		m[mdl.ModelName] = mdl
	}
	return &MapRegistry{models: m}
}

func (r *MapRegistry) GetByName(ctx context.Context, name string) (*Model, error) {
	if mdl, ok := r.models[name]; ok {
		return mdl, nil
	}
	return nil, ErrModelNotFound
}
