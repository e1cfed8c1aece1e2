package models

import (
	"time"
)

//
// Async invocation metadata (async_invocations table)
//

// Invocation type discriminators. The type selects which polling strategy
// applies to a stored invocation.
const (
	InvocationTypeBedrockAsync        = "bedrock-async-invoke"
	InvocationTypeReplicatePrediction = "replicate-prediction"
)

// ContentHints carries the user-facing placeholder text shown while a job
// is pending and the text shown when it terminally fails.
type ContentHints struct {
	Pending string `json:"pending,omitempty"`
	Failure string `json:"failure,omitempty"`
}

// InvocationMetadata is the durable record of an in-flight upstream job.
//
// It is the only state required to resume polling: it may be handed back to
// the caller, persisted, and re-submitted to the polling endpoint by a
// later, unrelated process. It must stay a plain serializable value and
// never carry live handles.
type InvocationMetadata struct {
	Provider       string       `json:"provider"`
	ID             string       `json:"id"`   // provider-native job identifier (ARN, prediction id, ...)
	Type           string       `json:"type"` // polling strategy discriminator
	PollIntervalMs int          `json:"pollIntervalMs"`
	// InitialResponse is the raw first response from the submission call.
	// Fields only present at submission time are merged back in when the
	// job completes.
	InitialResponse JSONB        `json:"initialResponse,omitempty"`
	// Context holds provider-specific extra fields (region, user id, ...)
	// needed to re-derive credentials and endpoints in another process.
	Context         JSONB        `json:"context,omitempty"`
	ContentHints    ContentHints `json:"contentHints"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// PollInterval returns the poll interval as a duration, with a floor of one
// second so a zero or corrupt record cannot produce a busy loop.
func (m *InvocationMetadata) PollInterval() time.Duration {
	if m.PollIntervalMs < 1000 {
		return time.Second
	}
	return time.Duration(m.PollIntervalMs) * time.Millisecond
}

// ContextString returns a string field from Context, or "" when absent.
func (m *InvocationMetadata) ContextString(key string) string {
	if m.Context == nil {
		return ""
	}
	if v, ok := m.Context[key].(string); ok {
		return v
	}
	return ""
}
