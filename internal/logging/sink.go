package logging

import (
	"context"
	"time"
)

// LogRecord is one completed gateway call, durably archived to S3.
type LogRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	APIKeyID   string    `json:"api_key_id"`
	UserID     string    `json:"user_id,omitempty"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	Stream     bool      `json:"stream,omitempty"`
	Async      bool      `json:"async,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	ProviderMs int64     `json:"provider_ms"`
	GatewayMs  int64     `json:"gateway_ms"`
	Error      string    `json:"error,omitempty"`
	// Opaque request/response snapshots for offline analysis.
	RequestPayload  any `json:"request_payload,omitempty"`
	ResponsePayload any `json:"response_payload,omitempty"`
}

// Sink receives log records from the gateway.
type Sink interface {
	Enqueue(rec *LogRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards all log records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *LogRecord) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}
