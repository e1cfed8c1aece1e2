// Package metrics records per-call gateway metrics. Recording is
// fire-and-forget: the orchestrator's main path never blocks on, or fails
// because of, the metrics pipeline.
package metrics

import (
	"context"
	"time"

	"modelgateway/internal/utils"
)

// CallMetric is one provider call observation.
type CallMetric struct {
	Provider  string                 `json:"provider"`
	Model     string                 `json:"model"`
	LatencyMs int64                  `json:"latency_ms"`
	Stream    bool                   `json:"stream"`
	Async     bool                   `json:"async"`
	Settings  map[string]interface{} `json:"settings,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Sink accepts call metrics. Implementations must return quickly and
// swallow their own failures.
type Sink interface {
	RecordCall(metric CallMetric)
}

// NoopSink discards all metrics.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) RecordCall(metric CallMetric) {}

// LogSink writes metrics to the gateway log. Used in standalone
// deployments without a metrics pipeline.
type LogSink struct {
	logger *utils.Logger
}

func NewLogSink(logger *utils.Logger) *LogSink {
	if logger == nil {
		logger = utils.NewLogger("metrics", utils.Info)
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordCall(metric CallMetric) {
	s.logger.Info("provider call",
		"provider", metric.Provider,
		"model", metric.Model,
		"latency_ms", metric.LatencyMs,
		"stream", metric.Stream,
		"async", metric.Async,
		"error", metric.Error,
	)
}

// Recorder persists metric batches; implemented by the logging sink glue.
type Recorder interface {
	RecordBatch(ctx context.Context, batch []CallMetric) error
}
