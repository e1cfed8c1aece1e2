package logging

import (
	"context"

	"modelgateway/internal/metrics"
)

// CallRecorder adapts a Sink into the metrics pipeline's batch recorder,
// so drained call metrics end up in the same S3 archive as request logs.
type CallRecorder struct {
	sink Sink
}

func NewCallRecorder(sink Sink) *CallRecorder {
	return &CallRecorder{sink: sink}
}

func (r *CallRecorder) RecordBatch(ctx context.Context, batch []metrics.CallMetric) error {
	for _, m := range batch {
		rec := &LogRecord{
			Timestamp:  m.Timestamp,
			Provider:   m.Provider,
			Model:      m.Model,
			Stream:     m.Stream,
			Async:      m.Async,
			ProviderMs: m.LatencyMs,
			Error:      m.Error,
		}
		if err := r.sink.Enqueue(rec); err != nil {
			return err
		}
	}
	return nil
}
