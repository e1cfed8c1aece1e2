package providers

import (
	"context"
	"time"

	"modelgateway/internal/metrics"
	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// OrchestratorConfig carries the gateway-wide policy knobs.
type OrchestratorConfig struct {
	// RetryAttempts is the number of retries after the initial dispatch.
	RetryAttempts int
	// RetryBaseDelay seeds the exponential backoff.
	RetryBaseDelay time.Duration
	// DefaultTimeout applies when model metadata has no override.
	DefaultTimeout time.Duration
}

// Orchestrator is the single entry point for provider calls. It sequences
// the adapter capability set around the dispatcher, wraps the upstream leg
// in the retry executor and records call metrics fire-and-forget.
type Orchestrator struct {
	registry   *Registry
	modelReg   models.Registry
	dispatcher *Dispatcher
	sink       metrics.Sink
	cfg        OrchestratorConfig
	logger     *utils.Logger
}

// NewOrchestrator wires the orchestrator. sink may be nil to disable
// metrics.
func NewOrchestrator(registry *Registry, modelReg models.Registry, dispatcher *Dispatcher, sink metrics.Sink, cfg OrchestratorConfig, logger *utils.Logger) *Orchestrator {
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if logger == nil {
		logger = utils.NewLogger("orchestrator")
	}
	return &Orchestrator{
		registry:   registry,
		modelReg:   modelReg,
		dispatcher: dispatcher,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// GetResponse resolves the model, runs the adapter pipeline and returns a
// formatted document, a live stream handle or an async placeholder. Every
// step short-circuits on failure.
func (o *Orchestrator) GetResponse(ctx context.Context, req *CompletionRequest) (*Result, error) {
	start := time.Now()

	result, provider, err := o.getResponse(ctx, req)

	// Metrics must never block or fail the main path.
	o.record(req, provider, result, err, time.Since(start))

	return result, err
}

func (o *Orchestrator) getResponse(ctx context.Context, req *CompletionRequest) (*Result, string, error) {
	if req.Model == "" {
		return nil, "", utils.NewParamsError("model", "model is required")
	}

	meta, err := o.modelReg.GetByName(ctx, req.Model)
	if err != nil {
		return nil, "", utils.NewConfigurationError("model", "unknown model "+req.Model)
	}

	adapter, err := o.registry.Get(meta.Provider)
	if err != nil {
		return nil, meta.Provider, utils.NewConfigurationError("provider", err.Error())
	}

	// 1. Validate.
	if err := adapter.Validate(req, meta); err != nil {
		return nil, meta.Provider, err
	}

	// 2. Endpoint.
	endpoint, err := adapter.ResolveEndpoint(req, meta)
	if err != nil {
		return nil, meta.Provider, err
	}

	// 3. Headers (may resolve credentials).
	headers, err := adapter.BuildHeaders(ctx, req, meta)
	if err != nil {
		return nil, meta.Provider, err
	}

	// 4. Native parameter mapping.
	body, err := adapter.MapParameters(req, meta)
	if err != nil {
		return nil, meta.Provider, err
	}

	stream := IsStreamRequest(body, endpoint) && adapter.SupportsStreaming()

	// 5-7. Dispatch, then stream passthrough or format. Only the upstream
	// leg retries; validation and mapping failures never reach here.
	result, err := WithRetry(ctx, func(ctx context.Context) (*Result, error) {
		return o.dispatchAndFormat(ctx, adapter, req, meta, endpoint, headers, body, stream)
	}, RetryOptions{
		Attempts:    o.cfg.RetryAttempts,
		BaseDelay:   o.cfg.RetryBaseDelay,
		IsRetryable: utils.IsRecoverableError,
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("retrying provider call",
				"provider", meta.Provider,
				"model", req.Model,
				"attempt", attempt,
				"error", err,
			)
		},
	})
	return result, meta.Provider, err
}

func (o *Orchestrator) dispatchAndFormat(ctx context.Context, adapter Adapter, req *CompletionRequest, meta *models.Model, endpoint string, headers map[string]string, body map[string]interface{}, stream bool) (*Result, error) {
	// Adapters doing their own transport and signing bypass the generic
	// dispatcher entirely.
	if caller, ok := adapter.(CustomCaller); ok {
		return caller.Call(ctx, req, meta, body)
	}

	dispatched, err := o.dispatcher.Dispatch(ctx, DispatchInput{
		Provider:        adapter.Name(),
		Endpoint:        endpoint,
		Headers:         headers,
		Body:            body,
		Stream:          stream,
		Timeout:         meta.RequestTimeout(o.cfg.DefaultTimeout),
		RelayCompatible: adapter.RelayCompatible(),
	})
	if err != nil {
		return nil, err
	}

	// 6. Streams are returned unprocessed.
	if dispatched.Stream != nil {
		return &Result{Status: "success", Stream: dispatched.Stream}, nil
	}

	// Async-capable adapters interpret the document themselves: it may be
	// a terminal result or a freshly-created job.
	if handler, ok := adapter.(ResponseHandler); ok {
		return handler.HandleResponse(ctx, req, meta, dispatched.Document)
	}

	// 7. Format and return.
	doc := dispatched.Document
	if formatter, ok := adapter.(Formatter); ok {
		doc, err = formatter.FormatResponse(req, meta, doc)
		if err != nil {
			return nil, err
		}
	}
	return &Result{Status: "success", Data: doc}, nil
}

func (o *Orchestrator) record(req *CompletionRequest, provider string, result *Result, err error, latency time.Duration) {
	metric := metrics.CallMetric{
		Provider:  provider,
		Model:     req.Model,
		Stream:    req.Stream,
		LatencyMs: latency.Milliseconds(),
		Settings:  map[string]interface{}{},
	}
	if result != nil {
		metric.Async = result.Async != nil
	}
	if err != nil {
		metric.Error = err.Error()
	}
	if req.Params.Temperature != nil {
		metric.Settings["temperature"] = *req.Params.Temperature
	}
	if req.Params.MaxTokens != nil {
		metric.Settings["maxTokens"] = *req.Params.MaxTokens
	}
	if req.Params.TopP != nil {
		metric.Settings["topP"] = *req.Params.TopP
	}
	o.sink.RecordCall(metric)
}
