package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// PollingStatus discriminates the outcome of one poll of an upstream job.
type PollingStatus string

const (
	StatusInProgress PollingStatus = "in_progress"
	StatusCompleted  PollingStatus = "completed"
	StatusFailed     PollingStatus = "failed"
)

// PollingResult is the discriminated outcome of polling an invocation.
// Exactly one of Result / ErrorDetail is meaningful, selected by Status.
type PollingResult struct {
	Status      PollingStatus          `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`      // populated when completed
	ErrorDetail string                 `json:"errorDetail,omitempty"` // populated when failed
}

// Terminal reports whether the result will never change on further polls.
func (r *PollingResult) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// Poller resolves the current state of one stored invocation. Implementations
// must work from the metadata alone: polling may happen in a process that
// did not submit the job.
type Poller interface {
	PollInvocation(ctx context.Context, meta *models.InvocationMetadata) (*PollingResult, error)
}

// Tracker creates invocation metadata at job submission and resolves stored
// invocations by dispatching on their type discriminator.
type Tracker struct {
	mu      sync.RWMutex
	pollers map[string]Poller
	logger  *utils.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *utils.Logger) *Tracker {
	if logger == nil {
		logger = utils.NewLogger("async")
	}
	return &Tracker{
		pollers: make(map[string]Poller),
		logger:  logger,
	}
}

// RegisterPoller binds an invocation type to its polling strategy.
func (t *Tracker) RegisterPoller(invocationType string, p Poller) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pollers[invocationType] = p
}

// NewMetadata assembles a fully-populated invocation record. The returned
// value is safe to serialize and resubmit from another process.
func NewMetadata(provider, jobID, invocationType string, pollInterval time.Duration, initial, extra map[string]interface{}, hints models.ContentHints) *models.InvocationMetadata {
	return &models.InvocationMetadata{
		Provider:        provider,
		ID:              jobID,
		Type:            invocationType,
		PollIntervalMs:  int(pollInterval / time.Millisecond),
		InitialResponse: models.JSONB(initial),
		Context:         models.JSONB(extra),
		ContentHints:    hints,
		CreatedAt:       time.Now().UTC(),
	}
}

// Poll resolves the current state of an invocation. Polling an
// already-terminal job returns the same terminal result again; upstream
// status endpoints are expected to keep reporting the final state.
func (t *Tracker) Poll(ctx context.Context, meta *models.InvocationMetadata) (*PollingResult, error) {
	if meta == nil {
		return nil, utils.NewParamsError("metadata", "invocation metadata is required")
	}
	if meta.ID == "" {
		return nil, utils.NewParamsError("metadata.id", "invocation metadata has no job identifier")
	}

	t.mu.RLock()
	poller, ok := t.pollers[meta.Type]
	t.mu.RUnlock()
	if !ok {
		return nil, utils.NewConfigurationError("metadata.type", fmt.Sprintf("no poller registered for invocation type %q", meta.Type))
	}

	result, err := poller.PollInvocation(ctx, meta)
	if err != nil {
		return nil, err
	}

	t.logger.Debug("polled invocation",
		"provider", meta.Provider,
		"type", meta.Type,
		"status", result.Status,
	)
	return result, nil
}
