package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"modelgateway/internal/async"
	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

const (
	replicateProviderName = "replicate"
	replicateBaseURL      = "https://api.replicate.com/v1"

	// replicateEnvKey names the process-wide API token in the environment
	// bag.
	replicateEnvKey = "REPLICATE_API_KEY"

	replicatePendingText = "Your prediction is running. The result will be delivered when it completes."
	replicateFailureText = "The prediction failed to complete."

	defaultReplicatePollInterval = 5 * time.Second

	// replicatePollTimeout bounds one status GET.
	replicatePollTimeout = 30 * time.Second
)

// ReplicateAdapter submits predictions to an upstream that either pushes a
// webhook callback or requires polling, selectable per call. Fast jobs
// often finish synchronously; the submission response is inspected for a
// terminal state before any async machinery engages.
type ReplicateAdapter struct {
	creds      *CredentialResolver
	httpClient *http.Client
	defaultEnv Env
	logger     *utils.Logger
}

// NewReplicateAdapter builds the adapter over a credential resolver.
// defaultEnv supplies credentials when polling runs without an inbound
// request.
func NewReplicateAdapter(creds *CredentialResolver, httpClient *http.Client, defaultEnv Env, logger *utils.Logger) *ReplicateAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = utils.NewLogger(replicateProviderName)
	}
	return &ReplicateAdapter{
		creds:      creds,
		httpClient: httpClient,
		defaultEnv: defaultEnv,
		logger:     logger,
	}
}

func (a *ReplicateAdapter) Name() string { return replicateProviderName }

func (a *ReplicateAdapter) SupportsStreaming() bool { return false }

func (a *ReplicateAdapter) RelayCompatible() bool { return true }

// Validate requires a completion id for webhook correlation unless the
// caller explicitly opted into polling, plus the shared secret that
// authenticates inbound webhooks.
func (a *ReplicateAdapter) Validate(req *CompletionRequest, meta *models.Model) error {
	if meta.UpstreamID() == "" {
		return utils.NewConfigurationError("model", "no upstream version configured for model")
	}
	if req.PollOnly {
		return nil
	}
	if req.CompletionID == "" {
		return utils.NewParamsError("completionId", "completionId is required unless pollOnly is set")
	}
	if req.Env.WebhookSecret == "" {
		return utils.NewConfigurationError("webhookSecret", "no webhook secret configured")
	}
	if req.Env.CallbackBaseURL == "" {
		return utils.NewConfigurationError("callbackBaseUrl", "no callback base URL configured")
	}
	return nil
}

func (a *ReplicateAdapter) ResolveEndpoint(req *CompletionRequest, meta *models.Model) (string, error) {
	return replicateBaseURL + "/predictions", nil
}

func (a *ReplicateAdapter) BuildHeaders(ctx context.Context, req *CompletionRequest, meta *models.Model) (map[string]string, error) {
	creds, err := a.creds.ResolveAPIKey(ctx, replicateProviderName, req.User.UserID, req.Env.Key(replicateEnvKey))
	if err != nil {
		return nil, err
	}
	return map[string]string{
		"Authorization": "Token " + creds.APIKey,
	}, nil
}

func (a *ReplicateAdapter) MapParameters(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error) {
	input := map[string]interface{}{}
	if prompt := req.LastUserText(); prompt != "" {
		input["prompt"] = prompt
	}
	if err := ApplyInputSchema(input, req.Extra, meta.InputSchema); err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"version": meta.UpstreamID(),
		"input":   input,
	}

	if !req.PollOnly {
		body["webhook"] = webhookCallbackURL(req.Env.CallbackBaseURL, req.CompletionID, req.Env.WebhookSecret)
		body["webhook_events_filter"] = []string{"completed"}
	}
	return body, nil
}

// webhookCallbackURL carries the completion id and shared secret as query
// parameters so the inbound webhook can be correlated and authenticated.
func webhookCallbackURL(base, completionID, secret string) string {
	q := url.Values{}
	q.Set("completionId", completionID)
	q.Set("token", secret)
	return strings.TrimSuffix(base, "/") + "/webhooks/replicate?" + q.Encode()
}

// HandleResponse inspects the submission response. Fast jobs come back
// already succeeded and are returned synchronously; anything else yields an
// async placeholder or a typed failure.
func (a *ReplicateAdapter) HandleResponse(ctx context.Context, req *CompletionRequest, meta *models.Model, doc map[string]interface{}) (*Result, error) {
	status, _ := doc["status"].(string)

	switch {
	case status == "succeeded":
		return &Result{Status: "success", Data: doc}, nil

	case replicateFailed(doc, status):
		return nil, &utils.ProviderError{
			Provider:     replicateProviderName,
			Message:      replicateErrorDetail(doc, status),
			UpstreamBody: doc,
		}
	}

	jobID, _ := doc["id"].(string)
	if jobID == "" {
		return nil, &utils.ProviderError{
			Provider:     replicateProviderName,
			Message:      "submission response contains no prediction id",
			UpstreamBody: doc,
		}
	}

	hints := models.ContentHints{Pending: replicatePendingText, Failure: replicateFailureText}
	md := async.NewMetadata(
		replicateProviderName,
		jobID,
		models.InvocationTypeReplicatePrediction,
		meta.PollInterval(defaultReplicatePollInterval),
		doc,
		map[string]interface{}{"userId": req.User.UserID},
		hints,
	)

	a.logger.Info("submitted prediction", "model", meta.ModelName, "pollOnly", req.PollOnly)
	return &Result{Status: "in_progress", Async: md, PlaceholderText: hints.Pending}, nil
}

// PollInvocation hits the get-by-id endpoint. Terminal predictions keep
// reporting the same state, so repeated polls of a finished job are
// deterministic.
func (a *ReplicateAdapter) PollInvocation(ctx context.Context, meta *models.InvocationMetadata) (*async.PollingResult, error) {
	creds, err := a.creds.ResolveAPIKey(ctx, replicateProviderName, meta.ContextString("userId"), a.defaultEnv.Key(replicateEnvKey))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, replicatePollTimeout)
	defer cancel()

	endpoint := replicateBaseURL + "/predictions/" + url.PathEscape(meta.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Token "+creds.APIKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, &utils.ProviderError{Provider: replicateProviderName, Message: "status request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyErrorResponse(replicateProviderName, resp)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &utils.ProviderError{Provider: replicateProviderName, Message: "status response is not valid JSON", Err: err}
	}

	status, _ := doc["status"].(string)
	switch {
	case status == "succeeded":
		return &async.PollingResult{Status: async.StatusCompleted, Result: doc}, nil
	case replicateFailed(doc, status):
		return &async.PollingResult{
			Status:      async.StatusFailed,
			ErrorDetail: replicateErrorDetail(doc, status),
		}, nil
	default:
		return &async.PollingResult{Status: async.StatusInProgress}, nil
	}
}

// WaitForCompletion is the blocking convenience wrapper for callers that
// explicitly opted into a synchronous wait. Same status semantics as
// PollInvocation, bounded by maxAttempts and the context.
func (a *ReplicateAdapter) WaitForCompletion(ctx context.Context, meta *models.InvocationMetadata, maxAttempts int) (*async.PollingResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = 60
	}
	interval := meta.PollInterval()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		result, err := a.PollInvocation(ctx, meta)
		if err != nil {
			return nil, err
		}
		if result.Terminal() {
			return result, nil
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, &utils.ProviderError{
		Provider: replicateProviderName,
		Message:  fmt.Sprintf("prediction %s did not complete within %d polls", meta.ID, maxAttempts),
	}
}

func replicateFailed(doc map[string]interface{}, status string) bool {
	if status == "failed" || status == "canceled" {
		return true
	}
	if e, ok := doc["error"]; ok && e != nil {
		if s, isString := e.(string); !isString || s != "" {
			return true
		}
	}
	return false
}

func replicateErrorDetail(doc map[string]interface{}, status string) string {
	if e, ok := doc["error"].(string); ok && e != "" {
		return e
	}
	if status == "" {
		status = "unknown"
	}
	return "prediction ended with status " + status
}
