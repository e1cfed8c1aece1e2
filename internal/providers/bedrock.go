package providers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"modelgateway/internal/async"
	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

const (
	bedrockProviderName = "bedrock"
	bedrockService      = "bedrock"

	// bedrockEnvKey names the process-wide composite credential
	// (accessKey::@@::secretKey) in the environment bag.
	bedrockEnvKey = "BEDROCK_AWS_KEYS"

	// bedrockOutputKey optionally names an S3 URI where async jobs write
	// their output.
	bedrockOutputKey = "BEDROCK_OUTPUT_S3_URI"

	bedrockPendingText = "Your request was submitted and is still being processed. Check back shortly."
	bedrockFailureText = "The provider could not complete this request."

	defaultBedrockPollInterval = 10 * time.Second

	// defaultBedrockCallTimeout bounds non-stream calls when the model
	// has no timeout override. Streams run without a deadline.
	defaultBedrockCallTimeout = 5 * time.Minute

	// bedrockPollTimeout bounds one status GET.
	bedrockPollTimeout = 30 * time.Second
)

// BedrockOptions configures the signed-request adapter.
type BedrockOptions struct {
	// HTTPClient carries both the signed upstream calls and remote media
	// fetches. Defaults to a pooled client.
	HTTPClient *http.Client

	// RelayBaseURL, when set, routes signed requests through the metering
	// relay: the request is signed against the upstream host, then the
	// URL's host and path are rewritten onto the relay while the
	// signature-bearing headers are preserved.
	RelayBaseURL string

	// DefaultEnv is the process-wide environment bag, used when polling
	// runs without an inbound request to borrow one from.
	DefaultEnv Env

	Logger *utils.Logger
}

// BedrockAdapter calls AWS Bedrock. It signs its own requests (SigV4) and
// therefore bypasses the generic dispatcher, and it exposes three call
// shapes behind one model: synchronous invoke, streaming invoke, and
// start-then-poll async invoke.
type BedrockAdapter struct {
	creds      *CredentialResolver
	signer     *v4.Signer
	httpClient *http.Client
	relayBase  *url.URL
	defaultEnv Env
	logger     *utils.Logger
}

// NewBedrockAdapter builds the adapter over a credential resolver.
func NewBedrockAdapter(creds *CredentialResolver, opts BedrockOptions) (*BedrockAdapter, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// No client-level timeout: it would cut streaming responses off
		// mid-body. Non-stream calls get a context deadline instead.
		httpClient = NewUpstreamClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = utils.NewLogger(bedrockProviderName)
	}

	var relayBase *url.URL
	if opts.RelayBaseURL != "" {
		parsed, err := url.Parse(opts.RelayBaseURL)
		if err != nil || parsed.Host == "" {
			return nil, utils.NewConfigurationError("relay", "invalid relay base URL for bedrock")
		}
		relayBase = parsed
	}

	return &BedrockAdapter{
		creds:      creds,
		signer:     v4.NewSigner(),
		httpClient: httpClient,
		relayBase:  relayBase,
		defaultEnv: opts.DefaultEnv,
		logger:     logger,
	}, nil
}

func (a *BedrockAdapter) Name() string { return bedrockProviderName }

func (a *BedrockAdapter) SupportsStreaming() bool { return true }

// RelayCompatible is false: relay routing happens inside the adapter's own
// transport, after signing, not through the generic relay envelope.
func (a *BedrockAdapter) RelayCompatible() bool { return false }

func (a *BedrockAdapter) Validate(req *CompletionRequest, meta *models.Model) error {
	if _, err := a.region(req, meta); err != nil {
		return err
	}
	if meta.Mode == "image" || meta.Mode == "video" {
		if req.LastUserText() == "" {
			return utils.NewParamsError("messages", "a text prompt is required for "+meta.Mode+" generation")
		}
	} else if len(req.Messages) == 0 {
		return utils.NewParamsError("messages", "at least one message is required")
	}
	if len(req.Tools) > 0 && !meta.SupportsFunctionCalling {
		return utils.NewParamsError("tools", "model does not support tool calling")
	}
	return nil
}

// ResolveEndpoint picks one of invoke, invoke-with-response-stream,
// converse, converse-stream or async-invoke. Async models always take the
// async path: an async job cannot stream its submission response.
func (a *BedrockAdapter) ResolveEndpoint(req *CompletionRequest, meta *models.Model) (string, error) {
	region, err := a.region(req, meta)
	if err != nil {
		return "", err
	}
	base := "https://bedrock-runtime." + region + ".amazonaws.com"

	if meta.AsyncInvoke {
		return base + "/async-invoke", nil
	}

	stream := req.Stream && meta.SupportsNativeStreaming
	var op string
	switch {
	case meta.SupportsConverseAPI && stream:
		op = "converse-stream"
	case meta.SupportsConverseAPI:
		op = "converse"
	case stream:
		op = "invoke-with-response-stream"
	default:
		op = "invoke"
	}
	return base + "/model/" + url.PathEscape(meta.UpstreamID()) + "/" + op, nil
}

// BuildHeaders is minimal: authentication is carried by the signature,
// which is computed at send time over the final body.
func (a *BedrockAdapter) BuildHeaders(ctx context.Context, req *CompletionRequest, meta *models.Model) (map[string]string, error) {
	return map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}, nil
}

func (a *BedrockAdapter) MapParameters(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error) {
	var body map[string]interface{}
	switch meta.Mode {
	case "image":
		body = imageTaskPayload(req.LastUserText())
	case "video":
		body = videoTaskPayload(req.LastUserText())
	default:
		var err error
		body, err = a.mapChatBody(req, meta)
		if err != nil {
			return nil, err
		}
	}

	if err := ApplyInputSchema(body, req.Extra, meta.InputSchema); err != nil {
		return nil, err
	}

	if meta.AsyncInvoke {
		wrapped := map[string]interface{}{
			"modelId":    meta.UpstreamID(),
			"modelInput": body,
		}
		if s3URI := req.Env.Key(bedrockOutputKey); s3URI != "" {
			wrapped["outputDataConfig"] = map[string]interface{}{
				"s3OutputDataConfig": map[string]interface{}{"s3Uri": s3URI},
			}
		}
		return wrapped, nil
	}
	return body, nil
}

func (a *BedrockAdapter) mapChatBody(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error) {
	system, messages, err := mapBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{"messages": messages}
	if len(system) > 0 {
		body["system"] = system
	}

	inference := map[string]interface{}{}
	p := req.Params
	if p.MaxTokens != nil {
		inference["maxTokens"] = *p.MaxTokens
	}
	if p.Temperature != nil {
		inference["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		inference["topP"] = *p.TopP
	}
	if len(p.StopSequences) > 0 {
		inference["stopSequences"] = p.StopSequences
	}
	if len(inference) > 0 {
		body["inferenceConfig"] = inference
	}

	if len(req.Tools) > 0 {
		tools := make([]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"toolSpec": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"inputSchema": map[string]interface{}{"json": t.Parameters},
				},
			})
		}
		body["toolConfig"] = map[string]interface{}{"tools": tools}
	}
	return body, nil
}

// Call manages the full transport: media hydration, signing, optional relay
// rewrite, and response interpretation.
func (a *BedrockAdapter) Call(ctx context.Context, req *CompletionRequest, meta *models.Model, body map[string]interface{}) (*Result, error) {
	region, err := a.region(req, meta)
	if err != nil {
		return nil, err
	}
	creds, err := a.awsCredentials(ctx, req.User.UserID, req.Env)
	if err != nil {
		return nil, err
	}
	endpoint, err := a.ResolveEndpoint(req, meta)
	if err != nil {
		return nil, err
	}

	stream := !meta.AsyncInvoke && IsStreamRequest(nil, endpoint)
	if !stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, meta.RequestTimeout(defaultBedrockCallTimeout))
		defer cancel()
	}

	if err := hydrateMediaSources(ctx, a.httpClient, body); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, utils.NewParamsError("body", "request body is not serializable")
	}

	resp, err := a.signedRequest(ctx, http.MethodPost, endpoint, payload, creds, region)
	if err != nil {
		return nil, &utils.ProviderError{Provider: bedrockProviderName, Message: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, classifyErrorResponse(bedrockProviderName, resp)
	}

	if stream {
		return &Result{Status: "success", Stream: NewEventStreamBody(resp.Body)}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &utils.ProviderError{Provider: bedrockProviderName, Message: "failed to read response body", Err: err}
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &utils.ProviderError{
			Provider:   bedrockProviderName,
			Message:    "upstream returned invalid JSON",
			RawExcerpt: utils.TruncateExcerpt(string(raw)),
		}
	}

	if meta.AsyncInvoke {
		return a.asyncPlaceholder(req, meta, doc, region)
	}
	return &Result{Status: "success", Data: doc}, nil
}

// bedrockJobIDAliases are the submission-response field names that may
// carry the job identifier, tried in order. The set is API-version
// dependent.
var bedrockJobIDAliases = []string{"invocationArn", "invocationId", "jobArn"}

func (a *BedrockAdapter) asyncPlaceholder(req *CompletionRequest, meta *models.Model, doc map[string]interface{}, region string) (*Result, error) {
	var jobID string
	for _, alias := range bedrockJobIDAliases {
		if v, ok := doc[alias].(string); ok && v != "" {
			jobID = v
			break
		}
	}
	if jobID == "" {
		return nil, &utils.ProviderError{
			Provider:     bedrockProviderName,
			Message:      "async submission response contains no job identifier",
			UpstreamBody: doc,
		}
	}

	hints := models.ContentHints{Pending: bedrockPendingText, Failure: bedrockFailureText}
	md := async.NewMetadata(
		bedrockProviderName,
		jobID,
		models.InvocationTypeBedrockAsync,
		meta.PollInterval(defaultBedrockPollInterval),
		doc,
		map[string]interface{}{
			"region": region,
			"jobId":  jobID,
			"userId": req.User.UserID,
		},
		hints,
	)

	a.logger.Info("submitted async invocation", "model", meta.ModelName, "region", region)
	return &Result{Status: "in_progress", Async: md, PlaceholderText: hints.Pending}, nil
}

// PollInvocation re-signs a GET against the job-status endpoint using only
// the stored metadata plus re-derivable credentials. It may run in a
// process that never saw the submission.
func (a *BedrockAdapter) PollInvocation(ctx context.Context, meta *models.InvocationMetadata) (*async.PollingResult, error) {
	region := meta.ContextString("region")
	if region == "" {
		return nil, utils.NewConfigurationError("region", "invocation metadata has no region")
	}

	creds, err := a.awsCredentials(ctx, meta.ContextString("userId"), a.defaultEnv)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, bedrockPollTimeout)
	defer cancel()

	endpoint := "https://bedrock-runtime." + region + ".amazonaws.com/async-invoke/" + url.PathEscape(meta.ID)
	resp, err := a.signedRequest(ctx, http.MethodGet, endpoint, nil, creds, region)
	if err != nil {
		return nil, &utils.ProviderError{Provider: bedrockProviderName, Message: "status request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classifyErrorResponse(bedrockProviderName, resp)
	}

	var doc map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, &utils.ProviderError{Provider: bedrockProviderName, Message: "status response is not valid JSON", Err: err}
	}

	status, _ := doc["status"].(string)
	switch bedrockStatusKind(status) {
	case async.StatusCompleted:
		// Fields only present at submission time must not be lost.
		return &async.PollingResult{
			Status: async.StatusCompleted,
			Result: mergeDocuments(meta.InitialResponse, doc),
		}, nil
	case async.StatusFailed:
		return &async.PollingResult{
			Status:      async.StatusFailed,
			ErrorDetail: bedrockFailureDetail(doc, status),
		}, nil
	default:
		return &async.PollingResult{Status: async.StatusInProgress}, nil
	}
}

// bedrockStatusKind folds the upstream status to upper case before mapping.
// Unknown statuses are in progress, never terminal by guess.
func bedrockStatusKind(status string) async.PollingStatus {
	switch strings.ToUpper(status) {
	case "SUCCEEDED", "SUCCESS", "COMPLETED":
		return async.StatusCompleted
	case "FAILED", "ERROR", "CANCELLED", "TIMED_OUT":
		return async.StatusFailed
	default:
		return async.StatusInProgress
	}
}

func bedrockFailureDetail(doc map[string]interface{}, status string) string {
	if msg, ok := doc["failureMessage"].(string); ok && msg != "" {
		return msg
	}
	if msg, ok := doc["message"].(string); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("invocation ended with status %s", status)
}

// mergeDocuments overlays the poll response on the submission response; the
// poll response wins on conflicts. The stored submission document is cloned,
// never mutated.
func mergeDocuments(initial models.JSONB, poll map[string]interface{}) map[string]interface{} {
	merged := initial.Clone()
	if merged == nil {
		merged = make(models.JSONB, len(poll))
	}
	for k, v := range poll {
		merged[k] = v
	}
	return map[string]interface{}(merged)
}

func (a *BedrockAdapter) signedRequest(ctx context.Context, method, endpoint string, payload []byte, creds aws.Credentials, region string) (*http.Response, error) {
	var body io.Reader
	if len(payload) > 0 {
		body = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	hash := sha256.Sum256(payload)
	if err := a.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(hash[:]), bedrockService, region, time.Now().UTC()); err != nil {
		return nil, err
	}

	if a.relayBase != nil {
		a.rewriteThroughRelay(req)
	}
	return a.httpClient.Do(req)
}

// rewriteThroughRelay retargets a signed request at the metering relay. The
// Host header stays the upstream host and all signature-bearing headers are
// untouched, so the signature remains valid end to end.
func (a *BedrockAdapter) rewriteThroughRelay(req *http.Request) {
	req.Host = req.URL.Host
	req.URL.Scheme = a.relayBase.Scheme
	req.URL.Host = a.relayBase.Host
	req.URL.Path = strings.TrimSuffix(a.relayBase.Path, "/") + req.URL.Path
}

func (a *BedrockAdapter) awsCredentials(ctx context.Context, userID string, env Env) (aws.Credentials, error) {
	c, err := a.creds.ResolveComposite(ctx, bedrockProviderName, userID, env.Key(bedrockEnvKey))
	if err != nil {
		return aws.Credentials{}, err
	}
	return aws.Credentials{
		AccessKeyID:     c.AccessKey,
		SecretAccessKey: c.SecretKey,
	}, nil
}

func (a *BedrockAdapter) region(req *CompletionRequest, meta *models.Model) (string, error) {
	if req != nil && req.Env.AWSRegion != "" {
		return req.Env.AWSRegion, nil
	}
	if a.defaultEnv.AWSRegion != "" {
		return a.defaultEnv.AWSRegion, nil
	}
	if len(meta.SupportedRegions) > 0 {
		return meta.SupportedRegions[0], nil
	}
	return "", utils.NewConfigurationError("region", "no AWS region configured for bedrock")
}
