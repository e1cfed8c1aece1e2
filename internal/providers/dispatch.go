package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"modelgateway/internal/relay"
	"modelgateway/internal/utils"
)

// Observability headers set by the metering relay, passed through verbatim
// as extra fields on the returned document.
const (
	headerEventID     = "cf-aig-event-id"
	headerLogID       = "cf-aig-log-id"
	headerCacheStatus = "cf-aig-cache-status"
)

// MultipartField is one part of a multipart body.
type MultipartField struct {
	Name     string
	Filename string // empty for plain form fields
	MIMEType string
	Value    []byte
}

// DispatchInput describes one upstream call.
type DispatchInput struct {
	Provider string
	// Endpoint is an absolute URL for direct calls or a relay-relative
	// path for relayed ones.
	Endpoint string
	Headers  map[string]string
	Body     map[string]interface{}
	// Multipart, when set, replaces Body. Multipart is only valid for
	// direct URL calls; the relay does not carry multipart payloads.
	Multipart []MultipartField
	Stream    bool
	Timeout   time.Duration
	// RelayCompatible gates whether a relay-relative endpoint is allowed.
	RelayCompatible bool
}

// DispatchResult is either a parsed JSON document augmented with the
// gateway observability fields, or an opaque byte stream handle. Exactly
// one is populated.
type DispatchResult struct {
	Document map[string]interface{}
	Stream   io.ReadCloser
}

// Dispatcher performs the actual upstream call, directly or through the
// metering relay, and classifies failures into typed errors.
type Dispatcher struct {
	httpClient *http.Client
	relay      *relay.Client
	logger     *utils.Logger
}

// NewUpstreamClient returns the pooled client for upstream provider calls.
// It carries no client-level timeout: http.Client.Timeout covers reading
// the response body and would sever live streams mid-read. Deadlines are
// applied per call, through the request context, on non-stream calls only.
func NewUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// NewDispatcher creates a dispatcher. relayClient may be nil when no relay
// binding is configured; relay-relative endpoints then fail fast.
func NewDispatcher(httpClient *http.Client, relayClient *relay.Client, logger *utils.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = NewUpstreamClient()
	}
	if logger == nil {
		logger = utils.NewLogger("dispatch")
	}
	return &Dispatcher{httpClient: httpClient, relay: relayClient, logger: logger}
}

// IsStreamRequest decides, from the mapped body and the endpoint alone,
// whether the response will be a byte stream rather than a single JSON
// document. Some endpoints encode streaming in their path.
func IsStreamRequest(body map[string]interface{}, endpoint string) bool {
	if body != nil {
		if v, ok := body["stream"].(bool); ok && v {
			return true
		}
	}
	return strings.Contains(endpoint, ":streamGenerateContent") ||
		strings.Contains(endpoint, "invoke-with-response-stream") ||
		strings.Contains(endpoint, "converse-stream")
}

// Dispatch performs the call and returns either the parsed document or the
// live stream.
func (d *Dispatcher) Dispatch(ctx context.Context, in DispatchInput) (*DispatchResult, error) {
	isRelay := !isAbsoluteURL(in.Endpoint)

	if isRelay && len(in.Multipart) > 0 {
		// Multipart bodies require direct URL calls; the relay only
		// carries JSON envelopes.
		return nil, utils.NewConfigurationError(in.Provider, "multipart requests cannot be routed through the relay")
	}
	if isRelay && !in.RelayCompatible {
		return nil, utils.NewConfigurationError(in.Provider, "provider is not relay compatible but endpoint is relay-relative")
	}
	if isRelay && d.relay == nil {
		return nil, utils.NewConfigurationError("relay", "no relay binding configured for relay-relative endpoint")
	}

	// Stream requests keep the parent context: a per-call timeout would
	// sever the live handle mid-stream.
	if in.Timeout > 0 && !in.Stream {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}

	resp, err := d.send(ctx, in, isRelay)
	if err != nil {
		return nil, &utils.ProviderError{Provider: in.Provider, Message: "request failed", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, classifyErrorResponse(in.Provider, resp)
	}

	if in.Stream {
		// Live handle, not buffered; backpressure belongs to the transport.
		return &DispatchResult{Stream: resp.Body}, nil
	}

	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &utils.ProviderError{Provider: in.Provider, Message: "failed to read response body", Err: err}
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		// A 2xx that is not JSON means the upstream is misbehaving;
		// retrying will not help.
		return nil, &utils.ProviderError{
			Provider:   in.Provider,
			Message:    "upstream returned invalid JSON",
			RawExcerpt: utils.TruncateExcerpt(string(raw)),
		}
	}

	mergeObservabilityHeaders(doc, resp.Header)
	return &DispatchResult{Document: doc}, nil
}

func (d *Dispatcher) send(ctx context.Context, in DispatchInput, isRelay bool) (*http.Response, error) {
	if isRelay {
		body, err := json.Marshal(in.Body)
		if err != nil {
			return nil, err
		}
		return d.relay.Submit(ctx, in.Provider, in.Endpoint, in.Headers, body, relay.DefaultConfig(in.Timeout))
	}

	var payload io.Reader
	contentType := "application/json"

	if len(in.Multipart) > 0 {
		buf := &bytes.Buffer{}
		writer := multipart.NewWriter(buf)
		for _, field := range in.Multipart {
			var part io.Writer
			var err error
			if field.Filename != "" {
				part, err = writer.CreateFormFile(field.Name, field.Filename)
			} else {
				part, err = writer.CreateFormField(field.Name)
			}
			if err != nil {
				return nil, err
			}
			if _, err := part.Write(field.Value); err != nil {
				return nil, err
			}
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
		payload = buf
		contentType = writer.FormDataContentType()
	} else {
		body, err := json.Marshal(in.Body)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, in.Endpoint, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	return d.httpClient.Do(req)
}

// classifyErrorResponse turns a non-2xx response into a ProviderError,
// preferring the parsed upstream error payload and falling back to a raw
// text excerpt.
func classifyErrorResponse(provider string, resp *http.Response) error {
	raw, _ := io.ReadAll(resp.Body)

	provErr := &utils.ProviderError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Message:    http.StatusText(resp.StatusCode),
	}

	var upstream map[string]interface{}
	if err := json.Unmarshal(raw, &upstream); err == nil {
		provErr.UpstreamBody = upstream
		if msg := upstreamErrorMessage(upstream); msg != "" {
			provErr.Message = msg
		}
	} else {
		provErr.RawExcerpt = utils.TruncateExcerpt(string(raw))
	}

	return provErr
}

// upstreamErrorMessage digs the human-readable message out of the common
// upstream error shapes.
func upstreamErrorMessage(doc map[string]interface{}) string {
	if msg, ok := doc["message"].(string); ok {
		return msg
	}
	if detail, ok := doc["detail"].(string); ok {
		return detail
	}
	switch e := doc["error"].(type) {
	case string:
		return e
	case map[string]interface{}:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// mergeObservabilityHeaders attaches the relay observability fields to the
// document. Missing headers become explicit nulls so callers can rely on
// the keys being present.
func mergeObservabilityHeaders(doc map[string]interface{}, headers http.Header) {
	doc["eventId"] = headerOrNil(headers, headerEventID)
	doc["log_id"] = headerOrNil(headers, headerLogID)
	doc["cacheStatus"] = headerOrNil(headers, headerCacheStatus)
}

func headerOrNil(headers http.Header, name string) interface{} {
	if v := headers.Get(name); v != "" {
		return v
	}
	return nil
}

// isAbsoluteURL reports whether the endpoint carries its own scheme.
func isAbsoluteURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
