package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"modelgateway/internal/async"
	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// rewriteTransport retargets every request at a local test server; the
// adapter builds URLs against the real upstream host.
type rewriteTransport struct {
	target *url.URL
	base   http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return t.base.RoundTrip(req)
}

type routedServer struct {
	client *http.Client
}

func newRoutedServer(t *testing.T, handler http.HandlerFunc) *routedServer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	target, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("Parsing server URL failed: %v", err)
	}
	client := &http.Client{
		Transport: &rewriteTransport{target: target, base: server.Client().Transport},
	}
	return &routedServer{client: client}
}

func testReplicateAdapter(httpClient *http.Client) *ReplicateAdapter {
	defaultEnv := Env{Keys: map[string]string{"REPLICATE_API_KEY": "r8-test"}}
	return NewReplicateAdapter(NewCredentialResolver(nil, time.Minute, nil), httpClient, defaultEnv, nil)
}

func replicateRequest() *CompletionRequest {
	return &CompletionRequest{
		Model:        "sdxl",
		Messages:     []Message{{Role: "user", Parts: []ContentPart{TextPart("a red fox")}}},
		CompletionID: "comp-1",
		Env: Env{
			Keys:            map[string]string{"REPLICATE_API_KEY": "r8-test"},
			CallbackBaseURL: "https://gateway.example.com",
			WebhookSecret:   "hook-secret",
		},
	}
}

func replicateModel() *models.Model {
	return &models.Model{
		ModelName:       "sdxl",
		Provider:        "replicate",
		UpstreamModelID: "version-abc123",
		Mode:            "image",
	}
}

func TestReplicate_Validate(t *testing.T) {
	a := testReplicateAdapter(nil)
	meta := replicateModel()

	if err := a.Validate(replicateRequest(), meta); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}

	// PollOnly bypasses the webhook requirements entirely.
	polling := replicateRequest()
	polling.CompletionID = ""
	polling.Env.WebhookSecret = ""
	polling.Env.CallbackBaseURL = ""
	polling.PollOnly = true
	if err := a.Validate(polling, meta); err != nil {
		t.Errorf("Expected pollOnly to bypass webhook checks, got %v", err)
	}

	noID := replicateRequest()
	noID.CompletionID = ""
	var paramsErr *utils.ParamsError
	if err := a.Validate(noID, meta); !errors.As(err, &paramsErr) {
		t.Errorf("Expected ParamsError for missing completion id, got %v", err)
	}

	var cfgErr *utils.ConfigurationError
	noSecret := replicateRequest()
	noSecret.Env.WebhookSecret = ""
	if err := a.Validate(noSecret, meta); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for missing webhook secret, got %v", err)
	}

	noCallback := replicateRequest()
	noCallback.Env.CallbackBaseURL = ""
	if err := a.Validate(noCallback, meta); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for missing callback base, got %v", err)
	}

	noVersion := replicateModel()
	noVersion.UpstreamModelID = ""
	if err := a.Validate(replicateRequest(), noVersion); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError for missing model version, got %v", err)
	}
}

func TestReplicate_MapParameters(t *testing.T) {
	a := testReplicateAdapter(nil)
	meta := replicateModel()
	meta.InputSchema = models.SchemaFields{
		{Name: "num_outputs", Type: "integer", Default: 1},
	}

	body, err := a.MapParameters(replicateRequest(), meta)
	if err != nil {
		t.Fatalf("MapParameters failed: %v", err)
	}
	if body["version"] != "version-abc123" {
		t.Errorf("Expected the version pinned, got %v", body["version"])
	}

	input := body["input"].(map[string]interface{})
	if input["prompt"] != "a red fox" {
		t.Errorf("Expected the last user text as prompt, got %v", input)
	}
	if input["num_outputs"] != 1 {
		t.Errorf("Expected schema defaults applied, got %v", input)
	}

	webhook, ok := body["webhook"].(string)
	if !ok {
		t.Fatalf("Expected a webhook URL, got %v", body["webhook"])
	}
	parsed, err := url.Parse(webhook)
	if err != nil {
		t.Fatalf("Webhook URL does not parse: %v", err)
	}
	if parsed.Path != "/webhooks/replicate" {
		t.Errorf("Unexpected webhook path %q", parsed.Path)
	}
	q := parsed.Query()
	if q.Get("completionId") != "comp-1" || q.Get("token") != "hook-secret" {
		t.Errorf("Webhook query missing correlation fields: %v", q)
	}

	filter, ok := body["webhook_events_filter"].([]string)
	if !ok || len(filter) != 1 || filter[0] != "completed" {
		t.Errorf("Unexpected events filter: %v", body["webhook_events_filter"])
	}
}

func TestReplicate_MapParameters_PollOnly(t *testing.T) {
	a := testReplicateAdapter(nil)

	req := replicateRequest()
	req.PollOnly = true
	body, err := a.MapParameters(req, replicateModel())
	if err != nil {
		t.Fatalf("MapParameters failed: %v", err)
	}
	if _, present := body["webhook"]; present {
		t.Error("Expected no webhook for a pollOnly submission")
	}
}

func TestReplicate_BuildHeaders(t *testing.T) {
	a := testReplicateAdapter(nil)

	headers, err := a.BuildHeaders(context.Background(), replicateRequest(), replicateModel())
	if err != nil {
		t.Fatalf("BuildHeaders failed: %v", err)
	}
	if headers["Authorization"] != "Token r8-test" {
		t.Errorf("Unexpected Authorization header %q", headers["Authorization"])
	}
}

func TestReplicate_HandleResponse_FastCompletion(t *testing.T) {
	a := testReplicateAdapter(nil)
	doc := map[string]interface{}{
		"id":     "pred-1",
		"status": "succeeded",
		"output": []interface{}{"https://replicate.delivery/img.png"},
	}

	result, err := a.HandleResponse(context.Background(), replicateRequest(), replicateModel(), doc)
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if result.Status != "success" || result.Async != nil {
		t.Errorf("Expected a synchronous success, got %+v", result)
	}
	if result.Data["id"] != "pred-1" {
		t.Errorf("Expected the document returned, got %v", result.Data)
	}
}

func TestReplicate_HandleResponse_Pending(t *testing.T) {
	a := testReplicateAdapter(nil)
	meta := replicateModel()
	meta.PollIntervalMs = 3000

	req := replicateRequest()
	req.User.UserID = "user-1"
	doc := map[string]interface{}{"id": "pred-2", "status": "starting"}

	result, err := a.HandleResponse(context.Background(), req, meta, doc)
	if err != nil {
		t.Fatalf("HandleResponse failed: %v", err)
	}
	if result.Status != "in_progress" || result.Async == nil {
		t.Fatalf("Expected an async placeholder, got %+v", result)
	}
	md := result.Async
	if md.ID != "pred-2" || md.Type != models.InvocationTypeReplicatePrediction {
		t.Errorf("Unexpected metadata: %+v", md)
	}
	if md.PollIntervalMs != 3000 {
		t.Errorf("Expected the model's poll interval, got %d", md.PollIntervalMs)
	}
	if md.ContextString("userId") != "user-1" {
		t.Errorf("Expected the user carried for later credential resolution: %v", md.Context)
	}
	if result.PlaceholderText == "" {
		t.Error("Expected placeholder text")
	}
}

func TestReplicate_HandleResponse_Failures(t *testing.T) {
	a := testReplicateAdapter(nil)
	ctx := context.Background()

	var provErr *utils.ProviderError

	_, err := a.HandleResponse(ctx, replicateRequest(), replicateModel(), map[string]interface{}{
		"id": "pred-3", "status": "failed", "error": "NSFW content detected",
	})
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if provErr.Message != "NSFW content detected" {
		t.Errorf("Expected the upstream error surfaced, got %q", provErr.Message)
	}

	// A non-empty error field is a failure even without a terminal status.
	_, err = a.HandleResponse(ctx, replicateRequest(), replicateModel(), map[string]interface{}{
		"id": "pred-4", "status": "processing", "error": "cuda out of memory",
	})
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}

	// No prediction id on a non-terminal document.
	_, err = a.HandleResponse(ctx, replicateRequest(), replicateModel(), map[string]interface{}{
		"status": "starting",
	})
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
}

func TestReplicate_PollInvocation(t *testing.T) {
	responses := map[string]string{
		"pred-done":    `{"id":"pred-done","status":"succeeded","output":["x"]}`,
		"pred-running": `{"id":"pred-running","status":"processing"}`,
		"pred-failed":  `{"id":"pred-failed","status":"failed","error":"boom"}`,
	}
	server := newRoutedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "Token r8-test" {
			t.Errorf("Unexpected Authorization header %q", auth)
		}
		id := strings.TrimPrefix(r.URL.Path, "/v1/predictions/")
		if body, ok := responses[id]; ok {
			_, _ = w.Write([]byte(body))
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"detail":"not found"}`))
	})

	a := testReplicateAdapter(server.client)
	ctx := context.Background()
	meta := func(id string) *models.InvocationMetadata {
		return &models.InvocationMetadata{
			Provider: "replicate",
			ID:       id,
			Type:     models.InvocationTypeReplicatePrediction,
			Context:  models.JSONB{"userId": "user-1"},
		}
	}

	done, err := a.PollInvocation(ctx, meta("pred-done"))
	if err != nil {
		t.Fatalf("PollInvocation failed: %v", err)
	}
	if done.Status != async.StatusCompleted || done.Result["id"] != "pred-done" {
		t.Errorf("Unexpected result: %+v", done)
	}

	running, err := a.PollInvocation(ctx, meta("pred-running"))
	if err != nil {
		t.Fatalf("PollInvocation failed: %v", err)
	}
	if running.Status != async.StatusInProgress || running.Terminal() {
		t.Errorf("Unexpected result: %+v", running)
	}

	failed, err := a.PollInvocation(ctx, meta("pred-failed"))
	if err != nil {
		t.Fatalf("PollInvocation failed: %v", err)
	}
	if failed.Status != async.StatusFailed || failed.ErrorDetail != "boom" {
		t.Errorf("Unexpected result: %+v", failed)
	}

	_, err = a.PollInvocation(ctx, meta("pred-unknown"))
	var provErr *utils.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusNotFound || provErr.Message != "not found" {
		t.Errorf("Unexpected error: %+v", provErr)
	}
}

func TestReplicate_WaitForCompletion(t *testing.T) {
	polls := 0
	server := newRoutedServer(t, func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "processing"
		if polls >= 3 {
			status = "succeeded"
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "pred-1", "status": status})
	})

	a := testReplicateAdapter(server.client)
	meta := &models.InvocationMetadata{
		Provider: "replicate",
		ID:       "pred-1",
		Type:     models.InvocationTypeReplicatePrediction,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := a.WaitForCompletion(ctx, meta, 5)
	if err != nil {
		t.Fatalf("WaitForCompletion failed: %v", err)
	}
	if result.Status != async.StatusCompleted {
		t.Errorf("Expected completed, got %v", result.Status)
	}
	if polls != 3 {
		t.Errorf("Expected 3 polls, got %d", polls)
	}
}

func TestReplicate_WaitForCompletion_Budget(t *testing.T) {
	server := newRoutedServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"pred-1","status":"processing"}`))
	})

	a := testReplicateAdapter(server.client)
	meta := &models.InvocationMetadata{
		Provider: "replicate",
		ID:       "pred-1",
		Type:     models.InvocationTypeReplicatePrediction,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := a.WaitForCompletion(ctx, meta, 2)
	if err == nil {
		t.Fatal("Expected an error when the budget runs out")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		var provErr *utils.ProviderError
		if !errors.As(err, &provErr) {
			t.Fatalf("Expected ProviderError or deadline, got %v", err)
		}
	}
}

func TestReplicateFailed(t *testing.T) {
	cases := []struct {
		doc    map[string]interface{}
		status string
		want   bool
	}{
		{map[string]interface{}{}, "failed", true},
		{map[string]interface{}{}, "canceled", true},
		{map[string]interface{}{}, "processing", false},
		{map[string]interface{}{"error": "boom"}, "processing", true},
		{map[string]interface{}{"error": ""}, "processing", false},
		{map[string]interface{}{"error": nil}, "processing", false},
		{map[string]interface{}{"error": map[string]interface{}{"code": 1}}, "processing", true},
	}
	for _, tc := range cases {
		if got := replicateFailed(tc.doc, tc.status); got != tc.want {
			t.Errorf("replicateFailed(%v, %q) = %v, want %v", tc.doc, tc.status, got, tc.want)
		}
	}
}
