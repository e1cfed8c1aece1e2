package providers

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

func testVertexKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func testVertexServiceAccount(t *testing.T, tokenURL string) string {
	t.Helper()
	sa := map[string]string{
		"client_email": "gateway@test-project.iam.gserviceaccount.com",
		"private_key":  testVertexKeyPEM(t),
		"token_uri":    tokenURL,
	}
	raw, err := json.Marshal(sa)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	return string(raw)
}

// vertexTokenServer serves the OAuth token endpoint, counting exchanges.
func vertexTokenServer(t *testing.T, exchanges *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm failed: %v", err)
		}
		if r.Form.Get("grant_type") != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("Unexpected grant_type %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("assertion") == "" {
			t.Error("Expected a signed assertion in the form body")
		}
		n := atomic.AddInt64(exchanges, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"ya29.test-%d","expires_in":3600}`, n)
	}))
}

func testVertexAdapter(server *httptest.Server) *VertexAdapter {
	return NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{
		ProjectID:  "test-project",
		Region:     "us-central1",
		TokenURL:   server.URL,
		HTTPClient: server.Client(),
	})
}

func vertexRequest(t *testing.T, server *httptest.Server, userID string) *CompletionRequest {
	t.Helper()
	return &CompletionRequest{
		Model:    "gemini-chat",
		Messages: []Message{{Role: "user", Parts: []ContentPart{TextPart("hello")}}},
		User:     Identity{UserID: userID},
		Env:      Env{Keys: map[string]string{"VERTEX_SA_KEY": testVertexServiceAccount(t, server.URL)}},
	}
}

func TestVertex_BuildHeaders_CachesToken(t *testing.T) {
	var exchanges int64
	server := vertexTokenServer(t, &exchanges)
	defer server.Close()

	a := testVertexAdapter(server)
	meta := &models.Model{ModelName: "gemini-chat", Provider: "vertexai"}
	req := vertexRequest(t, server, "user-1")

	headers, err := a.BuildHeaders(context.Background(), req, meta)
	if err != nil {
		t.Fatalf("BuildHeaders failed: %v", err)
	}
	if headers["Authorization"] != "Bearer ya29.test-1" {
		t.Errorf("Unexpected Authorization header %q", headers["Authorization"])
	}

	// A second call must come out of the cache.
	headers, err = a.BuildHeaders(context.Background(), req, meta)
	if err != nil {
		t.Fatalf("Second BuildHeaders failed: %v", err)
	}
	if headers["Authorization"] != "Bearer ya29.test-1" {
		t.Errorf("Expected the cached token, got %q", headers["Authorization"])
	}
	if got := atomic.LoadInt64(&exchanges); got != 1 {
		t.Errorf("Expected 1 exchange, got %d", got)
	}
}

func TestVertex_BuildHeaders_PerUserTokens(t *testing.T) {
	var exchanges int64
	server := vertexTokenServer(t, &exchanges)
	defer server.Close()

	a := testVertexAdapter(server)
	meta := &models.Model{ModelName: "gemini-chat", Provider: "vertexai"}

	if _, err := a.BuildHeaders(context.Background(), vertexRequest(t, server, "user-1"), meta); err != nil {
		t.Fatalf("BuildHeaders failed: %v", err)
	}
	if _, err := a.BuildHeaders(context.Background(), vertexRequest(t, server, "user-2"), meta); err != nil {
		t.Fatalf("BuildHeaders failed: %v", err)
	}
	if got := atomic.LoadInt64(&exchanges); got != 2 {
		t.Errorf("Expected one exchange per user, got %d", got)
	}
}

func TestVertex_BuildHeaders_ExchangeFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"access_denied"}`)
	}))
	defer server.Close()

	a := testVertexAdapter(server)
	meta := &models.Model{ModelName: "gemini-chat", Provider: "vertexai"}

	_, err := a.BuildHeaders(context.Background(), vertexRequest(t, server, "user-1"), meta)
	var provErr *utils.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusForbidden {
		t.Errorf("Expected the upstream status carried, got %d", provErr.StatusCode)
	}
}

func TestVertex_BuildHeaders_BadServiceAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	a := testVertexAdapter(server)
	meta := &models.Model{ModelName: "gemini-chat", Provider: "vertexai"}

	req := vertexRequest(t, server, "user-1")
	req.Env.Keys["VERTEX_SA_KEY"] = `{"client_email":"x@y","private_key":""}`

	_, err := a.BuildHeaders(context.Background(), req, meta)
	var cfgErr *utils.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestVertex_ResolveEndpoint(t *testing.T) {
	a := NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{
		ProjectID: "test-project",
		Region:    "europe-west4",
	})
	meta := &models.Model{ModelName: "gemini-chat", UpstreamModelID: "gemini-2.0-flash", SupportsNativeStreaming: true}

	req := &CompletionRequest{Model: "gemini-chat"}
	endpoint, err := a.ResolveEndpoint(req, meta)
	if err != nil {
		t.Fatalf("ResolveEndpoint failed: %v", err)
	}
	want := "https://europe-west4-aiplatform.googleapis.com/v1/projects/test-project/locations/europe-west4/publishers/google/models/gemini-2.0-flash:generateContent"
	if endpoint != want {
		t.Errorf("Unexpected endpoint %q", endpoint)
	}
	if IsStreamRequest(nil, endpoint) {
		t.Error("Non-stream endpoint must not be classified as a stream")
	}

	req.Stream = true
	endpoint, err = a.ResolveEndpoint(req, meta)
	if err != nil {
		t.Fatalf("ResolveEndpoint failed: %v", err)
	}
	if !IsStreamRequest(nil, endpoint) {
		t.Errorf("Expected a stream endpoint, got %q", endpoint)
	}

	// Without native streaming the buffered verb is kept.
	buffered := &models.Model{ModelName: "gemini-chat", UpstreamModelID: "gemini-2.0-flash"}
	endpoint, err = a.ResolveEndpoint(req, buffered)
	if err != nil {
		t.Fatalf("ResolveEndpoint failed: %v", err)
	}
	if IsStreamRequest(nil, endpoint) {
		t.Errorf("Expected the buffered verb, got %q", endpoint)
	}
}

func TestVertex_Validate(t *testing.T) {
	a := NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{
		ProjectID: "test-project",
		Region:    "us-central1",
	})
	meta := &models.Model{ModelName: "gemini-chat", Provider: "vertexai"}

	valid := &CompletionRequest{
		Model:    "gemini-chat",
		Messages: []Message{{Role: "user", Parts: []ContentPart{TextPart("hi")}}},
	}
	if err := a.Validate(valid, meta); err != nil {
		t.Errorf("Expected valid request, got %v", err)
	}

	if err := a.Validate(&CompletionRequest{Model: "gemini-chat"}, meta); err == nil {
		t.Error("Expected error for empty messages")
	}

	withTools := *valid
	withTools.Tools = []ToolDefinition{{Name: "lookup"}}
	if err := a.Validate(&withTools, meta); err == nil {
		t.Error("Expected error for tool declarations")
	}

	unconfigured := NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{})
	var cfgErr *utils.ConfigurationError
	if err := unconfigured.Validate(valid, meta); !errors.As(err, &cfgErr) {
		t.Errorf("Expected ConfigurationError, got %v", err)
	}
}

func TestVertex_MapParameters(t *testing.T) {
	a := NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{
		ProjectID: "test-project",
		Region:    "us-central1",
	})
	meta := &models.Model{ModelName: "gemini-chat", UpstreamModelID: "gemini-2.0-flash"}

	temp := 0.4
	maxTokens := 512
	req := &CompletionRequest{
		Model: "gemini-chat",
		Messages: []Message{
			{Role: "system", Parts: []ContentPart{TextPart("be brief")}},
			{Role: "user", Parts: []ContentPart{TextPart("hello")}},
			{Role: "assistant", Parts: []ContentPart{TextPart("hi there")}},
			{Role: "user", Parts: []ContentPart{
				TextPart("describe this"),
				{Type: PartImageURL, URL: "gs://bucket/cat.png", MIMEType: "image/png"},
			}},
		},
		Params: SamplingParams{
			Temperature:   &temp,
			MaxTokens:     &maxTokens,
			StopSequences: []string{"END"},
		},
	}

	body, err := a.MapParameters(req, meta)
	if err != nil {
		t.Fatalf("MapParameters failed: %v", err)
	}

	system, ok := body["systemInstruction"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected systemInstruction, got %v", body)
	}
	sysParts := system["parts"].([]interface{})
	if len(sysParts) != 1 || sysParts[0].(map[string]interface{})["text"] != "be brief" {
		t.Errorf("Unexpected system parts: %v", sysParts)
	}

	contents, ok := body["contents"].([]interface{})
	if !ok || len(contents) != 3 {
		t.Fatalf("Expected 3 contents, got %v", body["contents"])
	}
	assistant := contents[1].(map[string]interface{})
	if assistant["role"] != "model" {
		t.Errorf("Expected assistant mapped to model role, got %v", assistant["role"])
	}
	mixed := contents[2].(map[string]interface{})
	mixedParts := mixed["parts"].([]interface{})
	if len(mixedParts) != 2 {
		t.Fatalf("Expected 2 parts, got %v", mixedParts)
	}
	file := mixedParts[1].(map[string]interface{})["fileData"].(map[string]interface{})
	if file["fileUri"] != "gs://bucket/cat.png" || file["mimeType"] != "image/png" {
		t.Errorf("Unexpected fileData: %v", file)
	}

	generation, ok := body["generationConfig"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected generationConfig, got %v", body)
	}
	if generation["temperature"] != 0.4 || generation["maxOutputTokens"] != 512 {
		t.Errorf("Sampling params not mapped: %v", generation)
	}
}

func TestVertex_MapParameters_RejectsDataURI(t *testing.T) {
	a := NewVertexAdapter(NewCredentialResolver(nil, time.Minute, nil), VertexOptions{
		ProjectID: "test-project",
		Region:    "us-central1",
	})
	meta := &models.Model{ModelName: "gemini-chat"}

	req := &CompletionRequest{
		Model: "gemini-chat",
		Messages: []Message{{Role: "user", Parts: []ContentPart{
			{Type: PartImageURL, URL: "data:image/png;base64,AAAA", MIMEType: "image/png"},
		}}},
	}

	_, err := a.MapParameters(req, meta)
	var paramsErr *utils.ParamsError
	if !errors.As(err, &paramsErr) {
		t.Errorf("Expected ParamsError, got %v", err)
	}
}
