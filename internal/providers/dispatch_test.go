package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"modelgateway/internal/utils"
)

func TestDispatch_DirectDocument(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected application/json, got %q", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Expected Authorization header, got %q", auth)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("Request body is not JSON: %v", err)
		}
		if body["model"] != "gpt-test" {
			t.Errorf("Expected model gpt-test, got %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	out, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL + "/chat/completions",
		Headers:  map[string]string{"Authorization": "Bearer sk-test"},
		Body:     map[string]interface{}{"model": "gpt-test"},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.Document["result"] != "ok" {
		t.Errorf("Expected result ok, got %v", out.Document["result"])
	}

	// Observability keys are always present, explicit nulls when the
	// headers are absent.
	for _, key := range []string{"eventId", "log_id", "cacheStatus"} {
		v, present := out.Document[key]
		if !present {
			t.Errorf("Expected key %s to be present", key)
		}
		if v != nil {
			t.Errorf("Expected %s to be nil, got %v", key, v)
		}
	}
}

func TestDispatch_ObservabilityHeadersMerged(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("cf-aig-event-id", "evt-1")
		w.Header().Set("cf-aig-log-id", "log-1")
		w.Header().Set("cf-aig-cache-status", "HIT")
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	out, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Body:     map[string]interface{}{},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.Document["eventId"] != "evt-1" {
		t.Errorf("Expected eventId evt-1, got %v", out.Document["eventId"])
	}
	if out.Document["log_id"] != "log-1" {
		t.Errorf("Expected log_id log-1, got %v", out.Document["log_id"])
	}
	if out.Document["cacheStatus"] != "HIT" {
		t.Errorf("Expected cacheStatus HIT, got %v", out.Document["cacheStatus"])
	}
}

func TestDispatch_Stream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	out, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Body:     map[string]interface{}{"stream": true},
		Stream:   true,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.Stream == nil {
		t.Fatal("Expected a live stream handle")
	}
	defer out.Stream.Close()

	raw, err := io.ReadAll(out.Stream)
	if err != nil {
		t.Fatalf("Reading stream failed: %v", err)
	}
	if !strings.Contains(string(raw), "data: [DONE]") {
		t.Errorf("Stream missing terminator: %q", raw)
	}
}

func TestNewUpstreamClient_NoBodyTimeout(t *testing.T) {
	client := NewUpstreamClient()
	if client.Timeout != 0 {
		t.Errorf("Expected no client-level timeout, got %v", client.Timeout)
	}
	if client.Transport == nil {
		t.Error("Expected a pooled transport")
	}
}

// A per-call timeout must bound only the request phase of a stream, never
// the read of the body: events keep arriving long after the deadline.
func TestDispatch_StreamOutlivesCallTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("data: {\"delta\":\"first\"}\n\n"))
		flusher.Flush()
		time.Sleep(150 * time.Millisecond)
		_, _ = w.Write([]byte("data: {\"delta\":\"second\"}\n\ndata: [DONE]\n\n"))
	}))
	defer server.Close()

	d := NewDispatcher(NewUpstreamClient(), nil, nil)
	out, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Body:     map[string]interface{}{"stream": true},
		Stream:   true,
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	defer out.Stream.Close()

	raw, err := io.ReadAll(out.Stream)
	if err != nil {
		t.Fatalf("Reading stream failed mid-body: %v", err)
	}
	if !strings.Contains(string(raw), "second") || !strings.Contains(string(raw), "data: [DONE]") {
		t.Errorf("Stream truncated before the late events: %q", raw)
	}
}

func TestDispatch_Multipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("Expected multipart form: %v", err)
		}
		if got := r.FormValue("purpose"); got != "batch" {
			t.Errorf("Expected form field purpose=batch, got %q", got)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("Expected file part: %v", err)
		}
		defer file.Close()
		if header.Filename != "input.jsonl" {
			t.Errorf("Expected filename input.jsonl, got %q", header.Filename)
		}
		_, _ = w.Write([]byte(`{"uploaded":true}`))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	out, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Multipart: []MultipartField{
			{Name: "purpose", Value: []byte("batch")},
			{Name: "file", Filename: "input.jsonl", Value: []byte(`{"a":1}`)},
		},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if out.Document["uploaded"] != true {
		t.Errorf("Unexpected document: %v", out.Document)
	}
}

func TestDispatch_RelayRejections(t *testing.T) {
	d := NewDispatcher(http.DefaultClient, nil, nil)
	ctx := context.Background()

	// Multipart can never ride the relay.
	_, err := d.Dispatch(ctx, DispatchInput{
		Provider:        "openai",
		Endpoint:        "openai/files",
		Multipart:       []MultipartField{{Name: "file", Value: []byte("x")}},
		RelayCompatible: true,
	})
	var cfgErr *utils.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError for multipart relay, got %v", err)
	}

	// A relay-relative endpoint from a provider that must go direct.
	_, err = d.Dispatch(ctx, DispatchInput{
		Provider: "bedrock",
		Endpoint: "bedrock/invoke",
		Body:     map[string]interface{}{},
	})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError for relay-incompatible provider, got %v", err)
	}

	// Relay-relative endpoint with no relay binding configured.
	_, err = d.Dispatch(ctx, DispatchInput{
		Provider:        "openai",
		Endpoint:        "openai/chat/completions",
		Body:            map[string]interface{}{},
		RelayCompatible: true,
	})
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError for missing relay binding, got %v", err)
	}
	if cfgErr.Field != "relay" {
		t.Errorf("Expected the relay field flagged, got %q", cfgErr.Field)
	}
}

func TestDispatch_UpstreamErrorClassified(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{"message field", 400, `{"message":"bad prompt"}`, "bad prompt"},
		{"detail field", 422, `{"detail":"missing input"}`, "missing input"},
		{"error string", 429, `{"error":"rate limited"}`, "rate limited"},
		{"nested error object", 500, `{"error":{"message":"upstream down"}}`, "upstream down"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			d := NewDispatcher(server.Client(), nil, nil)
			_, err := d.Dispatch(context.Background(), DispatchInput{
				Provider: "openai",
				Endpoint: server.URL,
				Body:     map[string]interface{}{},
			})
			var provErr *utils.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("Expected ProviderError, got %v", err)
			}
			if provErr.StatusCode != tc.status {
				t.Errorf("Expected status %d, got %d", tc.status, provErr.StatusCode)
			}
			if provErr.Message != tc.wantMessage {
				t.Errorf("Expected message %q, got %q", tc.wantMessage, provErr.Message)
			}
			if provErr.UpstreamBody == nil {
				t.Error("Expected the parsed upstream body attached")
			}
		})
	}
}

func TestDispatch_NonJSONErrorBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>Bad Gateway</html>"))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	_, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Body:     map[string]interface{}{},
	})
	var provErr *utils.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", provErr.StatusCode)
	}
	if !strings.Contains(provErr.RawExcerpt, "Bad Gateway") {
		t.Errorf("Expected a raw excerpt, got %q", provErr.RawExcerpt)
	}
	if !utils.IsRecoverableError(err) {
		t.Error("Expected a 502 to be recoverable")
	}
}

func TestDispatch_InvalidJSONOn2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer server.Close()

	d := NewDispatcher(server.Client(), nil, nil)
	_, err := d.Dispatch(context.Background(), DispatchInput{
		Provider: "openai",
		Endpoint: server.URL,
		Body:     map[string]interface{}{},
	})
	var provErr *utils.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if provErr.RawExcerpt != "not json at all" {
		t.Errorf("Expected the raw body attached, got %q", provErr.RawExcerpt)
	}
	// A 2xx with garbage is misbehavior, not a transient fault.
	if utils.IsRecoverableError(err) {
		t.Error("Expected invalid JSON on 2xx to be non-recoverable")
	}
}

func TestIsStreamRequest(t *testing.T) {
	cases := []struct {
		body     map[string]interface{}
		endpoint string
		want     bool
	}{
		{map[string]interface{}{"stream": true}, "https://api.openai.com/v1/chat/completions", true},
		{map[string]interface{}{"stream": false}, "https://api.openai.com/v1/chat/completions", false},
		{map[string]interface{}{}, "https://api.openai.com/v1/chat/completions", false},
		{nil, "https://host/model/m/invoke-with-response-stream", true},
		{nil, "https://host/model/m/converse-stream", true},
		{nil, "https://host/v1/models/m:streamGenerateContent", true},
		{nil, "https://host/model/m/invoke", false},
	}
	for _, tc := range cases {
		if got := IsStreamRequest(tc.body, tc.endpoint); got != tc.want {
			t.Errorf("IsStreamRequest(%v, %q) = %v, want %v", tc.body, tc.endpoint, got, tc.want)
		}
	}
}
