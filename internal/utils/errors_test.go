package utils

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
)

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "connection reset" }
func (fakeNetError) Timeout() bool   { return true }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsRecoverableError(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "configuration error",
			err:  NewConfigurationError("apiKey", "missing"),
			want: false,
		},
		{
			name: "params error",
			err:  NewParamsError("model", "missing"),
			want: false,
		},
		{
			name: "provider 500",
			err:  &ProviderError{Provider: "openai", StatusCode: 500, Message: "internal"},
			want: true,
		},
		{
			name: "provider 503",
			err:  &ProviderError{Provider: "groq", StatusCode: 503, Message: "overloaded"},
			want: true,
		},
		{
			name: "provider 429",
			err:  &ProviderError{Provider: "openai", StatusCode: 429, Message: "rate limited"},
			want: false,
		},
		{
			name: "provider 401",
			err:  &ProviderError{Provider: "openai", StatusCode: 401, Message: "bad key"},
			want: false,
		},
		{
			name: "provider invalid json on 2xx",
			err:  &ProviderError{Provider: "mistral", Message: "invalid JSON", RawExcerpt: "<html>"},
			want: false,
		},
		{
			name: "provider wrapping transport failure",
			err:  &ProviderError{Provider: "replicate", Err: fakeNetError{}},
			want: true,
		},
		{
			name: "bare net error",
			err:  fakeNetError{},
			want: true,
		},
		{
			name: "wrapped provider error",
			err:  fmt.Errorf("dispatch: %w", &ProviderError{Provider: "bedrock", StatusCode: 502}),
			want: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRecoverableError(tc.err); got != tc.want {
				t.Errorf("IsRecoverableError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &ProviderError{Provider: "openai", Err: inner}
	if !errors.Is(err, inner) {
		t.Errorf("expected errors.Is to find the wrapped error")
	}
}

func TestTruncateExcerpt(t *testing.T) {
	short := "tiny body"
	if got := TruncateExcerpt(short); got != short {
		t.Errorf("TruncateExcerpt(%q) = %q, want unchanged", short, got)
	}

	long := strings.Repeat("x", 2000)
	got := TruncateExcerpt(long)
	if len(got) >= len(long) {
		t.Errorf("expected truncation, got %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "...(truncated)") {
		t.Errorf("expected truncation marker, got %q", got[len(got)-20:])
	}
}

func TestErrorMessages(t *testing.T) {
	testCases := []struct {
		err  error
		want string
	}{
		{NewConfigurationError("awsKey", "not set"), "configuration error: awsKey: not set"},
		{NewParamsError("completionId", "required when webhooks are enabled"), "invalid params: completionId: required when webhooks are enabled"},
		{&ProviderError{Provider: "bedrock", StatusCode: 403, Message: "forbidden"}, "provider bedrock returned status 403: forbidden"},
		{&AuthorisationError{Message: "no bedrock access on this plan"}, "not authorised: no bedrock access on this plan"},
		{&StorageError{Op: "save invocation", Err: errors.New("pq: down")}, "storage error during save invocation: pq: down"},
	}

	for _, tc := range testCases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}
