package providers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"modelgateway/internal/utils"
)

func encodeFrames(t *testing.T, msgs ...eventstream.Message) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	encoder := eventstream.NewEncoder()
	for _, msg := range msgs {
		if err := encoder.Encode(buf, msg); err != nil {
			t.Fatalf("Encoding frame failed: %v", err)
		}
	}
	return buf.Bytes()
}

func eventFrame(payload []byte) eventstream.Message {
	return eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("event")},
		},
		Payload: payload,
	}
}

func TestEventStreamReader_DirectPayload(t *testing.T) {
	raw := encodeFrames(t, eventFrame([]byte(`{"delta":"hello"}`)))
	r := NewEventStreamReader(io.NopCloser(bytes.NewReader(raw)))
	defer r.Close()

	event, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(event) != `{"delta":"hello"}` {
		t.Errorf("Unexpected event: %s", event)
	}

	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Expected EOF, got %v", err)
	}
}

func TestEventStreamReader_BytesWrapperUnwrapped(t *testing.T) {
	inner := `{"completion":"done"}`
	wrapped := []byte(`{"bytes":"` + base64.StdEncoding.EncodeToString([]byte(inner)) + `"}`)
	raw := encodeFrames(t, eventFrame(wrapped))

	r := NewEventStreamReader(io.NopCloser(bytes.NewReader(raw)))
	defer r.Close()

	event, err := r.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if string(event) != inner {
		t.Errorf("Expected unwrapped payload %q, got %q", inner, event)
	}
}

func TestEventStreamReader_FragmentedTransport(t *testing.T) {
	raw := encodeFrames(t,
		eventFrame([]byte(`{"n":1}`)),
		eventFrame([]byte(`{"n":2}`)),
		eventFrame([]byte(`{"n":3}`)),
	)

	// One byte per read forces reassembly across every frame boundary.
	r := NewEventStreamReader(io.NopCloser(iotest.OneByteReader(bytes.NewReader(raw))))
	defer r.Close()

	var events []string
	for {
		event, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		events = append(events, string(event))
	}
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	if len(events) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(events))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("Event %d: expected %q, got %q", i, want[i], events[i])
		}
	}
}

func TestEventStreamReader_ExceptionFrame(t *testing.T) {
	raw := encodeFrames(t, eventstream.Message{
		Headers: eventstream.Headers{
			{Name: ":message-type", Value: eventstream.StringValue("exception")},
			{Name: ":exception-type", Value: eventstream.StringValue("throttlingException")},
		},
		Payload: []byte(`{"message":"slow down"}`),
	})

	r := NewEventStreamReader(io.NopCloser(bytes.NewReader(raw)))
	defer r.Close()

	_, err := r.Next()
	var provErr *utils.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("Expected ProviderError, got %v", err)
	}
	if !strings.Contains(provErr.Message, "throttlingException") {
		t.Errorf("Expected the exception type in the message, got %q", provErr.Message)
	}
	if !strings.Contains(provErr.RawExcerpt, "slow down") {
		t.Errorf("Expected the payload excerpt, got %q", provErr.RawExcerpt)
	}
}

func TestNewEventStreamBody_SSEOutput(t *testing.T) {
	raw := encodeFrames(t,
		eventFrame([]byte(`{"delta":"a"}`)),
		eventFrame([]byte(`{"delta":"b"}`)),
	)

	body := NewEventStreamBody(io.NopCloser(bytes.NewReader(raw)))
	defer body.Close()

	out, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("Reading SSE body failed: %v", err)
	}
	want := "data: {\"delta\":\"a\"}\n\ndata: {\"delta\":\"b\"}\n\ndata: [DONE]\n\n"
	if string(out) != want {
		t.Errorf("Unexpected SSE output:\n got %q\nwant %q", out, want)
	}
}
