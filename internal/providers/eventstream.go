package providers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"

	"modelgateway/internal/utils"
)

// EventStreamReader decodes the AWS event-stream binary framing into
// discrete JSON events. Decoding is incremental: frames are reassembled
// from whatever chunk boundaries the transport delivers.
type EventStreamReader struct {
	source  io.ReadCloser
	decoder *eventstream.Decoder
	buf     []byte
}

// NewEventStreamReader wraps a live response body carrying event-stream
// frames.
func NewEventStreamReader(source io.ReadCloser) *EventStreamReader {
	return &EventStreamReader{
		source:  source,
		decoder: eventstream.NewDecoder(),
		buf:     make([]byte, 0, 4096),
	}
}

// Next returns the payload of the next event as raw JSON. Frames whose
// payload wraps the real event in a base64 "bytes" field are unwrapped.
// Returns io.EOF when the stream ends cleanly.
func (r *EventStreamReader) Next() (json.RawMessage, error) {
	for {
		msg, err := r.decoder.Decode(r.source, r.buf)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, &utils.ProviderError{Provider: "bedrock", Message: "event stream decode failed", Err: err}
		}

		messageType := headerString(msg.Headers, ":message-type")
		if messageType == "exception" || messageType == "error" {
			exceptionType := headerString(msg.Headers, ":exception-type")
			return nil, &utils.ProviderError{
				Provider:   "bedrock",
				Message:    fmt.Sprintf("upstream stream exception %q", exceptionType),
				RawExcerpt: utils.TruncateExcerpt(string(msg.Payload)),
			}
		}

		payload, err := unwrapEventPayload(msg.Payload)
		if err != nil {
			return nil, err
		}
		if len(payload) == 0 {
			continue
		}
		return payload, nil
	}
}

// Close closes the underlying stream.
func (r *EventStreamReader) Close() error {
	return r.source.Close()
}

// unwrapEventPayload extracts the inner event from a frame payload. Bedrock
// wraps each event as {"bytes": "<base64 JSON>"}; other frames carry the
// event JSON directly.
func unwrapEventPayload(payload []byte) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var wrapper struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && wrapper.Bytes != "" {
		inner, err := base64.StdEncoding.DecodeString(wrapper.Bytes)
		if err != nil {
			return nil, &utils.ProviderError{Provider: "bedrock", Message: "event payload is not valid base64", Err: err}
		}
		return inner, nil
	}
	return payload, nil
}

func headerString(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name == name {
			return h.Value.String()
		}
	}
	return ""
}

// eventStreamBody re-emits decoded events as SSE text so the binary
// framing is transparent to the caller holding the stream handle.
type eventStreamBody struct {
	reader  *EventStreamReader
	pending bytes.Buffer
	done    bool
}

// NewEventStreamBody converts an event-stream response body into an SSE
// byte stream. It decodes lazily, one frame per refill, preserving the
// live, unbuffered nature of the handle.
func NewEventStreamBody(source io.ReadCloser) io.ReadCloser {
	return &eventStreamBody{reader: NewEventStreamReader(source)}
}

func (b *eventStreamBody) Read(p []byte) (int, error) {
	for b.pending.Len() == 0 {
		if b.done {
			return 0, io.EOF
		}
		event, err := b.reader.Next()
		if err == io.EOF {
			b.done = true
			b.pending.WriteString("data: [DONE]\n\n")
			break
		}
		if err != nil {
			return 0, err
		}
		b.pending.WriteString("data: ")
		b.pending.Write(event)
		b.pending.WriteString("\n\n")
	}
	return b.pending.Read(p)
}

func (b *eventStreamBody) Close() error {
	return b.reader.Close()
}
