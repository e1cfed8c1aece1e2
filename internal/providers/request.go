package providers

//
// Normalized completion request
//

// PartType tags the variants of a message content part. Parts are decoded
// once at the boundary; mapping code switches on the tag instead of
// re-inspecting loose maps.
type PartType string

const (
	PartText       PartType = "text"
	PartImageURL   PartType = "image_url"
	PartVideoURL   PartType = "video_url"
	PartDocument   PartType = "document"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ToolCall is a model-issued request to invoke a declared tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	CallID  string `json:"callId"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	IsError bool   `json:"isError,omitempty"`
}

// ContentPart is one element of a message's content. Exactly the fields
// relevant to its Type are populated.
type ContentPart struct {
	Type PartType `json:"type"`

	Text string `json:"text,omitempty"`

	// URL is the source of image/video/document parts. It may be a remote
	// https URL or a data URI.
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mimeType,omitempty"`

	ToolCall   *ToolCall   `json:"toolCall,omitempty"`
	ToolResult *ToolResult `json:"toolResult,omitempty"`
}

// TextPart builds a plain text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// Message is one turn of the conversation.
type Message struct {
	Role  string        `json:"role"` // "system", "user", "assistant", "tool"
	Parts []ContentPart `json:"parts"`
}

// Text concatenates the message's text parts.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// SamplingParams are the provider-agnostic generation knobs. Pointers
// distinguish "unset" from zero values so adapters only forward what the
// caller actually specified.
type SamplingParams struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
}

// ToolDefinition declares a tool the model may call.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Identity is the caller on whose behalf the request runs. Optional; used
// for user-scoped credential overrides.
type Identity struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
}

// Env is the environment/config bag attached to a request: process-wide
// API keys, feature flags and account identifiers resolved by the caller's
// request-handling layer.
type Env struct {
	// Keys maps env-style key names (e.g. "REPLICATE_API_KEY") to secrets.
	Keys map[string]string `json:"-"`

	Flags map[string]bool `json:"flags,omitempty"`

	AWSRegion       string `json:"awsRegion,omitempty"`
	AccountID       string `json:"accountId,omitempty"`
	CallbackBaseURL string `json:"callbackBaseUrl,omitempty"`
	WebhookSecret   string `json:"-"`
}

// CompletionRequest is the normalized input to the orchestrator. It is
// built once per call and flows by value through the pipeline; nothing in
// the pipeline mutates it.
type CompletionRequest struct {
	Model        string           `json:"model"`
	Messages     []Message        `json:"messages"`
	Params       SamplingParams   `json:"params"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Stream       bool             `json:"stream"`
	// PollOnly disables webhook callbacks for async providers; the caller
	// commits to polling instead.
	PollOnly     bool     `json:"pollOnly,omitempty"`
	CompletionID string   `json:"completionId,omitempty"`
	User         Identity `json:"user,omitempty"`
	// Extra carries caller-supplied provider-specific fields consumed by
	// schema-driven parameter mapping.
	Extra map[string]interface{} `json:"extra,omitempty"`
	Env   Env                    `json:"-"`
}

// LastUserText returns the text of the most recent user message, which
// task-style providers use as the prompt.
func (r *CompletionRequest) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// Key returns a process-wide secret from the environment bag.
func (e *Env) Key(name string) string {
	if e.Keys == nil {
		return ""
	}
	return e.Keys[name]
}
