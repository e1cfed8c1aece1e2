package providers

import (
	"context"
	"strings"

	"modelgateway/internal/models"
	"modelgateway/internal/utils"
)

// OpenAICompatibleConfig parameterizes the default chat-completions adapter.
// Most upstreams speak this dialect; providers that do not embed or replace
// individual capabilities instead of reimplementing the whole set.
type OpenAICompatibleConfig struct {
	// Name is the registry key, e.g. "openai", "groq", "mistral".
	Name string

	// EnvKey names the process-wide secret in the request's environment
	// bag, e.g. "OPENAI_API_KEY".
	EnvKey string

	// RelayPath is the relay-relative chat-completions path. When set the
	// adapter dispatches through the metering relay.
	RelayPath string

	// BaseURL is the direct upstream base (e.g. "https://api.openai.com/v1"),
	// used when RelayPath is empty.
	BaseURL string

	// AuthScheme prefixes the Authorization header value. Defaults to
	// "Bearer".
	AuthScheme string

	ExtraHeaders map[string]string
}

// OpenAICompatible is the default adapter for bearer-token JSON upstreams
// speaking the chat-completions dialect.
type OpenAICompatible struct {
	cfg   OpenAICompatibleConfig
	creds *CredentialResolver
}

// NewOpenAICompatible builds the default adapter over a credential resolver.
func NewOpenAICompatible(cfg OpenAICompatibleConfig, creds *CredentialResolver) *OpenAICompatible {
	if cfg.AuthScheme == "" {
		cfg.AuthScheme = "Bearer"
	}
	return &OpenAICompatible{cfg: cfg, creds: creds}
}

func (a *OpenAICompatible) Name() string { return a.cfg.Name }

func (a *OpenAICompatible) SupportsStreaming() bool { return true }

func (a *OpenAICompatible) RelayCompatible() bool { return a.cfg.RelayPath != "" }

func (a *OpenAICompatible) Validate(req *CompletionRequest, meta *models.Model) error {
	if len(req.Messages) == 0 {
		return utils.NewParamsError("messages", "at least one message is required")
	}
	if len(req.Tools) > 0 && !meta.SupportsFunctionCalling {
		return utils.NewParamsError("tools", "model does not support tool calling")
	}
	return nil
}

func (a *OpenAICompatible) ResolveEndpoint(req *CompletionRequest, meta *models.Model) (string, error) {
	if a.cfg.RelayPath != "" {
		return a.cfg.RelayPath, nil
	}
	if a.cfg.BaseURL == "" {
		return "", utils.NewConfigurationError(a.cfg.Name, "no endpoint configured for provider")
	}
	return strings.TrimSuffix(a.cfg.BaseURL, "/") + "/chat/completions", nil
}

func (a *OpenAICompatible) BuildHeaders(ctx context.Context, req *CompletionRequest, meta *models.Model) (map[string]string, error) {
	creds, err := a.creds.ResolveAPIKey(ctx, a.cfg.Name, req.User.UserID, req.Env.Key(a.cfg.EnvKey))
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"Authorization": a.cfg.AuthScheme + " " + creds.APIKey,
	}
	for k, v := range a.cfg.ExtraHeaders {
		headers[k] = v
	}
	return headers, nil
}

func (a *OpenAICompatible) MapParameters(req *CompletionRequest, meta *models.Model) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"model":    meta.UpstreamID(),
		"messages": mapChatMessages(req.Messages),
	}

	p := req.Params
	if p.Temperature != nil {
		body["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		body["top_p"] = *p.TopP
	}
	if p.MaxTokens != nil {
		body["max_tokens"] = *p.MaxTokens
	}
	if len(p.StopSequences) > 0 {
		body["stop"] = p.StopSequences
	}
	if p.Seed != nil {
		body["seed"] = *p.Seed
	}
	if p.PresencePenalty != nil {
		body["presence_penalty"] = *p.PresencePenalty
	}
	if p.FrequencyPenalty != nil {
		body["frequency_penalty"] = *p.FrequencyPenalty
	}

	if len(req.Tools) > 0 {
		tools := make([]interface{}, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]interface{}{
				"type": "function",
				"function": map[string]interface{}{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			})
		}
		body["tools"] = tools
	}

	if req.Stream && meta.SupportsNativeStreaming {
		body["stream"] = true
	}

	if err := ApplyInputSchema(body, req.Extra, meta.InputSchema); err != nil {
		return nil, err
	}
	return body, nil
}

// mapChatMessages renders normalized messages in the chat-completions
// dialect. Plain text stays a string; mixed content becomes a part array;
// tool traffic uses the tool_calls / role "tool" convention.
func mapChatMessages(messages []Message) []interface{} {
	out := make([]interface{}, 0, len(messages))
	for i := range messages {
		m := &messages[i]

		toolCalls := make([]interface{}, 0)
		var toolResult *ToolResult
		parts := make([]interface{}, 0, len(m.Parts))
		textOnly := true

		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				parts = append(parts, map[string]interface{}{"type": "text", "text": p.Text})
			case PartImageURL:
				textOnly = false
				parts = append(parts, map[string]interface{}{
					"type":      "image_url",
					"image_url": map[string]interface{}{"url": p.URL},
				})
			case PartToolCall:
				if p.ToolCall != nil {
					toolCalls = append(toolCalls, map[string]interface{}{
						"id":   p.ToolCall.ID,
						"type": "function",
						"function": map[string]interface{}{
							"name":      p.ToolCall.Name,
							"arguments": utils.MarshalString(p.ToolCall.Arguments),
						},
					})
				}
			case PartToolResult:
				if p.ToolResult != nil {
					toolResult = p.ToolResult
				}
			default:
				// Video/document parts have no chat-completions shape;
				// adapters for upstreams that accept them override this
				// mapping.
				textOnly = false
			}
		}

		if toolResult != nil {
			out = append(out, map[string]interface{}{
				"role":         "tool",
				"tool_call_id": toolResult.CallID,
				"content":      toolResult.Content,
			})
			continue
		}

		msg := map[string]interface{}{"role": m.Role}
		if textOnly {
			msg["content"] = m.Text()
		} else {
			msg["content"] = parts
		}
		if len(toolCalls) > 0 {
			msg["tool_calls"] = toolCalls
		}
		out = append(out, msg)
	}
	return out
}
