package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"modelgateway/internal/utils"
)

// remoteURLKey marks a media source that still needs fetching. Parameter
// mapping stays a pure function; the marker is hydrated into inline bytes
// just before dispatch.
const remoteURLKey = "__remoteUrl"

// maxInlineMediaBytes caps how much remote media is inlined into a request.
const maxInlineMediaBytes = 25 << 20

// mapBedrockMessages renders normalized messages as Bedrock content blocks.
// System messages are pulled out into their own block list. Tool results
// land on the user role; the upstream has no dedicated tool-result role.
func mapBedrockMessages(messages []Message) (system []map[string]interface{}, out []map[string]interface{}, err error) {
	for i := range messages {
		m := &messages[i]

		if m.Role == "system" {
			system = append(system, map[string]interface{}{"text": m.Text()})
			continue
		}

		role := m.Role
		blocks := make([]map[string]interface{}, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case PartText:
				blocks = append(blocks, map[string]interface{}{"text": p.Text})

			case PartImageURL:
				block, err := mediaBlock("image", p.URL, p.MIMEType)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)

			case PartVideoURL:
				block, err := mediaBlock("video", p.URL, p.MIMEType)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)

			case PartDocument:
				block, err := mediaBlock("document", p.URL, p.MIMEType)
				if err != nil {
					return nil, nil, err
				}
				blocks = append(blocks, block)

			case PartToolCall:
				if p.ToolCall == nil {
					continue
				}
				blocks = append(blocks, map[string]interface{}{
					"toolUse": map[string]interface{}{
						"toolUseId": p.ToolCall.ID,
						"name":      p.ToolCall.Name,
						"input":     p.ToolCall.Arguments,
					},
				})

			case PartToolResult:
				if p.ToolResult == nil {
					continue
				}
				role = "user"
				status := "success"
				if p.ToolResult.IsError {
					status = "error"
				}
				blocks = append(blocks, map[string]interface{}{
					"toolResult": map[string]interface{}{
						"toolUseId": p.ToolResult.CallID,
						"content":   []map[string]interface{}{{"text": p.ToolResult.Content}},
						"status":    status,
					},
				})

			default:
				return nil, nil, utils.NewParamsError("messages", fmt.Sprintf("unsupported content part type %q", p.Type))
			}
		}

		out = append(out, map[string]interface{}{
			"role":    role,
			"content": blocks,
		})
	}
	return system, out, nil
}

// mediaBlock builds one image/video/document content block. Data URIs are
// decoded inline; remote URLs become hydration markers.
func mediaBlock(kind, rawURL, mimeType string) (map[string]interface{}, error) {
	format, err := mediaFormat(rawURL, mimeType)
	if err != nil {
		return nil, err
	}

	var source map[string]interface{}
	switch {
	case strings.HasPrefix(rawURL, "data:"):
		data, err := decodeDataURI(rawURL)
		if err != nil {
			return nil, err
		}
		source = map[string]interface{}{"bytes": base64.StdEncoding.EncodeToString(data)}
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		source = map[string]interface{}{remoteURLKey: rawURL}
	default:
		return nil, utils.NewParamsError("messages", "media URL must be a data URI or an http(s) URL")
	}

	return map[string]interface{}{
		kind: map[string]interface{}{
			"format": format,
			"source": source,
		},
	}, nil
}

// mediaFormat derives the upstream binary format tag (png, jpeg, mp4, ...)
// from the MIME type, the data-URI prefix, or the URL extension.
func mediaFormat(rawURL, mimeType string) (string, error) {
	mt := mimeType
	if mt == "" && strings.HasPrefix(rawURL, "data:") {
		rest := strings.TrimPrefix(rawURL, "data:")
		if idx := strings.IndexAny(rest, ";,"); idx > 0 {
			mt = rest[:idx]
		}
	}

	if mt != "" {
		if idx := strings.Index(mt, "/"); idx >= 0 {
			sub := mt[idx+1:]
			if sub == "jpg" {
				sub = "jpeg"
			}
			return sub, nil
		}
	}

	if idx := strings.LastIndex(rawURL, "."); idx >= 0 && idx < len(rawURL)-1 {
		ext := strings.ToLower(rawURL[idx+1:])
		if q := strings.IndexByte(ext, '?'); q >= 0 {
			ext = ext[:q]
		}
		switch ext {
		case "jpg":
			return "jpeg", nil
		case "png", "jpeg", "gif", "webp", "mp4", "mov", "webm", "pdf", "txt", "md", "csv":
			return ext, nil
		}
	}

	return "", utils.NewParamsError("messages", "cannot derive media format from URL or MIME type")
}

// decodeDataURI extracts the payload of a base64 data URI.
func decodeDataURI(uri string) ([]byte, error) {
	idx := strings.Index(uri, ",")
	if idx < 0 {
		return nil, utils.NewParamsError("messages", "malformed data URI")
	}
	header, payload := uri[:idx], uri[idx+1:]
	if !strings.HasSuffix(header, ";base64") {
		return nil, utils.NewParamsError("messages", "data URI must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, utils.NewParamsError("messages", "data URI payload is not valid base64")
	}
	return data, nil
}

// hydrateMediaSources walks the mapped body and replaces remote-URL markers
// with inline base64 bytes. Runs once, in the transport layer.
func hydrateMediaSources(ctx context.Context, client *http.Client, v interface{}) error {
	switch node := v.(type) {
	case map[string]interface{}:
		if rawURL, ok := node[remoteURLKey].(string); ok {
			data, err := fetchMedia(ctx, client, rawURL)
			if err != nil {
				return err
			}
			delete(node, remoteURLKey)
			node["bytes"] = base64.StdEncoding.EncodeToString(data)
			return nil
		}
		for _, child := range node {
			if err := hydrateMediaSources(ctx, client, child); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range node {
			if err := hydrateMediaSources(ctx, client, child); err != nil {
				return err
			}
		}
	case []map[string]interface{}:
		for _, child := range node {
			if err := hydrateMediaSources(ctx, client, child); err != nil {
				return err
			}
		}
	}
	return nil
}

func fetchMedia(ctx context.Context, client *http.Client, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, utils.NewParamsError("messages", "invalid media URL "+rawURL)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &utils.ProviderError{Provider: "bedrock", Message: "failed to fetch media " + rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &utils.ProviderError{
			Provider:   "bedrock",
			StatusCode: resp.StatusCode,
			Message:    "media fetch returned " + resp.Status,
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInlineMediaBytes+1))
	if err != nil {
		return nil, &utils.ProviderError{Provider: "bedrock", Message: "failed to read media body", Err: err}
	}
	if len(data) > maxInlineMediaBytes {
		return nil, utils.NewParamsError("messages", "media exceeds the inline size limit")
	}
	return data, nil
}

// imageTaskPayload builds the fixed-shape text-to-image task body. Task
// models skip the chat-content mapping entirely.
func imageTaskPayload(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"taskType": "TEXT_IMAGE",
		"textToImageParams": map[string]interface{}{
			"text": prompt,
		},
		"imageGenerationConfig": map[string]interface{}{
			"numberOfImages": 1,
			"width":          1024,
			"height":         1024,
			"cfgScale":       8.0,
			"quality":        "standard",
		},
	}
}

// videoTaskPayload builds the fixed-shape text-to-video task body.
func videoTaskPayload(prompt string) map[string]interface{} {
	return map[string]interface{}{
		"taskType": "TEXT_VIDEO",
		"textToVideoParams": map[string]interface{}{
			"text": prompt,
		},
		"videoGenerationConfig": map[string]interface{}{
			"durationSeconds": 6,
			"fps":             24,
			"dimension":       "1280x720",
		},
	}
}
