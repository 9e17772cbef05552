package adaptor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// ConvertAnthropicRequest maps an Anthropic Messages request onto the
// canonical request. System prompts become a leading system message, tool_use
// blocks become assistant tool calls, and tool_result blocks become
// role=tool messages keyed by tool_use_id.
func ConvertAnthropicRequest(req *AnthropicRequest) (*protocol.Request, error) {
	if req == nil {
		return nil, &protocol.ValidationError{Message: "request body is required"}
	}

	out := &protocol.Request{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}

	if len(req.System) > 0 {
		system, err := flattenSystem(req.System)
		if err != nil {
			return nil, err
		}
		if system != "" {
			out.Messages = append(out.Messages, protocol.Message{
				Role:    protocol.RoleSystem,
				Content: protocol.Plain(system),
			})
		}
	}

	for i, msg := range req.Messages {
		converted, err := convertAnthropicMessage(msg)
		if err != nil {
			return nil, &protocol.ValidationError{Message: fmt.Sprintf("messages[%d]: %v", i, err)}
		}
		out.Messages = append(out.Messages, converted...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, protocol.Tool{
			Type: "function",
			Function: protocol.ToolFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if len(req.ToolChoice) > 0 {
		choice, err := convertAnthropicToolChoice(req.ToolChoice)
		if err != nil {
			return nil, err
		}
		out.ToolChoice = choice
	}

	return out, nil
}

// flattenSystem accepts the string and block-list forms of the system field
// and returns the concatenated text.
func flattenSystem(raw json.RawMessage) (string, error) {
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", &protocol.ValidationError{Message: "invalid system field"}
		}
		return s, nil
	case '[':
		var blocks []AnthropicContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return "", &protocol.ValidationError{Message: "invalid system field"}
		}
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == BlockTypeText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String(), nil
	}
	return "", &protocol.ValidationError{Message: "system must be a string or an array of text blocks"}
}

// convertAnthropicMessage expands one Anthropic turn into canonical messages.
// A single user turn carrying tool results fans out into one tool message per
// result, followed by the remaining user content.
func convertAnthropicMessage(msg AnthropicMessage) ([]protocol.Message, error) {
	switch msg.Role {
	case protocol.RoleUser, protocol.RoleAssistant:
	default:
		return nil, fmt.Errorf("unknown role %q", msg.Role)
	}

	// Plain string content maps one-to-one.
	if msg.Content.Blocks == nil {
		return []protocol.Message{{
			Role:    msg.Role,
			Content: protocol.Plain(msg.Content.Text),
		}}, nil
	}

	if msg.Role == protocol.RoleAssistant {
		return convertAssistantBlocks(msg.Content.Blocks)
	}
	return convertUserBlocks(msg.Content.Blocks)
}

func convertAssistantBlocks(blocks []AnthropicContentBlock) ([]protocol.Message, error) {
	out := protocol.Message{Role: protocol.RoleAssistant}
	var text strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case BlockTypeText:
			text.WriteString(b.Text)
		case BlockTypeToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			out.ToolCalls = append(out.ToolCalls, protocol.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		default:
			// Block types the proxy does not interpret are dropped from
			// assistant history; they carry no completion semantics.
		}
	}
	out.Content = protocol.Plain(text.String())
	return []protocol.Message{out}, nil
}

func convertUserBlocks(blocks []AnthropicContentBlock) ([]protocol.Message, error) {
	var out []protocol.Message
	var text strings.Builder
	var parts []protocol.ContentPart
	sawImage := false

	for _, b := range blocks {
		switch b.Type {
		case BlockTypeText:
			text.WriteString(b.Text)
			parts = append(parts, protocol.ContentPart{Type: protocol.ContentPartText, Text: b.Text})
		case BlockTypeImage:
			url, err := imageToURL(b.Source)
			if err != nil {
				return nil, err
			}
			sawImage = true
			parts = append(parts, protocol.ContentPart{
				Type:     protocol.ContentPartImageURL,
				ImageURL: &protocol.ImageURL{URL: url},
			})
		case BlockTypeToolResult:
			out = append(out, protocol.Message{
				Role:       protocol.RoleTool,
				ToolCallID: b.ToolUseID,
				Content:    protocol.Plain(flattenToolResult(b.Content)),
			})
		default:
			// Unsupported block types in user turns are dropped.
		}
	}

	// Text-only turns flatten to a plain string; turns with images keep the
	// typed-part form.
	switch {
	case sawImage:
		out = append(out, protocol.Message{
			Role:    protocol.RoleUser,
			Content: protocol.MessageContent{Parts: parts},
		})
	case text.Len() > 0:
		out = append(out, protocol.Message{
			Role:    protocol.RoleUser,
			Content: protocol.Plain(text.String()),
		})
	}
	return out, nil
}

// imageToURL renders an Anthropic image source as an OpenAI image URL.
// Base64 sources become data URLs.
func imageToURL(src *AnthropicMediaSource) (string, error) {
	if src == nil {
		return "", &protocol.ValidationError{Message: "image block requires a source"}
	}
	switch src.Type {
	case "url":
		return src.URL, nil
	case "base64":
		return fmt.Sprintf("data:%s;base64,%s", src.MediaType, src.Data), nil
	}
	return "", &protocol.ValidationError{Message: fmt.Sprintf("unsupported image source type %q", src.Type)}
}

// flattenToolResult extracts the text of a tool_result content field, which
// is either a string or a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '[':
		var blocks []AnthropicContentBlock
		if json.Unmarshal(raw, &blocks) == nil {
			var sb strings.Builder
			for _, b := range blocks {
				if b.Type == BlockTypeText {
					sb.WriteString(b.Text)
				}
			}
			return sb.String()
		}
	}
	// Anything else keeps its raw JSON so the model still sees the payload.
	return string(raw)
}

// convertAnthropicToolChoice maps {auto, any, tool} onto the canonical
// {"auto", "required", {function}} forms.
func convertAnthropicToolChoice(raw json.RawMessage) (json.RawMessage, error) {
	var choice struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
	}
	if err := json.Unmarshal(raw, &choice); err != nil {
		return nil, &protocol.ValidationError{Message: "invalid tool_choice"}
	}
	switch choice.Type {
	case "auto":
		return json.RawMessage(`"auto"`), nil
	case "any":
		return json.RawMessage(`"required"`), nil
	case "tool":
		out, err := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": choice.Name},
		})
		if err != nil {
			return nil, err
		}
		return out, nil
	case "none":
		return json.RawMessage(`"none"`), nil
	}
	return nil, &protocol.ValidationError{Message: fmt.Sprintf("unsupported tool_choice type %q", choice.Type)}
}
