package adaptor

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// ConvertResponseToAnthropic renders a canonical response as an Anthropic
// message. The first choice wins; the Messages API has no choice list.
func ConvertResponseToAnthropic(resp *protocol.Response) *AnthropicResponse {
	out := &AnthropicResponse{
		ID:    resp.ID,
		Type:  "message",
		Role:  protocol.RoleAssistant,
		Model: resp.Model,
	}
	if resp.Usage != nil {
		out.Usage = AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	choice := resp.FirstChoice()
	if choice == nil {
		out.Content = []AnthropicContentBlock{}
		return out
	}

	if text := choice.Message.Content.Flatten(); text != "" {
		out.Content = append(out.Content, AnthropicContentBlock{
			Type: BlockTypeText,
			Text: text,
		})
	}
	for _, tc := range choice.Message.ToolCalls {
		out.Content = append(out.Content, AnthropicContentBlock{
			Type:  BlockTypeToolUse,
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: toolInputJSON(tc.Function.Arguments),
		})
	}
	if out.Content == nil {
		out.Content = []AnthropicContentBlock{}
	}

	out.StopReason = MapFinishReasonToAnthropic(choice.FinishReason)
	return out
}

// toolInputJSON keeps valid argument JSON verbatim; anything else is carried
// as a JSON string so the payload survives even when malformed.
func toolInputJSON(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, err := json.Marshal(args)
	if err != nil {
		return json.RawMessage("{}")
	}
	return quoted
}

// ConvertAnthropicResponse maps an Anthropic message onto the canonical
// response. Together with ConvertResponseToAnthropic it round-trips on the
// shared subset.
func ConvertAnthropicResponse(resp *AnthropicResponse) *protocol.Response {
	msg := protocol.Message{Role: protocol.RoleAssistant}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case BlockTypeText:
			text.WriteString(b.Text)
		case BlockTypeToolUse:
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	msg.Content = protocol.Plain(text.String())

	out := &protocol.Response{
		ID:      resp.ID,
		Object:  protocol.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []protocol.Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: MapAnthropicStopReason(resp.StopReason),
		}},
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out.Usage = &protocol.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out
}
