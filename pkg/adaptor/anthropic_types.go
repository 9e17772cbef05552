// Package adaptor converts between the external wire schemas and the
// canonical chat-completion form, and renders post-policy chunk streams into
// client SSE frames. Anthropic payloads are (de)serialized with plain wire
// structs; no provider SDK types cross this boundary.
package adaptor

import (
	"encoding/json"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Anthropic block types.
const (
	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
)

// Anthropic stop reasons.
const (
	StopReasonEndTurn      = "end_turn"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonToolUse      = "tool_use"
	StopReasonStopSequence = "stop_sequence"
)

// AnthropicRequest is a request to the Anthropic Messages API.
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"` // string or []block
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Metadata      *AnthropicMetadata `json:"metadata,omitempty"`
}

// AnthropicMessage is a single turn in the Anthropic conversation.
type AnthropicMessage struct {
	Role    string           `json:"role"` // "user" or "assistant"
	Content AnthropicContent `json:"content"`
}

// AnthropicContent is either a plain string or a list of content blocks on
// the wire. Blocks being non-nil selects the array form.
type AnthropicContent struct {
	Text   string
	Blocks []AnthropicContentBlock
}

func (c AnthropicContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	case '[':
		c.Text = ""
		c.Blocks = []AnthropicContentBlock{}
		return json.Unmarshal(data, &c.Blocks)
	case 'n': // null
		*c = AnthropicContent{}
		return nil
	}
	return &protocol.ValidationError{Message: "message content must be a string or an array of content blocks"}
}

// AnthropicContentBlock is a universal content block used in both requests
// and responses.
type AnthropicContentBlock struct {
	Type string `json:"type"`

	// text block
	Text string `json:"text,omitempty"`

	// image block
	Source *AnthropicMediaSource `json:"source,omitempty"`

	// tool_use block
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result block
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []block
	IsError   bool            `json:"is_error,omitempty"`
}

// AnthropicMediaSource describes the source of an image content block.
type AnthropicMediaSource struct {
	Type      string `json:"type"`                 // "base64" or "url"
	MediaType string `json:"media_type,omitempty"` // e.g. "image/jpeg"
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// AnthropicTool is a tool definition in an Anthropic request.
type AnthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// AnthropicMetadata carries per-request metadata.
type AnthropicMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// AnthropicResponse is a non-streaming response from the Messages API.
type AnthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []AnthropicContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason,omitempty"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        AnthropicUsage          `json:"usage"`
}

// AnthropicUsage reports token usage on the Anthropic wire.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MapFinishReasonToAnthropic converts a canonical finish reason to an
// Anthropic stop reason. Unknown reasons pass through verbatim.
func MapFinishReasonToAnthropic(finishReason string) string {
	switch finishReason {
	case protocol.FinishReasonStop:
		return StopReasonEndTurn
	case protocol.FinishReasonLength:
		return StopReasonMaxTokens
	case protocol.FinishReasonToolCalls:
		return StopReasonToolUse
	default:
		return finishReason
	}
}

// MapAnthropicStopReason converts an Anthropic stop reason back to the
// canonical finish reason. Unknown reasons pass through verbatim.
func MapAnthropicStopReason(stopReason string) string {
	switch stopReason {
	case StopReasonEndTurn, StopReasonStopSequence:
		return protocol.FinishReasonStop
	case StopReasonMaxTokens:
		return protocol.FinishReasonLength
	case StopReasonToolUse:
		return protocol.FinishReasonToolCalls
	default:
		return stopReason
	}
}
