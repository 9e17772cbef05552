package protocol

import (
	"encoding/json"
	"fmt"
)

// Message roles in the canonical schema.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Canonical finish reasons. Providers may emit other values; those pass
// through verbatim.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonContentFilter = "content_filter"
)

// MaxRequestMessages bounds the number of messages accepted per request.
const MaxRequestMessages = 1000

// ObjectCompletion is the object tag carried by canonical non-streaming
// responses.
const ObjectCompletion = "chat.completion"

// Request is the canonical chat-completion request. It is OpenAI-shaped;
// Anthropic requests are converted into this form before the policy sees them.
type Request struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Tools       []Tool          `json:"tools,omitempty"`
	ToolChoice  json.RawMessage `json:"tool_choice,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	User        string          `json:"user,omitempty"`
}

// Validate checks the request invariants enforced at the proxy boundary.
func (r *Request) Validate() error {
	if r.Model == "" {
		return &ValidationError{Message: "model is required"}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Message: "messages cannot be empty"}
	}
	if len(r.Messages) > MaxRequestMessages {
		return &ValidationError{Message: fmt.Sprintf("too many messages: %d exceeds limit of %d", len(r.Messages), MaxRequestMessages)}
	}
	for i, msg := range r.Messages {
		switch msg.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return &ValidationError{Message: fmt.Sprintf("messages[%d]: unknown role %q", i, msg.Role)}
		}
	}
	return nil
}

// Clone returns a deep copy. Policies receive clones so the recorded ingress
// request stays untouched by hook rewrites.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.clone()
	}
	if r.Tools != nil {
		out.Tools = append([]Tool(nil), r.Tools...)
	}
	if r.Stop != nil {
		out.Stop = append([]string(nil), r.Stop...)
	}
	if r.ToolChoice != nil {
		out.ToolChoice = append(json.RawMessage(nil), r.ToolChoice...)
	}
	return &out
}

// Message is one turn of the conversation.
type Message struct {
	Role       string         `json:"role"`
	Content    MessageContent `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

func (m Message) clone() Message {
	out := m
	if m.Content.Parts != nil {
		out.Content.Parts = append([]ContentPart(nil), m.Content.Parts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	return out
}

// MessageContent is either a plain string or an ordered list of typed parts.
// The wire form is a JSON string in the first case and a JSON array in the
// second; Parts being non-nil selects the array form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
}

// Plain builds string-form content.
func Plain(text string) MessageContent {
	return MessageContent{Text: text}
}

// IsParts reports whether the content uses the typed-part form.
func (c MessageContent) IsParts() bool {
	return c.Parts != nil
}

// Flatten returns the concatenated text of the content regardless of form.
func (c MessageContent) Flatten() string {
	if c.Parts == nil {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == ContentPartText {
			out += p.Text
		}
	}
	return out
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		c.Parts = nil
		return json.Unmarshal(data, &c.Text)
	case '[':
		c.Text = ""
		c.Parts = []ContentPart{}
		return json.Unmarshal(data, &c.Parts)
	case 'n': // null
		*c = MessageContent{}
		return nil
	}
	return &ValidationError{Message: "message content must be a string or an array of content parts"}
}

// Known content-part types.
const (
	ContentPartText     = "text"
	ContentPartImageURL = "image_url"
)

// ContentPart is one typed element of list-form message content. Parts with
// types the proxy does not interpret keep their raw JSON and round-trip
// unchanged.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`

	raw json.RawMessage
}

// ImageURL carries image content by reference or data URL.
type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func (p ContentPart) MarshalJSON() ([]byte, error) {
	switch p.Type {
	case ContentPartText, ContentPartImageURL:
	default:
		if p.raw != nil {
			return p.raw, nil
		}
	}
	type plain ContentPart
	return json.Marshal(plain(p))
}

func (p *ContentPart) UnmarshalJSON(data []byte) error {
	type plain ContentPart
	if err := json.Unmarshal(data, (*plain)(p)); err != nil {
		return err
	}
	p.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function portion of a tool declaration. Parameters is a
// JSON Schema object kept raw; the proxy validates against it but never
// remodels it.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a completed tool invocation on an assistant message.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the called function name and its full argument
// JSON string.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is the canonical non-streaming chat completion.
type Response struct {
	ID      string   `json:"id"`
	Object  string   `json:"object,omitempty"`
	Created int64    `json:"created,omitempty"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is one completion alternative.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// Usage reports token consumption. Estimated marks values the proxy computed
// itself because the upstream stream carried none.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// FirstChoice returns the first choice or nil.
func (r *Response) FirstChoice() *Choice {
	if r == nil || len(r.Choices) == 0 {
		return nil
	}
	return &r.Choices[0]
}
