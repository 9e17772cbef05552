package protocol

import "time"

// ObjectChunk is the object tag carried by canonical streaming chunks.
const ObjectChunk = "chat.completion.chunk"

// Chunk is one unit of an incremental streaming response in the canonical
// form. It is the only shape policies ever observe; wire adaptation happens
// at the edges.
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object,omitempty"`
	Created int64         `json:"created,omitempty"`
	Model   string        `json:"model,omitempty"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one choice slot of a chunk.
type ChunkChoice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta is the incremental payload of a chunk. Content is a pointer so an
// explicit empty string (an upstream artifact during the tool-call phase) is
// distinguishable from an absent field and can be stripped.
type Delta struct {
	Role      string          `json:"role,omitempty"`
	Content   *string         `json:"content,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is one tool-call fragment keyed by its tool index.
type ToolCallDelta struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id,omitempty"`
	Type     string                 `json:"type,omitempty"`
	Function *ToolCallFunctionDelta `json:"function,omitempty"`
}

// ToolCallFunctionDelta carries the incremental name and argument fragments
// of one tool call.
type ToolCallFunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// FirstChoice returns the first choice or nil.
func (c *Chunk) FirstChoice() *ChunkChoice {
	if c == nil || len(c.Choices) == 0 {
		return nil
	}
	return &c.Choices[0]
}

// ContentDelta returns the content fragment of the first choice, or "" and
// false when the chunk carries no content field.
func (c *Chunk) ContentDelta() (string, bool) {
	ch := c.FirstChoice()
	if ch == nil || ch.Delta.Content == nil {
		return "", false
	}
	return *ch.Delta.Content, true
}

// ToolCallDeltas returns the tool-call fragments of the first choice.
func (c *Chunk) ToolCallDeltas() []ToolCallDelta {
	ch := c.FirstChoice()
	if ch == nil {
		return nil
	}
	return ch.Delta.ToolCalls
}

// FinishReason returns the finish reason of the first choice, if any.
func (c *Chunk) FinishReason() string {
	ch := c.FirstChoice()
	if ch == nil {
		return ""
	}
	return ch.FinishReason
}

// Clone returns a deep copy. Policies that rewrite chunks clone first so the
// recorded ingress stream keeps the original.
func (c *Chunk) Clone() *Chunk {
	if c == nil {
		return nil
	}
	out := *c
	out.Choices = make([]ChunkChoice, len(c.Choices))
	for i, ch := range c.Choices {
		cc := ch
		if ch.Delta.Content != nil {
			s := *ch.Delta.Content
			cc.Delta.Content = &s
		}
		if ch.Delta.ToolCalls != nil {
			cc.Delta.ToolCalls = make([]ToolCallDelta, len(ch.Delta.ToolCalls))
			for j, tc := range ch.Delta.ToolCalls {
				tcc := tc
				if tc.Function != nil {
					f := *tc.Function
					tcc.Function = &f
				}
				cc.Delta.ToolCalls[j] = tcc
			}
		}
		out.Choices[i] = cc
	}
	if c.Usage != nil {
		u := *c.Usage
		out.Usage = &u
	}
	return &out
}

// NewContentChunk builds a canonical chunk carrying one content fragment.
func NewContentChunk(id, model, content string) *Chunk {
	return &Chunk{
		ID:      id,
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{Content: &content}}},
	}
}

// NewToolCallChunk builds a canonical chunk carrying one complete tool call
// as a single fragment.
func NewToolCallChunk(id, model string, index int, callID, name, arguments string) *Chunk {
	return &Chunk{
		ID:      id,
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{Delta: Delta{ToolCalls: []ToolCallDelta{{
			Index:    index,
			ID:       callID,
			Type:     "function",
			Function: &ToolCallFunctionDelta{Name: name, Arguments: arguments},
		}}}}},
	}
}

// NewFinishChunk builds a canonical chunk carrying only a finish reason.
func NewFinishChunk(id, model, reason string) *Chunk {
	return &Chunk{
		ID:      id,
		Object:  ObjectChunk,
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChunkChoice{{FinishReason: reason}},
	}
}
