// Package stream holds the per-transaction stream state and the assembler
// that folds canonical chunks into semantic blocks.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Kind discriminates the two block variants.
type Kind string

const (
	KindContent  Kind = "content"
	KindToolCall Kind = "tool_call"
)

// Block is one semantic grouping of deltas: a run of text or one tool call.
// Blocks are created and sealed by the assembler only.
type Block interface {
	// BlockID is the assembler-assigned ordinal identity ("blk_0", "blk_1", …).
	BlockID() string
	Kind() Kind
	IsComplete() bool

	seal()
}

// ContentBlock accumulates a run of text deltas.
type ContentBlock struct {
	id       string
	Content  string
	complete bool
}

func (b *ContentBlock) BlockID() string  { return b.id }
func (b *ContentBlock) Kind() Kind       { return KindContent }
func (b *ContentBlock) IsComplete() bool { return b.complete }
func (b *ContentBlock) seal()            { b.complete = true }

// ToolCallBlock accumulates one tool call. Arguments is a growing JSON
// string; it is not guaranteed parseable until the block is complete.
type ToolCallBlock struct {
	id        string
	CallID    string
	Index     int
	Name      string
	Arguments string
	complete  bool
	realID    bool
}

func (b *ToolCallBlock) BlockID() string  { return b.id }
func (b *ToolCallBlock) Kind() Kind       { return KindToolCall }
func (b *ToolCallBlock) IsComplete() bool { return b.complete }
func (b *ToolCallBlock) seal()            { b.complete = true }

// ArgumentsValid reports whether the accumulated arguments parse as a JSON
// value. Empty arguments count as valid (a call with no parameters).
func (b *ToolCallBlock) ArgumentsValid() bool {
	if b.Arguments == "" {
		return true
	}
	return json.Valid([]byte(b.Arguments))
}

// ToolCall converts the block into the canonical completed form.
func (b *ToolCallBlock) ToolCall() protocol.ToolCall {
	return protocol.ToolCall{
		ID:   b.CallID,
		Type: "function",
		Function: protocol.ToolCallFunction{
			Name:      b.Name,
			Arguments: b.Arguments,
		},
	}
}

// State is the per-transaction mutable stream state. It is owned by a single
// pipeline goroutine and never shared.
type State struct {
	Blocks       []Block
	FinishReason string
	RawChunks    []*protocol.Chunk

	current       Block
	justCompleted Block
	nextOrdinal   int
}

// NewState returns an empty stream state.
func NewState() *State {
	return &State{}
}

// Current returns the block being actively appended to, or nil.
func (s *State) Current() Block {
	return s.current
}

// JustCompleted returns the block that completed during the current callback,
// or nil outside a completion callback.
func (s *State) JustCompleted() Block {
	return s.justCompleted
}

// SetJustCompleted marks b as the block that completed for the duration of
// one completion callback. The hook driver brackets each completion callback
// with SetJustCompleted and ClearJustCompleted.
func (s *State) SetJustCompleted(b Block) {
	s.justCompleted = b
}

// ClearJustCompleted resets the completion marker. The executor calls this
// after the completion hook returns.
func (s *State) ClearJustCompleted() {
	s.justCompleted = nil
}

// ContentText returns the concatenated text of all content blocks.
func (s *State) ContentText() string {
	var out string
	for _, b := range s.Blocks {
		if cb, ok := b.(*ContentBlock); ok {
			out += cb.Content
		}
	}
	return out
}

// ToolCalls returns the completed tool-call blocks in stream order.
func (s *State) ToolCalls() []*ToolCallBlock {
	var out []*ToolCallBlock
	for _, b := range s.Blocks {
		if tb, ok := b.(*ToolCallBlock); ok {
			out = append(out, tb)
		}
	}
	return out
}

func (s *State) openContent() *ContentBlock {
	b := &ContentBlock{id: s.nextBlockID()}
	s.Blocks = append(s.Blocks, b)
	s.current = b
	return b
}

func (s *State) openToolCall(index int) *ToolCallBlock {
	b := &ToolCallBlock{
		id:     s.nextBlockID(),
		CallID: fmt.Sprintf("tool_%d", index),
		Index:  index,
	}
	s.Blocks = append(s.Blocks, b)
	s.current = b
	return b
}

func (s *State) closeCurrent() Block {
	b := s.current
	b.seal()
	s.justCompleted = b
	s.current = nil
	return b
}

func (s *State) nextBlockID() string {
	id := fmt.Sprintf("blk_%d", s.nextOrdinal)
	s.nextOrdinal++
	return id
}
