package stream

import (
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// EventKind tags the semantic events a fold produces.
type EventKind string

const (
	EventContentDelta  EventKind = "content_delta"
	EventToolCallDelta EventKind = "tool_call_delta"
	EventBlockComplete EventKind = "block_complete"
	EventFinish        EventKind = "finish"
)

// Event is one semantic consequence of folding a chunk, in causal order: a
// block completion caused by a transition precedes the delta that caused it.
type Event struct {
	Kind         EventKind
	Content      string
	ToolCall     *protocol.ToolCallDelta
	Block        Block
	FinishReason string
}

// Assembler folds canonical chunks into the stream state. Pure state
// machine; one instance per transaction, driven from a single goroutine.
//
// Only the first choice of a chunk participates in assembly; the supported
// upstreams stream a single choice.
type Assembler struct {
	state *State
}

// NewAssembler returns an assembler over a fresh state.
func NewAssembler() *Assembler {
	return &Assembler{state: NewState()}
}

// State exposes the assembled stream state.
func (a *Assembler) State() *State {
	return a.state
}

// Fold merges chunk into the state and returns the semantic events the chunk
// produced. The chunk is mutated in place when the tool-phase empty-content
// artifact is stripped, so downstream observers see the cleaned form.
//
// Once a finish reason has been recorded, further chunks are logged raw but
// produce no events.
func (a *Assembler) Fold(chunk *protocol.Chunk) []Event {
	s := a.state
	s.RawChunks = append(s.RawChunks, chunk)

	if s.FinishReason != "" {
		return nil
	}
	choice := chunk.FirstChoice()
	if choice == nil {
		// Usage-only trailer; nothing to assemble.
		return nil
	}

	var events []Event

	// Some upstreams keep emitting "content": "" alongside tool-call
	// fragments. Strip the artifact before the policy observes the chunk.
	if a.inToolPhase(choice) && choice.Delta.Content != nil && *choice.Delta.Content == "" {
		choice.Delta.Content = nil
	}

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		content := *choice.Delta.Content
		cb, ok := s.current.(*ContentBlock)
		if !ok {
			if s.current != nil {
				events = append(events, Event{Kind: EventBlockComplete, Block: s.closeCurrent()})
			}
			cb = s.openContent()
		}
		cb.Content += content
		events = append(events, Event{Kind: EventContentDelta, Content: content})
	}

	for i := range choice.Delta.ToolCalls {
		frag := &choice.Delta.ToolCalls[i]
		tb, ok := s.current.(*ToolCallBlock)
		if !ok || tb.Index != frag.Index {
			if s.current != nil {
				events = append(events, Event{Kind: EventBlockComplete, Block: s.closeCurrent()})
			}
			tb = s.openToolCall(frag.Index)
		}
		if frag.ID != "" && !tb.realID {
			tb.CallID = frag.ID
			tb.realID = true
		}
		if frag.Function != nil {
			if frag.Function.Name != "" {
				tb.Name = frag.Function.Name
			}
			tb.Arguments += frag.Function.Arguments
		}
		events = append(events, Event{Kind: EventToolCallDelta, ToolCall: frag})
	}

	if choice.FinishReason != "" {
		s.FinishReason = choice.FinishReason
		if s.current != nil {
			events = append(events, Event{Kind: EventBlockComplete, Block: s.closeCurrent()})
		}
		events = append(events, Event{Kind: EventFinish, FinishReason: choice.FinishReason})
	}

	return events
}

// Finish closes a still-open block when the upstream drains without a finish
// reason. It returns the completion event, or no events when nothing was
// open. The state's finish reason stays empty; reconstruction synthesizes
// one, the live stream does not.
func (a *Assembler) Finish() []Event {
	s := a.state
	if s.current == nil {
		return nil
	}
	return []Event{{Kind: EventBlockComplete, Block: s.closeCurrent()}}
}

func (a *Assembler) inToolPhase(choice *protocol.ChunkChoice) bool {
	if _, ok := a.state.current.(*ToolCallBlock); ok {
		return true
	}
	return len(choice.Delta.ToolCalls) > 0
}
