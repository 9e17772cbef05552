package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

func contentChunk(text string) *protocol.Chunk {
	return protocol.NewContentChunk("c", "gpt-4o", text)
}

func toolChunk(index int, id, name, args string) *protocol.Chunk {
	c := &protocol.Chunk{
		ID:      "c",
		Model:   "gpt-4o",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{Index: index}}}}},
	}
	frag := &c.Choices[0].Delta.ToolCalls[0]
	frag.ID = id
	if name != "" || args != "" {
		frag.Function = &protocol.ToolCallFunctionDelta{Name: name, Arguments: args}
	}
	return c
}

func finishChunk(reason string) *protocol.Chunk {
	return protocol.NewFinishChunk("c", "gpt-4o", reason)
}

// checkInvariant asserts the state invariant that holds after every fold: the
// current block, if any, is incomplete.
func checkInvariant(t *testing.T, s *State) {
	t.Helper()
	if cur := s.Current(); cur != nil {
		assert.False(t, cur.IsComplete())
	}
}

func TestFoldContentStream(t *testing.T) {
	a := NewAssembler()

	for _, text := range []string{"Hello", " ", "world"} {
		events := a.Fold(contentChunk(text))
		require.Len(t, events, 1)
		assert.Equal(t, EventContentDelta, events[0].Kind)
		assert.Equal(t, text, events[0].Content)
		checkInvariant(t, a.State())
	}

	events := a.Fold(finishChunk(protocol.FinishReasonStop))
	require.Len(t, events, 2)
	assert.Equal(t, EventBlockComplete, events[0].Kind)
	assert.Equal(t, EventFinish, events[1].Kind)
	assert.Equal(t, protocol.FinishReasonStop, events[1].FinishReason)

	s := a.State()
	require.Len(t, s.Blocks, 1)
	cb, ok := s.Blocks[0].(*ContentBlock)
	require.True(t, ok)
	assert.Equal(t, "Hello world", cb.Content)
	assert.True(t, cb.IsComplete())
	assert.Equal(t, protocol.FinishReasonStop, s.FinishReason)
	assert.Nil(t, s.Current())
	assert.Len(t, s.RawChunks, 4)
}

func TestFoldToolCallAccumulation(t *testing.T) {
	a := NewAssembler()

	a.Fold(toolChunk(0, "call_abc", "get_weather", ""))
	a.Fold(toolChunk(0, "", "", `{"loc"`))
	a.Fold(toolChunk(0, "", "", `:"NYC"`))
	a.Fold(toolChunk(0, "", "", `}`))
	events := a.Fold(finishChunk(protocol.FinishReasonToolCalls))

	require.Len(t, events, 2)
	assert.Equal(t, EventBlockComplete, events[0].Kind)

	tb, ok := events[0].Block.(*ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "call_abc", tb.CallID)
	assert.Equal(t, "get_weather", tb.Name)
	assert.Equal(t, `{"loc":"NYC"}`, tb.Arguments)
	assert.True(t, tb.ArgumentsValid())

	call := tb.ToolCall()
	assert.Equal(t, "call_abc", call.ID)
	assert.Equal(t, "function", call.Type)
}

func TestFoldSynthesizesToolCallID(t *testing.T) {
	a := NewAssembler()
	a.Fold(toolChunk(2, "", "lookup", `{}`))

	tb, ok := a.State().Current().(*ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, "tool_2", tb.CallID)

	// A real id arriving on a later fragment replaces the synthesized one.
	a.Fold(toolChunk(2, "call_real", "", ""))
	assert.Equal(t, "call_real", tb.CallID)

	// Only the first real id wins.
	a.Fold(toolChunk(2, "call_other", "", ""))
	assert.Equal(t, "call_real", tb.CallID)
}

func TestFoldToolIndexTransition(t *testing.T) {
	a := NewAssembler()

	a.Fold(toolChunk(0, "call_a", "first", `{}`))
	events := a.Fold(toolChunk(1, "call_b", "second", ""))

	// New index closes the previous block before the fragment merges.
	require.Len(t, events, 2)
	assert.Equal(t, EventBlockComplete, events[0].Kind)
	assert.Equal(t, EventToolCallDelta, events[1].Kind)

	prev, ok := events[0].Block.(*ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, 0, prev.Index)
	assert.True(t, prev.IsComplete())

	cur, ok := a.State().Current().(*ToolCallBlock)
	require.True(t, ok)
	assert.Equal(t, 1, cur.Index)
	checkInvariant(t, a.State())
}

func TestFoldContentToToolTransition(t *testing.T) {
	a := NewAssembler()

	a.Fold(contentChunk("Let me check."))
	events := a.Fold(toolChunk(0, "call_a", "get_weather", ""))

	require.Len(t, events, 2)
	assert.Equal(t, EventBlockComplete, events[0].Kind)
	assert.Equal(t, KindContent, events[0].Block.Kind())
	assert.Equal(t, EventToolCallDelta, events[1].Kind)

	s := a.State()
	require.Len(t, s.Blocks, 2)
	assert.Equal(t, KindContent, s.Blocks[0].Kind())
	assert.Equal(t, KindToolCall, s.Blocks[1].Kind())
}

func TestFoldToolToContentDefensive(t *testing.T) {
	// Content arriving mid tool call violates block ordering but the
	// assembler still emits the completion before the new content block.
	a := NewAssembler()

	a.Fold(toolChunk(0, "call_a", "f", `{}`))
	events := a.Fold(contentChunk("tail text"))

	require.Len(t, events, 2)
	assert.Equal(t, EventBlockComplete, events[0].Kind)
	assert.Equal(t, KindToolCall, events[0].Block.Kind())
	assert.Equal(t, EventContentDelta, events[1].Kind)
	checkInvariant(t, a.State())
}

func TestFoldIgnoresDeltasAfterFinish(t *testing.T) {
	a := NewAssembler()

	a.Fold(contentChunk("hello"))
	a.Fold(finishChunk(protocol.FinishReasonStop))

	events := a.Fold(contentChunk("late"))
	assert.Empty(t, events)

	s := a.State()
	assert.Equal(t, "hello", s.ContentText())
	assert.Equal(t, protocol.FinishReasonStop, s.FinishReason)
	// The raw log still records the stray chunk.
	assert.Len(t, s.RawChunks, 3)
}

func TestFoldStripsEmptyContentInToolPhase(t *testing.T) {
	a := NewAssembler()
	a.Fold(toolChunk(0, "call_a", "f", ""))

	empty := ""
	chunk := &protocol.Chunk{
		ID: "c",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{
			Content:   &empty,
			ToolCalls: []protocol.ToolCallDelta{{Index: 0, Function: &protocol.ToolCallFunctionDelta{Arguments: `{}`}}},
		}}},
	}
	a.Fold(chunk)

	assert.Nil(t, chunk.Choices[0].Delta.Content)
}

func TestFoldKeepsEmptyContentOutsideToolPhase(t *testing.T) {
	// The leading role announcement chunk carries "content": "" and is not a
	// tool-phase artifact.
	a := NewAssembler()

	empty := ""
	chunk := &protocol.Chunk{
		ID:      "c",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{Role: "assistant", Content: &empty}}},
	}
	events := a.Fold(chunk)

	assert.Empty(t, events)
	assert.NotNil(t, chunk.Choices[0].Delta.Content)
	assert.Nil(t, a.State().Current())
}

func TestFoldContentWithFinishInOneChunk(t *testing.T) {
	a := NewAssembler()
	a.Fold(contentChunk("partial"))

	text := " end"
	chunk := &protocol.Chunk{
		ID:      "c",
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{Content: &text}, FinishReason: protocol.FinishReasonStop}},
	}
	events := a.Fold(chunk)

	require.Len(t, events, 3)
	assert.Equal(t, EventContentDelta, events[0].Kind)
	assert.Equal(t, EventBlockComplete, events[1].Kind)
	assert.Equal(t, EventFinish, events[2].Kind)
	assert.Equal(t, "partial end", a.State().ContentText())
}

func TestFinishClosesOpenBlock(t *testing.T) {
	a := NewAssembler()
	a.Fold(contentChunk("dangling"))

	events := a.Finish()
	require.Len(t, events, 1)
	assert.Equal(t, EventBlockComplete, events[0].Kind)
	assert.True(t, events[0].Block.IsComplete())
	// The live stream does not invent a finish reason.
	assert.Empty(t, a.State().FinishReason)

	assert.Empty(t, a.Finish())
}

func TestFoldUsageOnlyChunk(t *testing.T) {
	a := NewAssembler()
	chunk := &protocol.Chunk{ID: "c", Usage: &protocol.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}}

	events := a.Fold(chunk)
	assert.Empty(t, events)
	assert.Len(t, a.State().RawChunks, 1)
}

func TestJustCompletedSequenceIsPrefixOfBlocks(t *testing.T) {
	a := NewAssembler()
	var completed []string

	chunks := []*protocol.Chunk{
		contentChunk("hi"),
		toolChunk(0, "call_a", "f", `{}`),
		toolChunk(1, "call_b", "g", `{}`),
		finishChunk(protocol.FinishReasonToolCalls),
	}
	for _, c := range chunks {
		for _, ev := range a.Fold(c) {
			if ev.Kind == EventBlockComplete {
				assert.Same(t, ev.Block, a.State().JustCompleted())
				completed = append(completed, ev.Block.BlockID())
				a.State().ClearJustCompleted()
			}
		}
	}

	var all []string
	for _, b := range a.State().Blocks {
		all = append(all, b.BlockID())
	}
	require.Len(t, completed, 3)
	assert.Equal(t, all[:len(completed)], completed)
}

func TestToolCallBlockArgumentsValid(t *testing.T) {
	b := &ToolCallBlock{Arguments: `{"ok":true}`}
	assert.True(t, b.ArgumentsValid())

	b.Arguments = `{"truncated":`
	assert.False(t, b.ArgumentsValid())

	b.Arguments = ""
	assert.True(t, b.ArgumentsValid())
}
