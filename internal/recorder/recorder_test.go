package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

func testRequest() *protocol.Request {
	return &protocol.Request{
		Model: "gpt-4o",
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Content: protocol.Plain("What is the weather in Paris?")},
		},
	}
}

func toolFragment(id, model string, index int, callID, name, args string) *protocol.Chunk {
	return &protocol.Chunk{
		ID:    id,
		Model: model,
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
			Index:    index,
			ID:       callID,
			Function: &protocol.ToolCallFunctionDelta{Name: name, Arguments: args},
		}}}}},
	}
}

func TestReconstructConcatenatesContent(t *testing.T) {
	chunks := []*protocol.Chunk{
		protocol.NewContentChunk("c1", "gpt-4o", "Hello"),
		protocol.NewContentChunk("c1", "gpt-4o", ", "),
		protocol.NewContentChunk("c1", "gpt-4o", "world"),
		protocol.NewFinishChunk("c1", "gpt-4o", "stop"),
	}

	resp := Reconstruct(chunks)
	require.NotNil(t, resp)
	assert.Equal(t, "c1", resp.ID)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, protocol.ObjectCompletion, resp.Object)

	choice := resp.FirstChoice()
	require.NotNil(t, choice)
	assert.Equal(t, protocol.RoleAssistant, choice.Message.Role)
	assert.Equal(t, "Hello, world", choice.Message.Content.Flatten())
	assert.Equal(t, "stop", choice.FinishReason)
}

func TestReconstructFoldsToolCallFragments(t *testing.T) {
	chunks := []*protocol.Chunk{
		toolFragment("c2", "gpt-4o", 0, "call_abc", "get_weather", ""),
		toolFragment("c2", "gpt-4o", 0, "", "", `{"city":`),
		toolFragment("c2", "gpt-4o", 0, "", "", `"Paris"}`),
		toolFragment("c2", "gpt-4o", 1, "call_def", "get_time", `{}`),
		protocol.NewFinishChunk("c2", "gpt-4o", "tool_calls"),
	}

	resp := Reconstruct(chunks)
	choice := resp.FirstChoice()
	require.NotNil(t, choice)
	require.Len(t, choice.Message.ToolCalls, 2)

	first := choice.Message.ToolCalls[0]
	assert.Equal(t, "call_abc", first.ID)
	assert.Equal(t, "function", first.Type)
	assert.Equal(t, "get_weather", first.Function.Name)
	assert.Equal(t, `{"city":"Paris"}`, first.Function.Arguments)

	second := choice.Message.ToolCalls[1]
	assert.Equal(t, "call_def", second.ID)
	assert.Equal(t, "get_time", second.Function.Name)
	assert.Equal(t, "tool_calls", choice.FinishReason)
}

func TestReconstructLastFinishReasonWins(t *testing.T) {
	chunks := []*protocol.Chunk{
		protocol.NewContentChunk("c3", "gpt-4o", "partial"),
		protocol.NewFinishChunk("c3", "gpt-4o", "length"),
		protocol.NewFinishChunk("c3", "gpt-4o", "content_filter"),
	}

	resp := Reconstruct(chunks)
	assert.Equal(t, "content_filter", resp.FirstChoice().FinishReason)
}

func TestReconstructSynthesizesStopOnlyWhenAbsent(t *testing.T) {
	resp := Reconstruct([]*protocol.Chunk{
		protocol.NewContentChunk("c4", "gpt-4o", "truncated mid-stream"),
	})
	assert.Equal(t, "stop", resp.FirstChoice().FinishReason)

	resp = Reconstruct([]*protocol.Chunk{
		protocol.NewContentChunk("c5", "gpt-4o", "blocked"),
		protocol.NewFinishChunk("c5", "gpt-4o", "content_filter"),
	})
	assert.Equal(t, "content_filter", resp.FirstChoice().FinishReason)
}

func TestReconstructFinishOnlyStreamYieldsEmptyMessage(t *testing.T) {
	resp := Reconstruct([]*protocol.Chunk{
		protocol.NewFinishChunk("c10", "gpt-4o", "length"),
	})
	require.NotNil(t, resp)

	choice := resp.FirstChoice()
	require.NotNil(t, choice)
	assert.Equal(t, "length", choice.FinishReason)
	assert.Empty(t, choice.Message.Content.Flatten())
	assert.Empty(t, choice.Message.ToolCalls)
}

func TestReconstructKeepsUpstreamUsage(t *testing.T) {
	finish := protocol.NewFinishChunk("c6", "gpt-4o", "stop")
	finish.Usage = &protocol.Usage{PromptTokens: 12, CompletionTokens: 7, TotalTokens: 19}

	resp := Reconstruct([]*protocol.Chunk{
		protocol.NewContentChunk("c6", "gpt-4o", "answer"),
		finish,
	})
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)
	assert.False(t, resp.Usage.Estimated)
}

func TestFinalizePairsIngressAndEgress(t *testing.T) {
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "gpt-4o", "")
	rec := New(tx, testRequest())

	rec.RecordIngress(protocol.NewContentChunk("c7", "gpt-4o", "original text"))
	rec.RecordIngress(protocol.NewFinishChunk("c7", "gpt-4o", "stop"))
	rec.RecordEgress(protocol.NewContentChunk("c7", "gpt-4o", "[redacted]"))
	rec.RecordEgress(protocol.NewFinishChunk("c7", "gpt-4o", "stop"))

	assert.Equal(t, 2, rec.IngressCount())
	assert.Equal(t, 2, rec.EgressCount())

	res := rec.Finalize(StatusEnded)
	require.NotNil(t, res)
	assert.Equal(t, tx.ID, res.TransactionID)
	assert.Equal(t, StatusEnded, res.Status)
	assert.Equal(t, 2, res.IngressChunks)
	assert.Equal(t, 2, res.EgressChunks)

	require.NotNil(t, res.Ingress)
	require.NotNil(t, res.Egress)
	assert.Equal(t, "original text", res.Ingress.FirstChoice().Message.Content.Flatten())
	assert.Equal(t, "[redacted]", res.Egress.FirstChoice().Message.Content.Flatten())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "gpt-4o", "")
	rec := New(tx, testRequest())
	rec.RecordEgress(protocol.NewContentChunk("c8", "gpt-4o", "once"))

	first := rec.Finalize(StatusEnded)
	second := rec.Finalize(StatusFailed)

	assert.Same(t, first, second)
	assert.Equal(t, StatusEnded, second.Status)
}

func TestFinalizeEstimatesUsageWhenUpstreamSilent(t *testing.T) {
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "gpt-4o", "")
	rec := New(tx, testRequest())
	rec.RecordEgress(protocol.NewContentChunk("c9", "gpt-4o", "The weather in Paris is sunny."))
	rec.RecordEgress(protocol.NewFinishChunk("c9", "gpt-4o", "stop"))

	res := rec.Finalize(StatusEnded)
	require.NotNil(t, res.Egress)
	require.NotNil(t, res.Egress.Usage)
	assert.True(t, res.Egress.Usage.Estimated)
	assert.Positive(t, res.Egress.Usage.PromptTokens)
	assert.Positive(t, res.Egress.Usage.CompletionTokens)
	assert.Equal(t,
		res.Egress.Usage.PromptTokens+res.Egress.Usage.CompletionTokens,
		res.Egress.Usage.TotalTokens)
}

func TestFinalizeEmptyBuffersYieldNilResponses(t *testing.T) {
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "gpt-4o", "")
	rec := New(tx, testRequest())

	res := rec.Finalize(StatusFailed)
	assert.Nil(t, res.Ingress)
	assert.Nil(t, res.Egress)
	assert.Zero(t, res.IngressChunks)
}

func TestReconstructFillsIdentityFromTransaction(t *testing.T) {
	tx := protocol.NewTransaction(protocol.WireFormatOpenAI, "claude-3-5-sonnet", "")
	rec := New(tx, testRequest())
	rec.RecordEgress(&protocol.Chunk{
		Choices: []protocol.ChunkChoice{{Delta: protocol.Delta{Content: strPtr("anonymous chunk")}}},
	})

	res := rec.Finalize(StatusEnded)
	require.NotNil(t, res.Egress)
	assert.Equal(t, tx.ID, res.Egress.ID)
	assert.Equal(t, "claude-3-5-sonnet", res.Egress.Model)
}

func TestEstimateTokensCountsToolArguments(t *testing.T) {
	bare := EstimateRequestTokens(testRequest())
	assert.Positive(t, bare)

	withTool := testRequest()
	withTool.Messages = append(withTool.Messages, protocol.Message{
		Role: protocol.RoleAssistant,
		ToolCalls: []protocol.ToolCall{{
			ID:   "call_abc",
			Type: "function",
			Function: protocol.ToolCallFunction{
				Name:      "get_weather",
				Arguments: `{"city":"Paris","unit":"celsius"}`,
			},
		}},
	})
	assert.Greater(t, EstimateRequestTokens(withTool), bare)
	assert.Zero(t, EstimateRequestTokens(nil))
}

func strPtr(s string) *string { return &s }
