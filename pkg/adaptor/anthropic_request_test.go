package adaptor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

func TestConvertAnthropicRequestBasic(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1024,
		System:    json.RawMessage(`"You are terse."`),
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Text: "Hello"}},
			{Role: "assistant", Content: AnthropicContent{Text: "Hi"}},
			{Role: "user", Content: AnthropicContent{Blocks: []AnthropicContentBlock{
				{Type: "text", Text: "How "},
				{Type: "text", Text: "are you?"},
			}}},
		},
		StopSequences: []string{"END"},
		Stream:        true,
		Metadata:      &AnthropicMetadata{UserID: "user-7"},
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-5", out.Model)
	assert.Equal(t, 1024, out.MaxTokens)
	assert.True(t, out.Stream)
	assert.Equal(t, []string{"END"}, out.Stop)
	assert.Equal(t, "user-7", out.User)

	require.Len(t, out.Messages, 4)
	assert.Equal(t, protocol.RoleSystem, out.Messages[0].Role)
	assert.Equal(t, "You are terse.", out.Messages[0].Content.Flatten())
	assert.Equal(t, protocol.RoleUser, out.Messages[1].Role)
	assert.Equal(t, "Hello", out.Messages[1].Content.Flatten())
	// List content flattens to one string.
	assert.Equal(t, "How are you?", out.Messages[3].Content.Flatten())
	assert.False(t, out.Messages[3].Content.IsParts())
}

func TestConvertAnthropicRequestSystemBlocks(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		System:    json.RawMessage(`[{"type":"text","text":"Be "},{"type":"text","text":"brief."}]`),
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Text: "hi"}},
		},
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, protocol.RoleSystem, out.Messages[0].Role)
	assert.Equal(t, "Be brief.", out.Messages[0].Content.Flatten())
}

func TestConvertAnthropicRequestToolUse(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Text: "weather in NYC?"}},
			{Role: "assistant", Content: AnthropicContent{Blocks: []AnthropicContentBlock{
				{Type: "text", Text: "Checking."},
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: json.RawMessage(`{"loc":"NYC"}`)},
			}}},
			{Role: "user", Content: AnthropicContent{Blocks: []AnthropicContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_1", Content: json.RawMessage(`"72F sunny"`)},
				{Type: "text", Text: "thanks, and tomorrow?"},
			}}},
		},
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 4)

	asst := out.Messages[1]
	assert.Equal(t, protocol.RoleAssistant, asst.Role)
	assert.Equal(t, "Checking.", asst.Content.Flatten())
	require.Len(t, asst.ToolCalls, 1)
	assert.Equal(t, "toolu_1", asst.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", asst.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"loc":"NYC"}`, asst.ToolCalls[0].Function.Arguments)

	toolMsg := out.Messages[2]
	assert.Equal(t, protocol.RoleTool, toolMsg.Role)
	assert.Equal(t, "toolu_1", toolMsg.ToolCallID)
	assert.Equal(t, "72F sunny", toolMsg.Content.Flatten())

	follow := out.Messages[3]
	assert.Equal(t, protocol.RoleUser, follow.Role)
	assert.Equal(t, "thanks, and tomorrow?", follow.Content.Flatten())
}

func TestConvertAnthropicRequestToolResultBlockList(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Blocks: []AnthropicContentBlock{
				{Type: "tool_result", ToolUseID: "toolu_9", Content: json.RawMessage(`[{"type":"text","text":"a"},{"type":"text","text":"b"}]`)},
			}}},
		},
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "ab", out.Messages[0].Content.Flatten())
}

func TestConvertAnthropicRequestImage(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Blocks: []AnthropicContentBlock{
				{Type: "text", Text: "what is this?"},
				{Type: "image", Source: &AnthropicMediaSource{Type: "base64", MediaType: "image/png", Data: "aGk="}},
			}}},
		},
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Messages, 1)
	require.True(t, out.Messages[0].Content.IsParts())
	parts := out.Messages[0].Content.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, protocol.ContentPartText, parts[0].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,aGk=", parts[1].ImageURL.URL)
}

func TestConvertAnthropicRequestTools(t *testing.T) {
	schema := json.RawMessage(`{"type":"object","properties":{"loc":{"type":"string"}},"required":["loc"]}`)
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "user", Content: AnthropicContent{Text: "hi"}},
		},
		Tools: []AnthropicTool{
			{Name: "get_weather", Description: "Look up weather", InputSchema: schema},
		},
		ToolChoice: json.RawMessage(`{"type":"tool","name":"get_weather"}`),
	}

	out, err := ConvertAnthropicRequest(req)
	require.NoError(t, err)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)
	assert.JSONEq(t, string(schema), string(out.Tools[0].Function.Parameters))
	assert.JSONEq(t, `{"type":"function","function":{"name":"get_weather"}}`, string(out.ToolChoice))
}

func TestConvertAnthropicRequestToolChoiceModes(t *testing.T) {
	for raw, want := range map[string]string{
		`{"type":"auto"}`: `"auto"`,
		`{"type":"any"}`:  `"required"`,
		`{"type":"none"}`: `"none"`,
	} {
		choice, err := convertAnthropicToolChoice(json.RawMessage(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, want, string(choice), raw)
	}

	_, err := convertAnthropicToolChoice(json.RawMessage(`{"type":"sometimes"}`))
	assert.Error(t, err)
}

func TestConvertAnthropicRequestUnknownRole(t *testing.T) {
	req := &AnthropicRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 10,
		Messages: []AnthropicMessage{
			{Role: "narrator", Content: AnthropicContent{Text: "meanwhile"}},
		},
	}

	_, err := ConvertAnthropicRequest(req)
	require.Error(t, err)
	var verr *protocol.ValidationError
	assert.ErrorAs(t, err, &verr)
}
