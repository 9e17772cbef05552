package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestValidate(t *testing.T) {
	valid := &Request{
		Model:    "gpt-4o",
		Messages: []Message{{Role: RoleUser, Content: Plain("hi")}},
	}
	assert.NoError(t, valid.Validate())

	t.Run("missing model", func(t *testing.T) {
		req := &Request{Messages: []Message{{Role: RoleUser, Content: Plain("hi")}}}
		err := req.Validate()
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Contains(t, ve.Message, "model")
	})

	t.Run("empty messages", func(t *testing.T) {
		req := &Request{Model: "gpt-4o"}
		assert.Error(t, req.Validate())
	})

	t.Run("unknown role", func(t *testing.T) {
		req := &Request{Model: "gpt-4o", Messages: []Message{{Role: "wizard", Content: Plain("hi")}}}
		assert.Error(t, req.Validate())
	})
}

func TestRequestValidateMessageBound(t *testing.T) {
	makeReq := func(n int) *Request {
		msgs := make([]Message, n)
		for i := range msgs {
			msgs[i] = Message{Role: RoleUser, Content: Plain(fmt.Sprintf("msg %d", i))}
		}
		return &Request{Model: "gpt-4o", Messages: msgs}
	}

	// Exactly the limit passes, one more is rejected.
	assert.NoError(t, makeReq(MaxRequestMessages).Validate())

	err := makeReq(MaxRequestMessages + 1).Validate()
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Message, "too many messages")
}

func TestMessageContentJSON(t *testing.T) {
	t.Run("string form", func(t *testing.T) {
		var m Message
		require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"hello"}`), &m))
		assert.Equal(t, "hello", m.Content.Text)
		assert.False(t, m.Content.IsParts())

		out, err := json.Marshal(m.Content)
		require.NoError(t, err)
		assert.Equal(t, `"hello"`, string(out))
	})

	t.Run("parts form", func(t *testing.T) {
		raw := `[{"type":"text","text":"look at "},{"type":"image_url","image_url":{"url":"https://x/cat.png"}},{"type":"text","text":"this"}]`
		var c MessageContent
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		require.True(t, c.IsParts())
		require.Len(t, c.Parts, 3)
		assert.Equal(t, "look at this", c.Flatten())
		assert.Equal(t, "https://x/cat.png", c.Parts[1].ImageURL.URL)
	})

	t.Run("null content", func(t *testing.T) {
		var c MessageContent
		require.NoError(t, json.Unmarshal([]byte(`null`), &c))
		assert.False(t, c.IsParts())
		assert.Empty(t, c.Text)
	})

	t.Run("invalid content", func(t *testing.T) {
		var c MessageContent
		assert.Error(t, json.Unmarshal([]byte(`42`), &c))
	})
}

func TestContentPartUnknownTypeRoundTrip(t *testing.T) {
	// Provider-specific part types must survive the proxy byte-identically.
	raw := `[{"type":"input_audio","input_audio":{"data":"UklGR=","format":"wav"}}]`
	var c MessageContent
	require.NoError(t, json.Unmarshal([]byte(raw), &c))

	out, err := json.Marshal(c)
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(out))
}

func TestRequestClone(t *testing.T) {
	temp := 0.5
	req := &Request{
		Model:       "gpt-4o",
		Messages:    []Message{{Role: RoleUser, Content: Plain("original")}},
		Tools:       []Tool{{Type: "function", Function: ToolFunction{Name: "f"}}},
		Temperature: &temp,
		Stop:        []string{"END"},
	}

	clone := req.Clone()
	clone.Messages[0].Content = Plain("mutated")
	clone.Tools[0].Function.Name = "g"
	clone.Stop[0] = "STOP"

	assert.Equal(t, "original", req.Messages[0].Content.Text)
	assert.Equal(t, "f", req.Tools[0].Function.Name)
	assert.Equal(t, "END", req.Stop[0])
}

func TestChunkAccessors(t *testing.T) {
	chunk := NewContentChunk("c1", "gpt-4o", "hello")
	content, ok := chunk.ContentDelta()
	assert.True(t, ok)
	assert.Equal(t, "hello", content)
	assert.Empty(t, chunk.FinishReason())

	finish := NewFinishChunk("c2", "gpt-4o", FinishReasonStop)
	_, ok = finish.ContentDelta()
	assert.False(t, ok)
	assert.Equal(t, FinishReasonStop, finish.FinishReason())

	tool := NewToolCallChunk("c3", "gpt-4o", 0, "call_1", "get_weather", `{"loc":"NYC"}`)
	deltas := tool.ToolCallDeltas()
	require.Len(t, deltas, 1)
	assert.Equal(t, "get_weather", deltas[0].Function.Name)
}

func TestChunkClone(t *testing.T) {
	chunk := NewToolCallChunk("c1", "gpt-4o", 0, "call_1", "get_weather", `{"a":1}`)
	clone := chunk.Clone()

	clone.Choices[0].Delta.ToolCalls[0].Function.Arguments = `{"b":2}`
	assert.Equal(t, `{"a":1}`, chunk.Choices[0].Delta.ToolCalls[0].Function.Arguments)

	content := NewContentChunk("c2", "gpt-4o", "hi")
	cc := content.Clone()
	*cc.Choices[0].Delta.Content = "bye"
	got, _ := content.ContentDelta()
	assert.Equal(t, "hi", got)
}

func TestChunkJSONOmitsAbsentContent(t *testing.T) {
	// An absent content field and an explicit empty string must serialize
	// differently; the assembler relies on the distinction to strip tool-phase
	// artifacts.
	chunk := NewFinishChunk("c1", "gpt-4o", FinishReasonToolCalls)
	out, err := json.Marshal(chunk)
	require.NoError(t, err)
	assert.NotContains(t, string(out), `"content"`)

	empty := ""
	chunk2 := &Chunk{ID: "c2", Choices: []ChunkChoice{{Delta: Delta{Content: &empty}}}}
	out2, err := json.Marshal(chunk2)
	require.NoError(t, err)
	assert.Contains(t, string(out2), `"content":""`)
}

func TestErrorTypeMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantType string
		wantCode int
	}{
		{&ValidationError{Message: "bad"}, ErrTypeInvalidRequest, http.StatusBadRequest},
		{&PolicyRejectionError{Policy: "guard", Message: "nope"}, ErrTypePolicyRejected, http.StatusForbidden},
		{&UpstreamError{Provider: "openai", Status: 502, Err: errors.New("boom")}, ErrTypeUpstream, http.StatusBadGateway},
		{&TimeoutError{After: 0}, ErrTypeTimeout, http.StatusGatewayTimeout},
		{&ProtocolError{Message: "bad frame"}, ErrTypeProtocol, http.StatusInternalServerError},
		{&InternalError{Err: errors.New("boom")}, ErrTypeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.wantType, func(t *testing.T) {
			assert.Equal(t, tt.wantType, ErrorType(tt.err))
			assert.Equal(t, tt.wantCode, HTTPStatus(tt.err))
		})
	}
}

func TestErrorWrapping(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("dial upstream: %w", &UpstreamError{Provider: "anthropic", Err: cause})

	var ue *UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "anthropic", ue.Provider)
	assert.True(t, errors.Is(err, cause))
}

func TestScratchpad(t *testing.T) {
	sp := NewScratchpad()
	_, ok := sp.Get("missing")
	assert.False(t, ok)

	sp.Set("count", 3)
	sp.Set("name", "judge")
	v, ok := sp.Get("count")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	assert.Equal(t, "judge", sp.GetString("name"))
	assert.Empty(t, sp.GetString("count")) // not a string

	sp.Delete("count")
	assert.Equal(t, 1, sp.Len())
}

func TestNewTransaction(t *testing.T) {
	tx := NewTransaction(WireFormatAnthropic, "claude-sonnet-4-5", "trace-1")
	assert.NotEmpty(t, tx.ID)
	assert.Contains(t, tx.ID, "tx_")
	assert.Equal(t, WireFormatAnthropic, tx.Format)
	assert.NotNil(t, tx.Scratchpad())

	tx2 := NewTransaction(WireFormatOpenAI, "gpt-4o", "")
	assert.NotEqual(t, tx.ID, tx2.ID)
}
