package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicOption "github.com/anthropics/anthropic-sdk-go/option"
	anthropicstream "github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/pipeline"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/pkg/adaptor"
)

// AnthropicProvider talks to the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider builds the SDK client. The SDK expects the base URL
// without a /v1 suffix. An empty key leaves the SDK's ANTHROPIC_API_KEY
// lookup in place.
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	var options []anthropicOption.RequestOption
	if cfg.APIKey != "" {
		options = append(options, anthropicOption.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		base = strings.TrimSuffix(base, "/v1")
		options = append(options, anthropicOption.WithBaseURL(base))
	}
	return &AnthropicProvider{client: anthropic.NewClient(options...)}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Complete sends a non-streaming messages request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	params := buildMessageParams(req)

	logrus.Debugf("anthropic completion: model=%s messages=%d", req.Model, len(params.Messages))

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}
	return convertMessage(message), nil
}

// Stream opens a streaming messages request and returns it as a canonical
// chunk source.
func (p *AnthropicProvider) Stream(ctx context.Context, req *protocol.Request) (pipeline.Source, error) {
	params := buildMessageParams(req)

	logrus.Debugf("anthropic stream: model=%s messages=%d", req.Model, len(params.Messages))

	stream := p.client.Messages.NewStreaming(ctx, params)
	return newAnthropicSource(stream), nil
}

// buildMessageParams converts a canonical request into Messages API params.
// System messages hoist into the system field, tool-role messages fold into
// user-role tool_result blocks, and max_tokens falls back to the default the
// API requires one.
func buildMessageParams(req *protocol.Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	var systemParts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case protocol.RoleSystem:
			if text := msg.Content.Flatten(); text != "" {
				systemParts = append(systemParts, text)
			}

		case protocol.RoleUser:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Content.Flatten(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}

		case protocol.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if text := msg.Content.Flatten(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if tc.Function.Arguments != "" {
					_ = json.Unmarshal([]byte(tc.Function.Arguments), &input)
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewAssistantMessage(blocks...))
			}

		case protocol.RoleTool:
			block := anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content.Flatten(), false)
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if len(systemParts) > 0 {
		params.System = make([]anthropic.TextBlockParam, len(systemParts))
		for i, part := range systemParts {
			params.System[i] = anthropic.TextBlockParam{Text: part}
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolParams(req.Tools)
	}
	if len(req.ToolChoice) > 0 {
		params.ToolChoice = convertToolChoiceParam(req.ToolChoice)
	}
	return params
}

func convertToolParams(tools []protocol.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		toolParam := anthropic.ToolParam{Name: t.Function.Name}
		if t.Function.Description != "" {
			toolParam.Description = anthropic.Opt(t.Function.Description)
		}
		if len(t.Function.Parameters) > 0 {
			var schema anthropic.ToolInputSchemaParam
			if err := json.Unmarshal(t.Function.Parameters, &schema); err == nil {
				toolParam.InputSchema = schema
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return out
}

// convertToolChoiceParam maps the canonical tool_choice value. "required"
// becomes Anthropic's "any"; unknown forms degrade to auto.
func convertToolChoiceParam(raw json.RawMessage) anthropic.ToolChoiceUnionParam {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "required":
			return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
		case "none":
			none := anthropic.NewToolChoiceNoneParam()
			return anthropic.ToolChoiceUnionParam{OfNone: &none}
		default:
			return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
		}
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return anthropic.ToolChoiceParamOfTool(named.Function.Name)
	}
	return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
}

// convertMessage maps a Messages API response onto the canonical response.
func convertMessage(message *anthropic.Message) *protocol.Response {
	var text string
	var toolCalls []protocol.ToolCall

	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args := "{}"
			if b, err := json.Marshal(block.Input); err == nil && len(b) > 0 && string(b) != "null" {
				args = string(b)
			}
			toolCalls = append(toolCalls, protocol.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return &protocol.Response{
		ID:      message.ID,
		Object:  protocol.ObjectCompletion,
		Created: time.Now().Unix(),
		Model:   string(message.Model),
		Choices: []protocol.Choice{{
			Message: protocol.Message{
				Role:      protocol.RoleAssistant,
				Content:   protocol.Plain(text),
				ToolCalls: toolCalls,
			},
			FinishReason: adaptor.MapAnthropicStopReason(string(message.StopReason)),
		}},
		Usage: &protocol.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
}

func wrapAnthropicError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &protocol.UpstreamError{Provider: ProviderAnthropic, Status: apierr.StatusCode, Err: err}
	}
	return &protocol.UpstreamError{Provider: ProviderAnthropic, Err: err}
}

// anthropicSource adapts the Messages event stream to the canonical pull
// contract. Anthropic's block-oriented events collapse into flat chunks:
// tool_use blocks take consecutive tool-call indexes, pings surface as
// keepalives, and message_delta closes the stream with finish reason and
// usage.
type anthropicSource struct {
	stream *anthropicstream.Stream[anthropic.MessageStreamEventUnion]

	msgID       string
	model       string
	created     int64
	inputTokens int64
	toolCallIdx int
	blockTypes  map[int64]string
}

func newAnthropicSource(stream *anthropicstream.Stream[anthropic.MessageStreamEventUnion]) *anthropicSource {
	return &anthropicSource{
		stream:     stream,
		blockTypes: make(map[int64]string),
	}
}

func (s *anthropicSource) Next(ctx context.Context) (*protocol.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.stream.Next() {
		event := s.stream.Current()
		if event.Type == "ping" {
			return nil, nil
		}
		if chunk := s.translate(&event); chunk != nil {
			return chunk, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, wrapAnthropicError(err)
	}
	return nil, io.EOF
}

func (s *anthropicSource) Close() error {
	return s.stream.Close()
}

// translate maps one stream event to at most one canonical chunk. Events
// that only move block state return nil.
func (s *anthropicSource) translate(event *anthropic.MessageStreamEventUnion) *protocol.Chunk {
	switch event.Type {
	case "message_start":
		s.msgID = event.Message.ID
		s.model = string(event.Message.Model)
		s.created = time.Now().Unix()
		s.inputTokens = event.Message.Usage.InputTokens
		chunk := s.newChunk()
		chunk.Choices = []protocol.ChunkChoice{{
			Delta: protocol.Delta{Role: protocol.RoleAssistant},
		}}
		return chunk

	case "content_block_start":
		s.blockTypes[event.Index] = event.ContentBlock.Type
		if event.ContentBlock.Type != "tool_use" {
			return nil
		}
		chunk := s.newChunk()
		chunk.Choices = []protocol.ChunkChoice{{
			Delta: protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
				Index:    s.toolCallIdx,
				ID:       event.ContentBlock.ID,
				Type:     "function",
				Function: &protocol.ToolCallFunctionDelta{Name: event.ContentBlock.Name},
			}}},
		}}
		return chunk

	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			if event.Delta.Text == "" {
				return nil
			}
			text := event.Delta.Text
			chunk := s.newChunk()
			chunk.Choices = []protocol.ChunkChoice{{
				Delta: protocol.Delta{Content: &text},
			}}
			return chunk
		case "input_json_delta":
			if event.Delta.PartialJSON == "" {
				return nil
			}
			chunk := s.newChunk()
			chunk.Choices = []protocol.ChunkChoice{{
				Delta: protocol.Delta{ToolCalls: []protocol.ToolCallDelta{{
					Index:    s.toolCallIdx,
					Function: &protocol.ToolCallFunctionDelta{Arguments: event.Delta.PartialJSON},
				}}},
			}}
			return chunk
		}
		return nil

	case "content_block_stop":
		if s.blockTypes[event.Index] == "tool_use" {
			s.toolCallIdx++
		}
		delete(s.blockTypes, event.Index)
		return nil

	case "message_delta":
		usage := &protocol.Usage{
			PromptTokens:     int(s.inputTokens),
			CompletionTokens: int(event.Usage.OutputTokens),
			TotalTokens:      int(s.inputTokens + event.Usage.OutputTokens),
		}
		if event.Delta.StopReason == "" {
			if event.Usage.OutputTokens == 0 {
				return nil
			}
			chunk := s.newChunk()
			chunk.Usage = usage
			return chunk
		}
		chunk := s.newChunk()
		chunk.Choices = []protocol.ChunkChoice{{
			FinishReason: adaptor.MapAnthropicStopReason(string(event.Delta.StopReason)),
		}}
		chunk.Usage = usage
		return chunk
	}

	// message_stop carries nothing; the iterator ends right after it.
	return nil
}

func (s *anthropicSource) newChunk() *protocol.Chunk {
	return &protocol.Chunk{
		ID:      s.msgID,
		Object:  protocol.ObjectChunk,
		Created: s.created,
		Model:   s.model,
	}
}

var _ pipeline.Source = (*anthropicSource)(nil)
