package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/pipeline"
	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// OpenAIProvider talks to an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider builds the SDK client once; it is safe for concurrent
// use across transactions. An empty key leaves the SDK's OPENAI_API_KEY
// lookup in place.
func NewOpenAIProvider(cfg ProviderConfig) *OpenAIProvider {
	var options []option.RequestOption
	if cfg.APIKey != "" {
		options = append(options, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{client: openai.NewClient(options...)}
}

func (p *OpenAIProvider) Name() string { return ProviderOpenAI }

// Complete sends a non-streaming chat completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	params, err := buildChatParams(req)
	if err != nil {
		return nil, err
	}

	logrus.Debugf("openai completion: model=%s messages=%d", req.Model, len(req.Messages))

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(err)
	}
	return convertCompletion(completion), nil
}

// Stream opens a streaming chat completion and returns it as a canonical
// chunk source. Usage reporting on the final chunk is always requested.
func (p *OpenAIProvider) Stream(ctx context.Context, req *protocol.Request) (pipeline.Source, error) {
	params, err := buildChatParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	logrus.Debugf("openai stream: model=%s messages=%d", req.Model, len(req.Messages))

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	return &openaiSource{stream: stream}, nil
}

// buildChatParams converts a canonical request into SDK params. The canonical
// request marshals to OpenAI wire JSON, which the params type decodes
// directly.
func buildChatParams(req *protocol.Request) (openai.ChatCompletionNewParams, error) {
	var params openai.ChatCompletionNewParams

	body, err := json.Marshal(req)
	if err != nil {
		return params, fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(body, &params); err != nil {
		return params, fmt.Errorf("build openai params: %w", err)
	}
	return params, nil
}

// convertCompletion maps an SDK completion onto the canonical response.
func convertCompletion(completion *openai.ChatCompletion) *protocol.Response {
	out := &protocol.Response{
		ID:      completion.ID,
		Object:  protocol.ObjectCompletion,
		Created: completion.Created,
		Model:   completion.Model,
	}

	for _, choice := range completion.Choices {
		msg := protocol.Message{
			Role:    string(choice.Message.Role),
			Content: protocol.Plain(choice.Message.Content),
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: protocol.ToolCallFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, protocol.Choice{
			Index:        int(choice.Index),
			Message:      msg,
			FinishReason: string(choice.FinishReason),
		})
	}

	if completion.Usage.PromptTokens != 0 || completion.Usage.CompletionTokens != 0 {
		out.Usage = &protocol.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}
	}
	return out
}

// convertChunk maps an SDK stream chunk onto the canonical chunk. A chunk
// carrying neither choices nor usage maps to nil.
func convertChunk(chunk *openai.ChatCompletionChunk) *protocol.Chunk {
	out := &protocol.Chunk{
		ID:      chunk.ID,
		Object:  protocol.ObjectChunk,
		Created: chunk.Created,
		Model:   chunk.Model,
	}

	for _, choice := range chunk.Choices {
		cc := protocol.ChunkChoice{Index: int(choice.Index)}
		cc.Delta.Role = string(choice.Delta.Role)
		if choice.Delta.Content != "" {
			content := choice.Delta.Content
			cc.Delta.Content = &content
		}
		for _, tc := range choice.Delta.ToolCalls {
			delta := protocol.ToolCallDelta{
				Index: int(tc.Index),
				ID:    tc.ID,
				Type:  string(tc.Type),
			}
			if tc.Function.Name != "" || tc.Function.Arguments != "" {
				delta.Function = &protocol.ToolCallFunctionDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
			}
			cc.Delta.ToolCalls = append(cc.Delta.ToolCalls, delta)
		}
		cc.FinishReason = string(choice.FinishReason)
		out.Choices = append(out.Choices, cc)
	}

	if chunk.Usage.PromptTokens != 0 || chunk.Usage.CompletionTokens != 0 {
		out.Usage = &protocol.Usage{
			PromptTokens:     int(chunk.Usage.PromptTokens),
			CompletionTokens: int(chunk.Usage.CompletionTokens),
			TotalTokens:      int(chunk.Usage.TotalTokens),
		}
	}

	if len(out.Choices) == 0 && out.Usage == nil {
		return nil
	}
	return out
}

// wrapOpenAIError attaches provider identity and upstream status to an SDK
// error.
func wrapOpenAIError(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &protocol.UpstreamError{Provider: ProviderOpenAI, Status: apierr.StatusCode, Err: err}
	}
	return &protocol.UpstreamError{Provider: ProviderOpenAI, Err: err}
}

// openaiSource adapts the SDK stream iterator to the pull contract the
// pipeline's forward goroutine drives.
type openaiSource struct {
	stream *ssestream.Stream[openai.ChatCompletionChunk]
}

func (s *openaiSource) Next(ctx context.Context) (*protocol.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for s.stream.Next() {
		current := s.stream.Current()
		if chunk := convertChunk(&current); chunk != nil {
			return chunk, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return nil, wrapOpenAIError(err)
	}
	return nil, io.EOF
}

func (s *openaiSource) Close() error {
	return s.stream.Close()
}

var _ pipeline.Source = (*openaiSource)(nil)
