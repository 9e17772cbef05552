package adaptor

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Anthropic stream event types.
const (
	eventTypeMessageStart      = "message_start"
	eventTypeContentBlockStart = "content_block_start"
	eventTypeContentBlockDelta = "content_block_delta"
	eventTypeContentBlockStop  = "content_block_stop"
	eventTypeMessageDelta      = "message_delta"
	eventTypeMessageStop       = "message_stop"
)

// Anthropic delta types.
const (
	deltaTypeTextDelta      = "text_delta"
	deltaTypeInputJSONDelta = "input_json_delta"
)

// AnthropicFormatter renders canonical chunks as Anthropic streaming events.
// It tracks a single open content block: text deltas extend an open text
// block, tool-call fragments extend an open tool_use block for the same tool
// index, and anything else closes the open block and opens the next one at
// the incremented block index.
type AnthropicFormatter struct {
	messageID string
	model     string

	blockIndex int
	blockOpen  bool
	blockKind  string
	toolIndex  int // canonical tool index bound to the open tool_use block

	inputTokens  int
	outputTokens int
	finished     bool
}

// NewAnthropicFormatter builds a formatter for one transaction. The message
// id visible to the client is derived from the transaction id.
func NewAnthropicFormatter(txID, model string) *AnthropicFormatter {
	return &AnthropicFormatter{
		messageID: "msg_" + txID,
		model:     model,
		toolIndex: -1,
	}
}

func (f *AnthropicFormatter) Start() []Frame {
	return []Frame{anthropicFrame(eventTypeMessageStart, map[string]any{
		"type": eventTypeMessageStart,
		"message": map[string]any{
			"id":            f.messageID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         f.model,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})}
}

func (f *AnthropicFormatter) Format(chunk *protocol.Chunk) []Frame {
	if chunk.Usage != nil {
		f.inputTokens = chunk.Usage.PromptTokens
		f.outputTokens = chunk.Usage.CompletionTokens
	}
	// The message lifecycle admits one message_delta; chunks pushed after a
	// finish reason are dropped.
	if f.finished {
		return nil
	}
	choice := chunk.FirstChoice()
	if choice == nil {
		return nil
	}

	var frames []Frame

	if content, ok := chunk.ContentDelta(); ok && content != "" {
		if f.blockOpen && f.blockKind != BlockTypeText {
			frames = append(frames, f.closeBlock())
		}
		if !f.blockOpen {
			frames = append(frames, f.openBlock(BlockTypeText, map[string]any{
				"type": BlockTypeText,
				"text": "",
			}))
		}
		frames = append(frames, anthropicFrame(eventTypeContentBlockDelta, map[string]any{
			"type":  eventTypeContentBlockDelta,
			"index": f.blockIndex,
			"delta": map[string]any{
				"type": deltaTypeTextDelta,
				"text": content,
			},
		}))
	}

	for _, tc := range chunk.ToolCallDeltas() {
		if f.blockOpen && (f.blockKind != BlockTypeToolUse || f.toolIndex != tc.Index) {
			frames = append(frames, f.closeBlock())
		}
		if !f.blockOpen {
			var name string
			if tc.Function != nil {
				name = tc.Function.Name
			}
			frames = append(frames, f.openBlock(BlockTypeToolUse, map[string]any{
				"type":  BlockTypeToolUse,
				"id":    tc.ID,
				"name":  name,
				"input": map[string]any{},
			}))
			f.toolIndex = tc.Index
		}
		if tc.Function != nil && tc.Function.Arguments != "" {
			frames = append(frames, anthropicFrame(eventTypeContentBlockDelta, map[string]any{
				"type":  eventTypeContentBlockDelta,
				"index": f.blockIndex,
				"delta": map[string]any{
					"type":         deltaTypeInputJSONDelta,
					"partial_json": tc.Function.Arguments,
				},
			}))
		}
	}

	if reason := chunk.FinishReason(); reason != "" {
		if f.blockOpen {
			frames = append(frames, f.closeBlock())
		}
		frames = append(frames, anthropicFrame(eventTypeMessageDelta, map[string]any{
			"type": eventTypeMessageDelta,
			"delta": map[string]any{
				"stop_reason":   MapFinishReasonToAnthropic(reason),
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  f.inputTokens,
				"output_tokens": f.outputTokens,
			},
		}))
		f.finished = true
	}

	return frames
}

// Finish closes any dangling block and terminates the event stream. A stream
// that never saw a finish reason still ends with a well-formed message_stop.
func (f *AnthropicFormatter) Finish() []Frame {
	var frames []Frame
	if f.blockOpen {
		frames = append(frames, f.closeBlock())
	}
	frames = append(frames, anthropicFrame(eventTypeMessageStop, map[string]any{
		"type": eventTypeMessageStop,
	}))
	return frames
}

func (f *AnthropicFormatter) openBlock(kind string, contentBlock map[string]any) Frame {
	f.blockOpen = true
	f.blockKind = kind
	return anthropicFrame(eventTypeContentBlockStart, map[string]any{
		"type":          eventTypeContentBlockStart,
		"index":         f.blockIndex,
		"content_block": contentBlock,
	})
}

func (f *AnthropicFormatter) closeBlock() Frame {
	frame := anthropicFrame(eventTypeContentBlockStop, map[string]any{
		"type":  eventTypeContentBlockStop,
		"index": f.blockIndex,
	})
	f.blockOpen = false
	f.blockKind = ""
	f.toolIndex = -1
	f.blockIndex++
	return frame
}

func anthropicFrame(eventType string, payload map[string]any) Frame {
	data, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("Failed to marshal %s event: %v", eventType, err)
		return Frame{Event: eventType, Data: "{}"}
	}
	return Frame{Event: eventType, Data: string(data)}
}
