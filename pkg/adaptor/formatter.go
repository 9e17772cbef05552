package adaptor

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Frame is one wire-ready server-sent event. Event is empty for OpenAI
// frames, which carry only a data line.
type Frame struct {
	Event string
	Data  string
}

// Formatter converts the post-policy chunk stream into client wire frames.
// Implementations are stateful and bound to one transaction; they are not
// safe for concurrent use.
type Formatter interface {
	// Start returns the frames that open the stream, if the format has any.
	Start() []Frame
	// Format converts one canonical chunk into zero or more frames.
	Format(chunk *protocol.Chunk) []Frame
	// Finish returns the frames that close the stream. Called exactly once,
	// after the last chunk.
	Finish() []Frame
}

// NewFormatter builds the formatter for the transaction's wire format.
func NewFormatter(tx *protocol.Transaction) Formatter {
	if tx.Format == protocol.WireFormatAnthropic {
		return NewAnthropicFormatter(tx.ID, tx.Model)
	}
	return &OpenAIFormatter{}
}

// OpenAIFormatter emits chunks verbatim, one data frame per chunk, and a
// [DONE] sentinel at the end.
type OpenAIFormatter struct{}

func (f *OpenAIFormatter) Start() []Frame { return nil }

func (f *OpenAIFormatter) Format(chunk *protocol.Chunk) []Frame {
	data, err := json.Marshal(chunk)
	if err != nil {
		logrus.Errorf("Failed to marshal chunk %s: %v", chunk.ID, err)
		return nil
	}
	return []Frame{{Data: string(data)}}
}

func (f *OpenAIFormatter) Finish() []Frame {
	return []Frame{{Data: "[DONE]"}}
}
