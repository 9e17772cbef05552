package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// WireFormat identifies the external wire schema a client speaks.
type WireFormat string

const (
	WireFormatOpenAI    WireFormat = "openai"
	WireFormatAnthropic WireFormat = "anthropic"
)

// Transaction scopes one client request end to end. The id is stable for the
// life of the request and keys every observability record, stored row, and
// pub/sub channel the request produces.
type Transaction struct {
	ID      string
	Format  WireFormat
	Model   string
	TraceID string

	scratch *Scratchpad
}

// NewTransaction mints a transaction with a fresh id.
func NewTransaction(format WireFormat, model, traceID string) *Transaction {
	return &Transaction{
		ID:      "tx_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		Format:  format,
		Model:   model,
		TraceID: traceID,
		scratch: NewScratchpad(),
	}
}

// Scratchpad returns the transaction-local key/value store.
func (t *Transaction) Scratchpad() *Scratchpad {
	if t.scratch == nil {
		t.scratch = NewScratchpad()
	}
	return t.scratch
}

// Scratchpad is request-local memory for policy use. It is never persisted
// and is not synchronized; all hooks for one transaction run on a single
// goroutine.
type Scratchpad struct {
	values map[string]any
}

// NewScratchpad returns an empty scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{values: make(map[string]any)}
}

// Get returns the value for key and whether it was present.
func (s *Scratchpad) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// GetString returns the string value for key, or "" when absent or not a
// string.
func (s *Scratchpad) GetString(key string) string {
	if v, ok := s.values[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

// Set stores value under key.
func (s *Scratchpad) Set(key string, value any) {
	s.values[key] = value
}

// Delete removes key.
func (s *Scratchpad) Delete(key string) {
	delete(s.values, key)
}

// Len returns the number of stored keys.
func (s *Scratchpad) Len() int {
	return len(s.values)
}
