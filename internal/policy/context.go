package policy

import (
	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/stream"
)

// Emitter forwards a policy event to the observability fanout. The executor
// binds it per transaction.
type Emitter func(event fanout.PolicyEvent)

// Context carries the transaction-scoped collaborators available to request
// and response hooks.
type Context struct {
	// TransactionID keys every record the hook emits.
	TransactionID string
	// Model is the client-requested model name.
	Model string

	policyName string
	traceID    string
	scratch    *protocol.Scratchpad
	emit       Emitter
}

// Scratchpad returns the transaction-local key/value store.
func (c *Context) Scratchpad() *protocol.Scratchpad {
	return c.scratch
}

// Emit publishes a policy event tagged with the transaction and the active
// policy. Details may be nil.
func (c *Context) Emit(eventType, summary string, severity fanout.Severity, details map[string]any) {
	if c.emit == nil {
		return
	}
	if details == nil {
		details = map[string]any{}
	}
	details["policy"] = c.policyName
	c.emit(fanout.NewPolicyEvent(c.TransactionID, c.traceID, eventType, summary, severity, details))
}

// StreamContext is the view a streaming hook gets of its transaction: the
// chunk under inspection, the assembled state, and closures bound to the
// pipeline. The raw upstream iterator is never exposed.
type StreamContext struct {
	*Context

	// Chunk is the chunk currently being processed, nil for the
	// stream-complete hooks. Hooks treat it as read-only and clone before
	// rewriting so the recorded ingress stream keeps the original.
	Chunk *protocol.Chunk
	// State is the assembled stream state after the current chunk folded.
	State *stream.State

	push       func(*protocol.Chunk) error
	keepalive  func()
	pushSealed bool
}

// Push places a chunk on the egress queue toward the client. It fails once
// the stream has completed and after on_streaming_policy_complete begins.
func (c *StreamContext) Push(chunk *protocol.Chunk) error {
	if c.pushSealed {
		return &protocol.ProtocolError{Message: "push after stream completion"}
	}
	if c.push == nil {
		return &protocol.ProtocolError{Message: "push outside a streaming transaction"}
	}
	if chunk == nil {
		return &protocol.ProtocolError{Message: "pushed nil chunk"}
	}
	return c.push(chunk)
}

// Keepalive resets the stream inactivity deadline without emitting a chunk.
// Long-running hook work calls this to keep the transaction alive.
func (c *StreamContext) Keepalive() {
	if c.keepalive != nil {
		c.keepalive()
	}
}

func (c *StreamContext) sealPush() {
	c.pushSealed = true
}
