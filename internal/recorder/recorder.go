// Package recorder accumulates the ingress and egress chunk streams of one
// transaction and reconstructs a complete canonical response from each.
package recorder

import (
	"sync"
	"time"

	"github.com/gatebox-dev/gatebox/internal/protocol"
)

// Terminal statuses stamped into a Result. Values match the transaction
// header states in the durable store.
const (
	StatusEnded  = "ended"
	StatusFailed = "failed"
)

// Result pairs the reconstructed views of one finished stream: what the
// upstream produced and what the client was sent after policy.
type Result struct {
	TransactionID string             `json:"transaction_id"`
	Status        string             `json:"status"`
	Ingress       *protocol.Response `json:"ingress,omitempty"`
	Egress        *protocol.Response `json:"egress,omitempty"`
	IngressChunks int                `json:"ingress_chunks"`
	EgressChunks  int                `json:"egress_chunks"`
}

// Recorder buffers both chunk streams of one transaction. Recording happens
// on the transaction's policy goroutine; Finalize may be called from the
// handler goroutine, so the buffers are guarded.
type Recorder struct {
	mu        sync.Mutex
	tx        *protocol.Transaction
	request   *protocol.Request
	ingress   []*protocol.Chunk
	egress    []*protocol.Chunk
	finalized bool
	result    *Result
}

// New binds a recorder to a transaction. The request feeds the prompt-token
// estimate and may be nil.
func New(tx *protocol.Transaction, req *protocol.Request) *Recorder {
	return &Recorder{tx: tx, request: req}
}

// RecordIngress buffers one upstream chunk.
func (r *Recorder) RecordIngress(c *protocol.Chunk) {
	r.mu.Lock()
	r.ingress = append(r.ingress, c)
	r.mu.Unlock()
}

// RecordEgress buffers one post-policy chunk.
func (r *Recorder) RecordEgress(c *protocol.Chunk) {
	r.mu.Lock()
	r.egress = append(r.egress, c)
	r.mu.Unlock()
}

// IngressCount returns the number of upstream chunks buffered so far.
func (r *Recorder) IngressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ingress)
}

// EgressCount returns the number of client chunks buffered so far.
func (r *Recorder) EgressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.egress)
}

// Finalize reconstructs both buffers once and remembers the result; repeated
// calls return the first result regardless of status.
func (r *Recorder) Finalize(status string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return r.result
	}
	r.finalized = true
	r.result = &Result{
		TransactionID: r.tx.ID,
		Status:        status,
		Ingress:       r.reconstruct(r.ingress),
		Egress:        r.reconstruct(r.egress),
		IngressChunks: len(r.ingress),
		EgressChunks:  len(r.egress),
	}
	return r.result
}

func (r *Recorder) reconstruct(chunks []*protocol.Chunk) *protocol.Response {
	if len(chunks) == 0 {
		return nil
	}
	resp := Reconstruct(chunks)
	if resp.Model == "" {
		resp.Model = r.tx.Model
	}
	if resp.ID == "" {
		resp.ID = r.tx.ID
	}
	if resp.Usage == nil {
		resp.Usage = r.estimateUsage(resp)
	}
	return resp
}

// estimateUsage fills in token usage for streams whose upstream never
// reported any, marked so consumers can tell it from provider numbers.
func (r *Recorder) estimateUsage(resp *protocol.Response) *protocol.Usage {
	prompt := EstimateRequestTokens(r.request)
	completion := EstimateResponseTokens(resp)
	return &protocol.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
		Estimated:        true,
	}
}

// Reconstruct folds an ordered chunk buffer into a complete canonical
// response: content deltas concatenate, tool-call fragments fold by index,
// the last finish reason wins, and "stop" is synthesized only when the
// buffer never carried one.
func Reconstruct(chunks []*protocol.Chunk) *protocol.Response {
	var (
		id       string
		model    string
		created  int64
		content  string
		finish   string
		usage    *protocol.Usage
		order    []int
		toolByID = map[int]*protocol.ToolCall{}
	)

	for _, c := range chunks {
		if id == "" {
			id = c.ID
		}
		if model == "" {
			model = c.Model
		}
		if created == 0 {
			created = c.Created
		}
		if c.Usage != nil {
			u := *c.Usage
			usage = &u
		}
		choice := c.FirstChoice()
		if choice == nil {
			continue
		}
		if choice.Delta.Content != nil {
			content += *choice.Delta.Content
		}
		for _, frag := range choice.Delta.ToolCalls {
			tc, ok := toolByID[frag.Index]
			if !ok {
				tc = &protocol.ToolCall{Type: "function"}
				toolByID[frag.Index] = tc
				order = append(order, frag.Index)
			}
			if frag.ID != "" && tc.ID == "" {
				tc.ID = frag.ID
			}
			if frag.Function != nil {
				if frag.Function.Name != "" {
					tc.Function.Name = frag.Function.Name
				}
				tc.Function.Arguments += frag.Function.Arguments
			}
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}

	if finish == "" {
		finish = "stop"
	}
	if created == 0 {
		created = time.Now().Unix()
	}

	msg := protocol.Message{Role: protocol.RoleAssistant, Content: protocol.Plain(content)}
	for _, idx := range order {
		msg.ToolCalls = append(msg.ToolCalls, *toolByID[idx])
	}

	return &protocol.Response{
		ID:      id,
		Object:  protocol.ObjectCompletion,
		Created: created,
		Model:   model,
		Choices: []protocol.Choice{{Message: msg, FinishReason: finish}},
		Usage:   usage,
	}
}
