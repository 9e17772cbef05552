package policy

import (
	"errors"
	"fmt"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/stream"
)

// hookSet records which hooks a policy implements, detected once per
// instance so the hot path never type-asserts.
type hookSet struct {
	request          RequestHook
	response         ResponseHook
	chunkReceived    ChunkReceivedHook
	contentDelta     ContentDeltaHook
	contentComplete  ContentCompleteHook
	toolCallDelta    ToolCallDeltaHook
	toolCallComplete ToolCallCompleteHook
	finishReason     FinishReasonHook
	streamComplete   StreamCompleteHook
	policyComplete   StreamingPolicyCompleteHook
}

func detectHooks(p Policy) hookSet {
	var h hookSet
	if v, ok := p.(RequestHook); ok {
		h.request = v
	}
	if v, ok := p.(ResponseHook); ok {
		h.response = v
	}
	if v, ok := p.(ChunkReceivedHook); ok {
		h.chunkReceived = v
	}
	if v, ok := p.(ContentDeltaHook); ok {
		h.contentDelta = v
	}
	if v, ok := p.(ContentCompleteHook); ok {
		h.contentComplete = v
	}
	if v, ok := p.(ToolCallDeltaHook); ok {
		h.toolCallDelta = v
	}
	if v, ok := p.(ToolCallCompleteHook); ok {
		h.toolCallComplete = v
	}
	if v, ok := p.(FinishReasonHook); ok {
		h.finishReason = v
	}
	if v, ok := p.(StreamCompleteHook); ok {
		h.streamComplete = v
	}
	if v, ok := p.(StreamingPolicyCompleteHook); ok {
		h.policyComplete = v
	}
	return h
}

// Bindings couples an executor to its transaction's pipeline. Push places a
// chunk on the egress queue, Emit forwards policy events to the fanout,
// Keepalive resets the inactivity deadline. Any of them may be nil.
type Bindings struct {
	Push      func(*protocol.Chunk) error
	Emit      Emitter
	Keepalive func()
}

// Executor drives one transaction's policy hooks. All methods run on the
// transaction's single policy goroutine; the executor is not safe for
// concurrent use.
type Executor struct {
	inst      *Instance
	asm       *stream.Assembler
	sctx      *StreamContext
	completed bool
}

// NewExecutor binds the active policy instance to one transaction.
func NewExecutor(inst *Instance, tx *protocol.Transaction, b Bindings) *Executor {
	asm := stream.NewAssembler()
	base := &Context{
		TransactionID: tx.ID,
		Model:         tx.Model,
		policyName:    inst.Name,
		traceID:       tx.TraceID,
		scratch:       tx.Scratchpad(),
		emit:          b.Emit,
	}
	return &Executor{
		inst: inst,
		asm:  asm,
		sctx: &StreamContext{
			Context:   base,
			State:     asm.State(),
			push:      b.Push,
			keepalive: b.Keepalive,
		},
	}
}

// Policy returns the bound policy instance.
func (e *Executor) Policy() *Instance {
	return e.inst
}

// State exposes the assembled stream state for reconstruction.
func (e *Executor) State() *stream.State {
	return e.sctx.State
}

// OnRequest runs the request hook, returning the possibly rewritten request.
// A hook error is user-visible; the caller must not dispatch upstream.
func (e *Executor) OnRequest(req *protocol.Request) (*protocol.Request, error) {
	h := e.inst.hooks.request
	if h == nil {
		return req, nil
	}
	out, err := guardValue(e, "on_request", func() (*protocol.Request, error) {
		return h.OnRequest(e.sctx.Context, req)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return req, nil
	}
	return out, nil
}

// OnResponse runs the response hook on the non-streaming path.
func (e *Executor) OnResponse(resp *protocol.Response) (*protocol.Response, error) {
	h := e.inst.hooks.response
	if h == nil {
		return resp, nil
	}
	out, err := guardValue(e, "on_response", func() (*protocol.Response, error) {
		return h.OnResponse(e.sctx.Context, resp)
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return resp, nil
	}
	return out, nil
}

// ProcessChunk runs the per-chunk hooks in order: on_chunk_received first,
// then one hook per semantic event the fold produced. Any hook error aborts
// the stream.
func (e *Executor) ProcessChunk(chunk *protocol.Chunk) error {
	e.sctx.Chunk = chunk
	h := e.inst.hooks
	if h.chunkReceived != nil {
		if err := e.run("on_chunk_received", func() error {
			return h.chunkReceived.OnChunkReceived(e.sctx)
		}); err != nil {
			return err
		}
	}
	for _, ev := range e.asm.Fold(chunk) {
		if err := e.dispatch(ev); err != nil {
			return err
		}
	}
	return nil
}

// FinishStream runs after the upstream drains: completion for a still-open
// block, then on_stream_complete, which may still push.
func (e *Executor) FinishStream() error {
	e.sctx.Chunk = nil
	for _, ev := range e.asm.Finish() {
		if err := e.dispatch(ev); err != nil {
			return err
		}
	}
	h := e.inst.hooks
	if h.streamComplete == nil {
		return nil
	}
	return e.run("on_stream_complete", func() error {
		return h.streamComplete.OnStreamComplete(e.sctx)
	})
}

// Complete runs on_streaming_policy_complete exactly once, after the egress
// queue has drained. It runs on every terminal path, including failures, and
// never propagates an error.
func (e *Executor) Complete() {
	if e.completed {
		return
	}
	e.completed = true
	e.sctx.Chunk = nil
	e.sctx.sealPush()
	h := e.inst.hooks.policyComplete
	if h == nil {
		return
	}
	_ = e.run("on_streaming_policy_complete", func() error {
		h.OnStreamingPolicyComplete(e.sctx)
		return nil
	})
}

func (e *Executor) dispatch(ev stream.Event) error {
	h := e.inst.hooks
	switch ev.Kind {
	case stream.EventContentDelta:
		if h.contentDelta == nil {
			return nil
		}
		return e.run("on_content_delta", func() error {
			return h.contentDelta.OnContentDelta(e.sctx)
		})
	case stream.EventToolCallDelta:
		if h.toolCallDelta == nil {
			return nil
		}
		return e.run("on_tool_call_delta", func() error {
			return h.toolCallDelta.OnToolCallDelta(e.sctx)
		})
	case stream.EventBlockComplete:
		return e.dispatchComplete(ev.Block)
	case stream.EventFinish:
		if h.finishReason == nil {
			return nil
		}
		return e.run("on_finish_reason", func() error {
			return h.finishReason.OnFinishReason(e.sctx)
		})
	}
	return nil
}

// dispatchComplete brackets the completion hook with the just-completed
// marker; the marker is cleared even when no hook is registered.
func (e *Executor) dispatchComplete(b stream.Block) error {
	st := e.sctx.State
	st.SetJustCompleted(b)
	defer st.ClearJustCompleted()

	h := e.inst.hooks
	switch b.Kind() {
	case stream.KindContent:
		if h.contentComplete == nil {
			return nil
		}
		return e.run("on_content_complete", func() error {
			return h.contentComplete.OnContentComplete(e.sctx)
		})
	case stream.KindToolCall:
		if h.toolCallComplete == nil {
			return nil
		}
		return e.run("on_tool_call_complete", func() error {
			return h.toolCallComplete.OnToolCallComplete(e.sctx)
		})
	}
	return nil
}

// run executes one hook with panic recovery. Failures are reported as policy
// events before the error propagates to the pipeline.
func (e *Executor) run(hook string, fn func() error) error {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &protocol.InternalError{Err: fmt.Errorf("policy %s panicked in %s: %v", e.inst.Name, hook, r)}
			}
		}()
		return fn()
	}()
	if err != nil {
		e.emitHookFailure(hook, err)
	}
	return err
}

// guardValue is run for hooks returning a value alongside the error.
func guardValue[T any](e *Executor, hook string, fn func() (T, error)) (T, error) {
	out, err := func() (out T, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &protocol.InternalError{Err: fmt.Errorf("policy %s panicked in %s: %v", e.inst.Name, hook, r)}
			}
		}()
		return fn()
	}()
	if err != nil {
		e.emitHookFailure(hook, err)
	}
	return out, err
}

func (e *Executor) emitHookFailure(hook string, err error) {
	eventType := "hook_error"
	var rej *protocol.PolicyRejectionError
	if errors.As(err, &rej) {
		eventType = "policy_rejection"
	}
	e.sctx.Emit(eventType, err.Error(), fanout.SeverityError, map[string]any{"hook": hook})
}
