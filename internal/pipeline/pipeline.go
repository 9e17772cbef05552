// Package pipeline runs one streaming transaction end to end. A forward
// goroutine drains the upstream source into a bounded control channel, the
// policy goroutine folds chunks and drives hooks, and the HTTP handler
// consumes the bounded egress queue. All hook execution, recording, and
// deadline bookkeeping happen on the policy goroutine, so policies never
// race themselves.
package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/recorder"
)

const (
	// queueSize bounds the control and egress channels. A slow consumer
	// backpressures the policy goroutine, which backpressures the upstream.
	queueSize = 64

	// DefaultTimeout is the inactivity deadline when config supplies none.
	DefaultTimeout = 60 * time.Second
)

// Source is the upstream chunk iterator a provider returns for one stream.
// Next returns io.EOF at a clean end; a nil chunk with nil error is a
// liveness ping and only resets the inactivity deadline.
type Source interface {
	Next(ctx context.Context) (*protocol.Chunk, error)
	Close() error
}

// Status is the stream state machine: active until terminal, then exactly
// one of ended or failed.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusFailed Status = "failed"
)

type msgKind int

const (
	msgChunk msgKind = iota
	msgKeepalive
	msgEnd
	msgError
)

// controlMsg is one forward-goroutine message. A well-formed stream carries
// any number of chunk and keepalive messages and exactly one of end or error.
type controlMsg struct {
	kind  msgKind
	chunk *protocol.Chunk
	err   error
}

// Outcome is the terminal report of one stream.
type Outcome struct {
	Status Status
	Err    error
	Result *recorder.Result
}

// Options configure one streaming run.
type Options struct {
	Transaction *protocol.Transaction
	Policy      *policy.Instance
	Request     *protocol.Request
	Fanout      *fanout.Fanout
	Timeout     time.Duration
}

// Pipeline owns the per-transaction machinery: executor, recorder, control
// and egress channels, and the inactivity timer.
type Pipeline struct {
	ctx     context.Context
	tx      *protocol.Transaction
	exec    *policy.Executor
	rec     *recorder.Recorder
	fan     *fanout.Fanout
	source  Source
	timeout time.Duration

	control chan controlMsg
	egress  chan *protocol.Chunk

	// timer is owned by the policy goroutine; hooks reset it via the
	// keepalive binding, which also runs there.
	timer         *time.Timer
	cancelForward context.CancelFunc

	done    chan struct{}
	outcome *Outcome
}

// New binds a pipeline to a transaction and builds its policy executor. The
// executor is usable immediately for the request hook; Run attaches the
// upstream source once the provider call succeeds.
func New(ctx context.Context, opts Options) *Pipeline {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &Pipeline{
		ctx:     ctx,
		tx:      opts.Transaction,
		fan:     opts.Fanout,
		timeout: timeout,
		control: make(chan controlMsg, queueSize),
		egress:  make(chan *protocol.Chunk, queueSize),
		done:    make(chan struct{}),
	}
	p.rec = recorder.New(opts.Transaction, opts.Request)
	p.exec = policy.NewExecutor(opts.Policy, opts.Transaction, policy.Bindings{
		Push:      p.push,
		Emit:      p.emit,
		Keepalive: p.resetDeadline,
	})
	return p
}

// Executor exposes the bound policy executor for the pre-stream request hook.
func (p *Pipeline) Executor() *policy.Executor {
	return p.exec
}

// Egress is the post-policy chunk queue. It closes at terminal; the consumer
// must drain it.
func (p *Pipeline) Egress() <-chan *protocol.Chunk {
	return p.egress
}

// Run starts the forward and policy goroutines over src and returns
// immediately. The caller consumes Egress and then Wait.
func (p *Pipeline) Run(src Source) {
	p.source = src
	fctx, cancel := context.WithCancel(p.ctx)
	p.cancelForward = cancel
	go p.forward(fctx)
	go p.loop()
}

// Wait blocks until the stream reaches a terminal state.
func (p *Pipeline) Wait() *Outcome {
	<-p.done
	return p.outcome
}

// forward drains the upstream source into the control channel. It never
// touches policy state; sends abort when the policy goroutine has gone
// terminal and cancelled this context.
func (p *Pipeline) forward(ctx context.Context) {
	send := func(m controlMsg) bool {
		select {
		case p.control <- m:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for {
		chunk, err := p.source.Next(ctx)
		switch {
		case err == nil && chunk == nil:
			if !send(controlMsg{kind: msgKeepalive}) {
				return
			}
		case err == nil:
			if !send(controlMsg{kind: msgChunk, chunk: chunk}) {
				return
			}
		case errors.Is(err, io.EOF):
			send(controlMsg{kind: msgEnd})
			return
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The policy goroutine observed the cancellation itself.
			return
		default:
			send(controlMsg{kind: msgError, err: err})
			return
		}
	}
}

// loop is the policy goroutine: a timer-reset select over control messages,
// the inactivity deadline, and cancellation.
func (p *Pipeline) loop() {
	p.timer = time.NewTimer(p.timeout)
	defer p.timer.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.finish(StatusFailed, p.ctx.Err())
			return
		case <-p.timer.C:
			p.finish(StatusFailed, &protocol.TimeoutError{After: p.timeout})
			return
		case msg := <-p.control:
			switch msg.kind {
			case msgKeepalive:
				p.resetDeadline()
			case msgChunk:
				p.resetDeadline()
				p.fan.Emit(p.ctx, fanout.NewPipelineRecord(
					p.tx.ID, p.tx.TraceID, fanout.StageUpstreamChunkReceived, msg.chunk))
				p.rec.RecordIngress(msg.chunk)
				if err := p.exec.ProcessChunk(msg.chunk); err != nil {
					p.finish(StatusFailed, err)
					return
				}
			case msgEnd:
				if err := p.exec.FinishStream(); err != nil {
					p.finish(StatusFailed, err)
					return
				}
				p.finish(StatusEnded, nil)
				return
			case msgError:
				p.finish(StatusFailed, msg.err)
				return
			}
		}
	}
}

// push delivers one post-policy chunk to the egress queue and records it.
// Runs on the policy goroutine via the executor's push binding.
func (p *Pipeline) push(c *protocol.Chunk) error {
	select {
	case p.egress <- c:
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
	p.rec.RecordEgress(c)
	p.resetDeadline()
	return nil
}

func (p *Pipeline) emit(ev fanout.PolicyEvent) {
	p.fan.Emit(p.ctx, ev)
}

// resetDeadline re-arms the inactivity timer. Only the policy goroutine
// calls it: from the loop on chunk receipt and via the push and keepalive
// bindings inside hook execution.
func (p *Pipeline) resetDeadline() {
	if p.timer == nil {
		return
	}
	if !p.timer.Stop() {
		select {
		case <-p.timer.C:
		default:
		}
	}
	p.timer.Reset(p.timeout)
}

// finish runs every terminal path: stop the upstream, close egress, run the
// streaming-policy-complete hook exactly once, finalize the recorder, and
// emit the terminal record.
func (p *Pipeline) finish(st Status, cause error) {
	p.cancelForward()
	if err := p.source.Close(); err != nil {
		logrus.Debugf("upstream close after %s: %v", st, err)
	}
	close(p.egress)
	p.exec.Complete()

	result := p.rec.Finalize(string(st))

	data := map[string]any{
		"policy":         p.exec.Policy().Name,
		"ingress_chunks": result.IngressChunks,
		"egress_chunks":  result.EgressChunks,
	}
	event := fanout.EventTransactionEnded
	if st == StatusFailed {
		event = fanout.EventTransactionFailed
		data["error"] = cause.Error()
		data["error_type"] = failureType(cause)
	}
	p.fan.Emit(p.ctx, fanout.NewGenericRecord(p.tx.ID, p.tx.TraceID, event, data))

	p.outcome = &Outcome{Status: st, Err: cause, Result: result}
	close(p.done)
}

// failureType labels the terminal record. Client disconnects arrive as
// context cancellation and are not internal errors.
func failureType(err error) string {
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrTypeTimeout
	}
	return protocol.ErrorType(err)
}
