package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

const (
	// sinkQueueSize bounds each sink's pending writes. Overflow drops the
	// record for that sink rather than stalling the pipeline.
	sinkQueueSize = 256

	// writeTimeout caps a single sink write.
	writeTimeout = 5 * time.Second
)

// Sink is one destination for observability records. Write may block; the
// fanout isolates each sink behind its own queue and writer goroutine.
type Sink interface {
	Name() string
	Write(ctx context.Context, env Envelope) error
	Close() error
}

// Envelope pairs a record with the identifiers captured at emit time.
type Envelope struct {
	Record  Record
	TraceID string
	SpanID  string
}

type sinkWorker struct {
	sink  Sink
	queue chan Envelope
	done  chan struct{}
}

// Fanout routes records to sinks. Emit never blocks: each sink drains its
// own bounded queue on a dedicated goroutine, which also preserves the
// per-transaction emit order the durable store relies on.
type Fanout struct {
	workers []*sinkWorker
	routes  map[string][]string

	mu     sync.Mutex
	closed bool
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithRoutes restricts record types to named sinks. Record types without an
// entry go to every sink.
func WithRoutes(routes map[string][]string) Option {
	return func(f *Fanout) {
		f.routes = routes
	}
}

// New builds a fanout over the given sinks and starts one writer per sink.
func New(sinks []Sink, opts ...Option) *Fanout {
	f := &Fanout{}
	for _, opt := range opts {
		opt(f)
	}
	for _, s := range sinks {
		w := &sinkWorker{
			sink:  s,
			queue: make(chan Envelope, sinkQueueSize),
			done:  make(chan struct{}),
		}
		f.workers = append(f.workers, w)
		go w.run()
	}
	return f
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for env := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.sink.Write(ctx, env); err != nil {
			logrus.WithFields(logrus.Fields{
				"sink":        w.sink.Name(),
				"record_type": env.Record.RecordType(),
				"transaction": env.Record.TransactionRef(),
			}).Errorf("sink write failed: %v", err)
		}
		cancel()
	}
}

// Emit routes rec to its sinks. The ctx is only inspected for an active span
// so the stdout sink can report trace and span ids; emission itself is
// asynchronous and never fails the caller.
func (f *Fanout) Emit(ctx context.Context, rec Record) {
	env := Envelope{Record: rec}
	if span := trace.SpanContextFromContext(ctx); span.IsValid() {
		env.TraceID = span.TraceID().String()
		env.SpanID = span.SpanID().String()
	}

	// Non-blocking sends, so holding the lock here is cheap; it also keeps
	// Close from closing a queue mid-send.
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	for _, w := range f.workers {
		if !f.routed(rec.RecordType(), w.sink.Name()) {
			continue
		}
		select {
		case w.queue <- env:
		default:
			logrus.WithFields(logrus.Fields{
				"sink":        w.sink.Name(),
				"record_type": rec.RecordType(),
			}).Warn("sink queue full, dropping record")
		}
	}
}

func (f *Fanout) routed(recordType, sinkName string) bool {
	if f.routes == nil {
		return true
	}
	names, ok := f.routes[recordType]
	if !ok {
		return true
	}
	for _, n := range names {
		if n == sinkName {
			return true
		}
	}
	return false
}

// Close stops accepting records and waits up to grace for queued writes to
// drain, then closes every sink.
func (f *Fanout) Close(grace time.Duration) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	for _, w := range f.workers {
		close(w.queue)
	}

	deadline := time.After(grace)
	for _, w := range f.workers {
		select {
		case <-w.done:
		case <-deadline:
			logrus.Warnf("sink %s did not drain before shutdown", w.sink.Name())
		}
	}

	var firstErr error
	for _, w := range f.workers {
		if err := w.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
