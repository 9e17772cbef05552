package fanout

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// StdoutSink writes one JSON object per line through a dedicated logrus
// instance, enriched with trace and span ids when the emitting context
// carried an active span.
type StdoutSink struct {
	logger *logrus.Logger
}

// NewStdoutSink builds a stdout sink. A nil writer targets os.Stdout.
func NewStdoutSink(w io.Writer) *StdoutSink {
	if w == nil {
		w = os.Stdout
	}
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	logger.SetLevel(logrus.InfoLevel)
	return &StdoutSink{logger: logger}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Write(_ context.Context, env Envelope) error {
	fields := logrus.Fields{
		"record_type": env.Record.RecordType(),
		"record":      env.Record,
	}
	if tx := env.Record.TransactionRef(); tx != "" {
		fields["transaction_id"] = tx
	}
	if env.TraceID != "" {
		fields["trace_id"] = env.TraceID
		fields["span_id"] = env.SpanID
	}

	entry := s.logger.WithFields(fields)
	if ev, ok := env.Record.(PolicyEvent); ok {
		switch ev.Severity {
		case SeverityError:
			entry.Error(ev.Summary)
		case SeverityWarning:
			entry.Warn(ev.Summary)
		default:
			entry.Info(ev.Summary)
		}
		return nil
	}
	entry.Info(recordTitle(env.Record))
	return nil
}

func recordTitle(rec Record) string {
	switch r := rec.(type) {
	case PipelineRecord:
		return string(r.Stage)
	case GenericRecord:
		return r.EventType
	default:
		return rec.RecordType()
	}
}

func (s *StdoutSink) Close() error { return nil }
