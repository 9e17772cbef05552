package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/gatebox-dev/gatebox/internal/fanout"
	"github.com/gatebox-dev/gatebox/internal/obs"
	"github.com/gatebox-dev/gatebox/internal/pipeline"
	"github.com/gatebox-dev/gatebox/internal/policy"
	"github.com/gatebox-dev/gatebox/internal/protocol"
	"github.com/gatebox-dev/gatebox/internal/recorder"
	"github.com/gatebox-dev/gatebox/internal/store"
	"github.com/gatebox-dev/gatebox/pkg/adaptor"
)

// proxy opens a transaction for a validated request and dispatches it to the
// streaming or non-streaming path. The raw body is archived before anything
// can fail so the envelope survives every outcome.
func (s *Server) proxy(c *gin.Context, format protocol.WireFormat, req *protocol.Request, raw []byte, streaming bool) {
	inst := s.policies.Active()
	if inst == nil {
		err := &protocol.InternalError{Err: errors.New("no active policy")}
		c.JSON(protocol.HTTPStatus(err), protocol.NewErrorResponse(err))
		return
	}

	tx := protocol.NewTransaction(format, req.Model, requestTraceID(c))
	started := time.Now()

	if err := s.db.Transactions.Create(&store.TransactionRow{
		TxID:    tx.ID,
		Format:  string(format),
		Model:   req.Model,
		TraceID: tx.TraceID,
		State:   store.TxStateActive,
	}); err != nil {
		logrus.Errorf("Transaction row create for %s: %v", tx.ID, err)
	}
	s.storeEnvelope(c, tx.ID, raw)

	// The per-transaction deadline caps both paths, stream drain included.
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.requestTimeout)
	defer cancel()
	c.Request = c.Request.WithContext(ctx)

	s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageClientRequestReceived, req))

	if streaming {
		s.proxyStream(c, tx, inst, req, started)
		return
	}
	s.proxyComplete(c, tx, inst, req, started)
}

// requestTraceID propagates the caller's trace id when one is supplied,
// falling back to the span context of an instrumented inbound request.
func requestTraceID(c *gin.Context) string {
	if id := c.GetHeader("X-Trace-Id"); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// proxyComplete is the non-streaming path: request hook, one upstream call,
// response hook, one JSON body.
func (s *Server) proxyComplete(c *gin.Context, tx *protocol.Transaction, inst *policy.Instance, req *protocol.Request, started time.Time) {
	ctx := c.Request.Context()
	exec := policy.NewExecutor(inst, tx, policy.Bindings{
		Emit: func(ev fanout.PolicyEvent) { s.fan.Emit(ctx, ev) },
	})

	upstreamReq, err := exec.OnRequest(req)
	if err != nil {
		s.failBeforeStream(c, tx, inst, "", err, started, false)
		return
	}

	provider := s.providers.ForModel(upstreamReq.Model)
	s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageUpstreamRequestSent, upstreamReq))

	resp, err := provider.Complete(ctx, upstreamReq)
	if err != nil {
		s.failBeforeStream(c, tx, inst, provider.Name(), err, started, false)
		return
	}
	s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageUpstreamResponseReceived, resp))

	out, err := exec.OnResponse(resp)
	if err != nil {
		s.failBeforeStream(c, tx, inst, provider.Name(), err, started, false)
		return
	}

	var body any = out
	if tx.Format == protocol.WireFormatAnthropic {
		body = adaptor.ConvertResponseToAnthropic(out)
	}
	s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageClientResponseSent, body))
	s.fan.Emit(ctx, fanout.NewGenericRecord(tx.ID, tx.TraceID, fanout.EventTransactionEnded, map[string]any{
		"policy":    inst.Name,
		"streaming": false,
	}))
	s.setTransactionState(tx.ID, store.TxStateEnded)
	s.report(ctx, tx, provider.Name(), string(pipeline.StatusEnded), started, false, nil)

	c.JSON(http.StatusOK, body)
}

// proxyStream is the streaming path. Once SSE headers go out, failures can
// only be reported in-band as a final error frame.
func (s *Server) proxyStream(c *gin.Context, tx *protocol.Transaction, inst *policy.Instance, req *protocol.Request, started time.Time) {
	ctx := c.Request.Context()
	pl := pipeline.New(ctx, pipeline.Options{
		Transaction: tx,
		Policy:      inst,
		Request:     req,
		Fanout:      s.fan,
		Timeout:     s.streamTimeout,
	})

	upstreamReq, err := pl.Executor().OnRequest(req)
	if err != nil {
		s.failBeforeStream(c, tx, inst, "", err, started, true)
		return
	}

	provider := s.providers.ForModel(upstreamReq.Model)
	s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageUpstreamRequestSent, upstreamReq))

	src, err := provider.Stream(ctx, upstreamReq)
	if err != nil {
		s.failBeforeStream(c, tx, inst, provider.Name(), err, started, true)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		_ = src.Close()
		ierr := &protocol.InternalError{Err: errors.New("streaming unsupported by this connection")}
		s.failBeforeStream(c, tx, inst, provider.Name(), ierr, started, true)
		return
	}

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	formatter := adaptor.NewFormatter(tx)
	writeFrames(c, formatter.Start())
	flusher.Flush()

	pl.Run(src)
	for chunk := range pl.Egress() {
		writeFrames(c, formatter.Format(chunk))
		flusher.Flush()
		s.fan.Emit(ctx, fanout.NewPipelineRecord(tx.ID, tx.TraceID, fanout.StageClientChunkSent, chunk))
	}

	outcome := pl.Wait()
	if outcome.Status == pipeline.StatusEnded {
		writeFrames(c, formatter.Finish())
		flusher.Flush()
		s.setTransactionState(tx.ID, store.TxStateEnded)
	} else {
		logrus.WithFields(logrus.Fields{
			"transaction_id": tx.ID,
			"error_type":     protocol.ErrorType(outcome.Err),
		}).Warnf("Stream failed: %v", outcome.Err)
		// A canceled context means the client is gone; skip the error frame.
		if !errors.Is(outcome.Err, context.Canceled) {
			writeFrames(c, errorFrames(tx.Format, outcome.Err))
			flusher.Flush()
		}
		s.setTransactionState(tx.ID, store.TxStateFailed)
	}
	s.report(ctx, tx, provider.Name(), string(outcome.Status), started, true, outcome.Result)
}

// failBeforeStream handles every failure that happens before response headers
// are written: the terminal record, transaction state, metrics, and a plain
// JSON error body.
func (s *Server) failBeforeStream(c *gin.Context, tx *protocol.Transaction, inst *policy.Instance, providerName string, err error, started time.Time, streamed bool) {
	logrus.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"error_type":     protocol.ErrorType(err),
	}).Warnf("Request failed: %v", err)

	ctx := c.Request.Context()
	s.fan.Emit(ctx, fanout.NewGenericRecord(tx.ID, tx.TraceID, fanout.EventTransactionFailed, map[string]any{
		"policy":     inst.Name,
		"error":      err.Error(),
		"error_type": protocol.ErrorType(err),
	}))
	s.setTransactionState(tx.ID, store.TxStateFailed)
	s.report(ctx, tx, providerName, string(pipeline.StatusFailed), started, streamed, nil)

	c.JSON(protocol.HTTPStatus(err), protocol.NewErrorResponse(err))
}

// writeFrames serializes formatter frames as SSE.
func writeFrames(c *gin.Context, frames []adaptor.Frame) {
	for _, frame := range frames {
		if frame.Event != "" {
			c.Writer.WriteString(fmt.Sprintf("event: %s\n", frame.Event))
		}
		c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", frame.Data))
	}
}

// errorFrames renders a mid-stream failure in the transaction's wire format.
func errorFrames(format protocol.WireFormat, err error) []adaptor.Frame {
	if format == protocol.WireFormatAnthropic {
		body, merr := json.Marshal(map[string]any{
			"type": "error",
			"error": map[string]string{
				"type":    protocol.ErrorType(err),
				"message": err.Error(),
			},
		})
		if merr != nil {
			body = []byte(`{"type":"error"}`)
		}
		return []adaptor.Frame{{Event: "error", Data: string(body)}}
	}
	body, merr := json.Marshal(protocol.NewErrorResponse(err))
	if merr != nil {
		body = []byte(`{"error":{}}`)
	}
	return []adaptor.Frame{{Data: string(body)}}
}

// setTransactionState persists the terminal state. Failure to do so is logged
// and never surfaced to the client.
func (s *Server) setTransactionState(txID, state string) {
	if err := s.db.Transactions.SetState(txID, state); err != nil {
		logrus.Errorf("Transaction state %s for %s: %v", state, txID, err)
	}
}

// report records one transaction's metrics.
func (s *Server) report(ctx context.Context, tx *protocol.Transaction, providerName, outcome string, started time.Time, streamed bool, result *recorder.Result) {
	rep := obs.TransactionReport{
		Format:     string(tx.Format),
		Outcome:    outcome,
		Provider:   providerName,
		Model:      tx.Model,
		Streamed:   streamed,
		DurationMs: float64(time.Since(started)) / float64(time.Millisecond),
	}
	if result != nil {
		rep.ChunksIngress = result.IngressChunks
		rep.ChunksEgress = result.EgressChunks
	}
	s.metrics.RecordTransaction(ctx, rep)
}

// storeEnvelope archives the inbound HTTP request with credentials redacted.
func (s *Server) storeEnvelope(c *gin.Context, txID string, body []byte) {
	row := &store.EnvelopeRow{
		TxID:      txID,
		Direction: store.EnvelopeInbound,
		Method:    c.Request.Method,
		Path:      c.Request.URL.Path,
		Headers:   redactHeaders(c.Request.Header),
		Body:      string(body),
	}
	if err := s.db.Envelopes.Insert(row); err != nil {
		logrus.Errorf("Envelope insert for %s: %v", txID, err)
	}
}

// credentialHeaders are replaced before an envelope is persisted.
var credentialHeaders = []string{"Authorization", "X-Api-Key", "Proxy-Authorization", "Cookie", "X-Auth-Token"}

// redactHeaders serializes headers with every credential value masked.
func redactHeaders(header http.Header) string {
	raw, err := json.Marshal(header)
	if err != nil {
		return "{}"
	}
	out := string(raw)
	for _, name := range credentialHeaders {
		for i := range header.Values(name) {
			out, _ = sjson.Set(out, name+"."+strconv.Itoa(i), "REDACTED")
		}
	}
	return out
}
