// Package fanout broadcasts typed observability records to configured sinks.
package fanout

import (
	"time"
)

// Stage names the pipeline points a PipelineRecord can snapshot.
type Stage string

const (
	StageClientRequestReceived    Stage = "client_request_received"
	StageUpstreamRequestSent      Stage = "upstream_request_sent"
	StageUpstreamResponseReceived Stage = "upstream_response_received"
	StageClientResponseSent       Stage = "client_response_sent"
	StageUpstreamChunkReceived    Stage = "upstream_chunk_received"
	StageClientChunkSent          Stage = "client_chunk_sent"
)

// Severity grades a PolicyEvent.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Record types, used for sink routing and durable tagging.
const (
	RecordTypePipeline    = "pipeline"
	RecordTypePolicyEvent = "policy_event"
	RecordTypeGeneric     = "generic"
)

// Terminal event types carried by GenericRecord when a transaction reaches a
// final state. The JSONL sink keys its failed-only mode off these.
const (
	EventTransactionEnded  = "transaction_ended"
	EventTransactionFailed = "transaction_failed"
)

// Record is one unit of observability output.
type Record interface {
	RecordType() string
	TransactionRef() string
}

// PipelineRecord snapshots the request or response payload at a named
// pipeline point.
type PipelineRecord struct {
	TransactionID string    `json:"transaction_id"`
	TraceID       string    `json:"trace_id,omitempty"`
	Stage         Stage     `json:"stage"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r PipelineRecord) RecordType() string     { return RecordTypePipeline }
func (r PipelineRecord) TransactionRef() string { return r.TransactionID }

// NewPipelineRecord stamps a pipeline record with the current time.
func NewPipelineRecord(txID, traceID string, stage Stage, payload any) PipelineRecord {
	return PipelineRecord{
		TransactionID: txID,
		TraceID:       traceID,
		Stage:         stage,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	}
}

// PolicyEvent is emitted by policy code (or by the executor on its behalf)
// and consumed by every routed sink.
type PolicyEvent struct {
	TransactionID string         `json:"transaction_id"`
	TraceID       string         `json:"trace_id,omitempty"`
	EventType     string         `json:"event_type"`
	Summary       string         `json:"summary"`
	Severity      Severity       `json:"severity"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

func (e PolicyEvent) RecordType() string     { return RecordTypePolicyEvent }
func (e PolicyEvent) TransactionRef() string { return e.TransactionID }

// NewPolicyEvent stamps a policy event with the current time.
func NewPolicyEvent(txID, traceID, eventType, summary string, severity Severity, details map[string]any) PolicyEvent {
	return PolicyEvent{
		TransactionID: txID,
		TraceID:       traceID,
		EventType:     eventType,
		Summary:       summary,
		Severity:      severity,
		Details:       details,
		Timestamp:     time.Now().UTC(),
	}
}

// GenericRecord carries anything that is neither a stage snapshot nor a
// policy event: terminal-state notices, recorder output, envelope captures.
type GenericRecord struct {
	TransactionID string    `json:"transaction_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	EventType     string    `json:"event_type"`
	Data          any       `json:"data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (r GenericRecord) RecordType() string     { return RecordTypeGeneric }
func (r GenericRecord) TransactionRef() string { return r.TransactionID }

// NewGenericRecord stamps a generic record with the current time.
func NewGenericRecord(txID, traceID, eventType string, data any) GenericRecord {
	return GenericRecord{
		TransactionID: txID,
		TraceID:       traceID,
		EventType:     eventType,
		Data:          data,
		Timestamp:     time.Now().UTC(),
	}
}
