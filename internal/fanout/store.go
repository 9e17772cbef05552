package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatebox-dev/gatebox/internal/store"
)

// StoreSink persists records to the durable store. Each write allocates the
// next per-transaction sequence number, so one transaction's records replay
// in emit order.
type StoreSink struct {
	records store.RecordRepository
}

// NewStoreSink builds a sink over the record repository.
func NewStoreSink(records store.RecordRepository) *StoreSink {
	return &StoreSink{records: records}
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Write(_ context.Context, env Envelope) error {
	txID := env.Record.TransactionRef()
	if txID == "" {
		// Nothing to anchor the sequence to; process-level records stay on
		// the volatile sinks.
		return nil
	}
	payload, err := json.Marshal(env.Record)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}
	if _, err := s.records.Append(txID, env.Record.RecordType(), string(payload)); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

func (s *StoreSink) Close() error { return nil }
