package fanout

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatebox-dev/gatebox/internal/store"
)

func TestStoreSinkAppendsSequencedRecords(t *testing.T) {
	cfg := store.DefaultConfig(t.TempDir())
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg.Log = logger
	s, err := store.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	sink := NewStoreSink(s.Records)
	require.NoError(t, sink.Write(context.Background(), Envelope{
		Record: NewPipelineRecord("tx_1", "", StageClientRequestReceived, nil),
	}))
	require.NoError(t, sink.Write(context.Background(), Envelope{
		Record: NewPolicyEvent("tx_1", "", "match", "hit", SeverityInfo, nil),
	}))
	// No transaction id: silently skipped.
	require.NoError(t, sink.Write(context.Background(), Envelope{
		Record: NewGenericRecord("", "", "startup", nil),
	}))

	rows, err := s.Records.ListByTransaction("tx_1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].Sequence)
	assert.Equal(t, RecordTypePipeline, rows[0].RecordType)
	assert.Equal(t, int64(2), rows[1].Sequence)
	assert.Equal(t, RecordTypePolicyEvent, rows[1].RecordType)
}
