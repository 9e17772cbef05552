package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileMode defines the JSONL recording mode.
type FileMode string

const (
	FileModeOff    FileMode = "off"    // Recording disabled
	FileModeFailed FileMode = "failed" // Flush a transaction's records only when it fails
	FileModeAll    FileMode = "all"    // Record everything as it arrives
)

// fileEntry is one JSON line.
type fileEntry struct {
	Timestamp     string `json:"timestamp"`
	RecordType    string `json:"record_type"`
	TransactionID string `json:"transaction_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Record        any    `json:"record"`
}

// FileSink writes records as JSON lines under baseDir with hourly file
// rotation. In failed-only mode records are held in memory per transaction
// and flushed as a batch when the terminal record reports a failure; ended
// transactions discard their buffer.
type FileSink struct {
	mode    FileMode
	baseDir string

	mutex       sync.Mutex
	file        *os.File
	writer      *json.Encoder
	currentHour string // UTC hour in YYYY-MM-DD-HH format
	pending     map[string][]fileEntry
}

// NewFileSink creates a JSONL sink. An empty or "off" mode disables it;
// callers should skip registering a disabled sink.
func NewFileSink(baseDir string, mode FileMode) (*FileSink, error) {
	if mode == "" {
		mode = FileModeOff
	}
	switch mode {
	case FileModeOff, FileModeFailed, FileModeAll:
	default:
		return nil, fmt.Errorf("invalid record mode %q", mode)
	}
	if mode != FileModeOff {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create record directory %s: %w", baseDir, err)
		}
	}
	return &FileSink{
		mode:    mode,
		baseDir: baseDir,
		pending: make(map[string][]fileEntry),
	}, nil
}

// Enabled reports whether the sink writes anything at all.
func (s *FileSink) Enabled() bool { return s.mode != FileModeOff }

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, env Envelope) error {
	if s.mode == FileModeOff {
		return nil
	}

	entry := fileEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		RecordType:    env.Record.RecordType(),
		TransactionID: env.Record.TransactionRef(),
		TraceID:       env.TraceID,
		Record:        env.Record,
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.mode == FileModeAll {
		return s.writeLine(entry)
	}

	// Failed-only mode. Records without a transaction id have no terminal
	// record coming, so they are dropped rather than buffered forever.
	txID := entry.TransactionID
	if txID == "" {
		return nil
	}

	if gen, ok := env.Record.(GenericRecord); ok {
		switch gen.EventType {
		case EventTransactionFailed:
			buffered := s.pending[txID]
			delete(s.pending, txID)
			for _, e := range buffered {
				if err := s.writeLine(e); err != nil {
					return err
				}
			}
			return s.writeLine(entry)
		case EventTransactionEnded:
			delete(s.pending, txID)
			return nil
		}
	}
	s.pending[txID] = append(s.pending[txID], entry)
	return nil
}

// writeLine appends one line, rotating the file when the UTC hour changes.
// Callers hold the mutex.
func (s *FileSink) writeLine(entry fileEntry) error {
	hour := time.Now().UTC().Format("2006-01-02-15")
	if s.file == nil || s.currentHour != hour {
		if s.file != nil {
			_ = s.file.Close()
		}
		filename := filepath.Join(s.baseDir, fmt.Sprintf("gatebox-%s.jsonl", hour))
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open record file %s: %w", filename, err)
		}
		s.file = file
		s.writer = json.NewEncoder(file)
		s.currentHour = hour
	}
	if err := s.writer.Encode(entry); err != nil {
		return fmt.Errorf("failed to write record entry: %w", err)
	}
	return nil
}

// Close drops any still-buffered transactions and closes the current file.
func (s *FileSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.pending = make(map[string][]fileEntry)
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.writer = nil
	return err
}
