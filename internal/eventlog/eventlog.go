package eventlog

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iambrandonn/agentq/internal/ndjson"
	"github.com/iambrandonn/agentq/internal/protocol"
)

// EventLog appends lifecycle records to an NDJSON journal file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewEventLog opens (or creates) the journal at logPath for appending
func NewEventLog(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one record, stamping OccurredAt when unset
func (l *EventLog) Write(rec *protocol.JournalRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New("event log is closed")
	}
	return l.encoder.Encode(rec)
}

// Close closes the journal file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Filter selects journal records; empty fields match everything
type Filter struct {
	Kind   protocol.RecordKind
	UserID string
	TaskID string
}

func (f Filter) match(rec *protocol.JournalRecord) bool {
	return (f.Kind == "" || rec.Kind == f.Kind) &&
		(f.UserID == "" || rec.UserID == f.UserID) &&
		(f.TaskID == "" || rec.TaskID == f.TaskID)
}

// ReadRecords returns the last limit records matching f, oldest first.
// A limit of zero or less returns every match. Malformed lines are logged
// and skipped.
func ReadRecords(logPath string, f Filter, limit int, logger *slog.Logger) ([]*protocol.JournalRecord, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	defer file.Close()

	decoder := ndjson.NewDecoder(file, logger)
	var out []*protocol.JournalRecord
	for {
		line := decoder.Line()
		rec, err := decoder.DecodeRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The scanner cannot advance past this point
			if decoder.Line() == line {
				return out, err
			}
			logger.Warn("skipping journal line", "line", decoder.Line(), "error", err)
			continue
		}
		if !f.match(rec) {
			continue
		}
		out = append(out, rec)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, nil
}
