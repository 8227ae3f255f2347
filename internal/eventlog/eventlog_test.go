package eventlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/iambrandonn/agentq/internal/protocol"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventLogWriteRead(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "journal", "events.ndjson")
	logger := discard()

	eventLog, err := NewEventLog(logPath, logger)
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	defer eventLog.Close()

	records := []*protocol.JournalRecord{
		{Kind: protocol.RecordKindTask, Event: protocol.EventTaskQueued, UserID: "alice", TaskID: "t-1"},
		{Kind: protocol.RecordKindInstance, Event: protocol.EventInstanceReady, UserID: "alice", InstanceID: "i-1"},
		{Kind: protocol.RecordKindTask, Event: protocol.EventTaskQueued, UserID: "bob", TaskID: "t-2"},
		{Kind: protocol.RecordKindTask, Event: protocol.EventTaskCompleted, UserID: "alice", TaskID: "t-1", Status: "completed"},
	}
	for _, rec := range records {
		if err := eventLog.Write(rec); err != nil {
			t.Fatalf("failed to write record: %v", err)
		}
		if rec.OccurredAt.IsZero() {
			t.Errorf("expected OccurredAt to be stamped")
		}
	}

	if err := eventLog.Close(); err != nil {
		t.Fatalf("failed to close event log: %v", err)
	}
	if err := eventLog.Write(records[0]); err == nil {
		t.Error("expected write after close to fail")
	}

	all, err := ReadRecords(logPath, Filter{}, 0, logger)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 records, got %d", len(all))
	}

	alice, err := ReadRecords(logPath, Filter{UserID: "alice", Kind: protocol.RecordKindTask}, 0, logger)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(alice) != 2 || alice[1].Event != protocol.EventTaskCompleted {
		t.Errorf("unexpected filtered records: %+v", alice)
	}

	last, err := ReadRecords(logPath, Filter{}, 2, logger)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(last) != 2 || last[0].TaskID != "t-2" || last[1].TaskID != "t-1" {
		t.Errorf("expected the two newest records oldest first, got %+v", last)
	}
}

func TestEventLogAppends(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	logger := discard()

	for i := 0; i < 2; i++ {
		eventLog, err := NewEventLog(logPath, logger)
		if err != nil {
			t.Fatalf("failed to open event log: %v", err)
		}
		if err := eventLog.Write(&protocol.JournalRecord{Kind: protocol.RecordKindTask, Event: protocol.EventTaskQueued}); err != nil {
			t.Fatalf("failed to write: %v", err)
		}
		eventLog.Close()
	}

	recs, err := ReadRecords(logPath, Filter{}, 0, logger)
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 records across reopen, got %d", len(recs))
	}
}

func TestReadRecordsSkipsMalformedLines(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "events.ndjson")
	content := `{"kind":"task","event":"task_queued","task_id":"t-1"}
not json
{"kind":"bogus"}
{"kind":"task","event":"task_started","task_id":"t-1"}
`
	if err := os.WriteFile(logPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	recs, err := ReadRecords(logPath, Filter{TaskID: "t-1"}, 0, discard())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("expected 2 valid records, got %d", len(recs))
	}
}

func TestReadRecordsMissingFile(t *testing.T) {
	if _, err := ReadRecords(filepath.Join(t.TempDir(), "missing.ndjson"), Filter{}, 0, discard()); err == nil {
		t.Error("expected error for missing journal")
	}
}

func TestEventLogDirectoryCreation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "dirs", "journal", "events.ndjson")

	eventLog, err := NewEventLog(logPath, discard())
	if err != nil {
		t.Fatalf("failed to create event log: %v", err)
	}
	defer eventLog.Close()

	if _, err := os.Stat(filepath.Dir(logPath)); os.IsNotExist(err) {
		t.Error("log directory was not created")
	}
}
