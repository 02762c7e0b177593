package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
)

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink := NewFileSink(config.AuditFileConfig{Path: path, MaxSizeMB: 1})
	defer sink.Close()

	batch := []Record{
		{Seq: 1, Timestamp: time.Now().UTC(), EventID: "ev-1", CommunityID: "c1", Decision: DecisionRouted},
		{Seq: 2, Timestamp: time.Now().UTC(), EventID: "ev-1", CommunityID: "c1", Decision: DecisionDispatched, Module: "weather"},
	}
	if err := sink.Write(context.Background(), batch); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var recs []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line is not valid JSON: %v", err)
		}
		recs = append(recs, rec)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(recs))
	}
	if recs[0].Decision != DecisionRouted || recs[1].Module != "weather" {
		t.Errorf("unexpected records: %+v", recs)
	}
}

func TestNewSinkSelection(t *testing.T) {
	logger := zap.NewNop()

	if _, err := NewSink(config.AuditConfig{Sink: "log"}, nil, logger); err != nil {
		t.Errorf("log sink: unexpected error: %v", err)
	}
	if _, err := NewSink(config.AuditConfig{Sink: "file", File: config.AuditFileConfig{Path: filepath.Join(t.TempDir(), "a.jsonl")}}, nil, logger); err != nil {
		t.Errorf("file sink: unexpected error: %v", err)
	}
	if _, err := NewSink(config.AuditConfig{Sink: "redis"}, nil, logger); err == nil {
		t.Error("expected error for redis sink without client")
	}
	if _, err := NewSink(config.AuditConfig{Sink: "syslog"}, nil, logger); err == nil {
		t.Error("expected error for unknown sink")
	}
}

func TestLogSinkWrites(t *testing.T) {
	sink := NewLogSink(zap.NewNop())
	err := sink.Write(context.Background(), []Record{{Seq: 1, EventID: "ev", Decision: DecisionCompleted}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
