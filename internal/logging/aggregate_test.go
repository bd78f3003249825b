package logging

import (
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAggregateLogs(t *testing.T) {
	t.Run("parses entries written by the logger", func(t *testing.T) {
		dir := t.TempDir()
		logger, err := NewLogger(dir, LevelDebug)
		if err != nil {
			t.Fatalf("NewLogger failed: %v", err)
		}

		hub := logger.WithComponent("hub").WithWorkspace("ws-1")
		hub.WithAgent("agent-1").Info("task delegated", "task_id", "t1")
		hub.WithSession("sess-1").Debug("transport attached")
		logger.Error("request failed", "code", 500)
		_ = logger.Close()

		entries, err := AggregateLogs(dir)
		if err != nil {
			t.Fatalf("AggregateLogs failed: %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(entries))
		}

		first := entries[0]
		if first.Message != "task delegated" || first.Level != LevelInfo {
			t.Errorf("first entry = %q/%q", first.Level, first.Message)
		}
		if first.Component != "hub" || first.WorkspaceID != "ws-1" || first.AgentID != "agent-1" {
			t.Errorf("context fields not extracted: %+v", first)
		}
		if first.Attrs["task_id"] != "t1" {
			t.Errorf("expected task_id=t1 in attrs, got %v", first.Attrs)
		}
		if entries[1].SessionID != "sess-1" {
			t.Errorf("expected session_id sess-1, got %q", entries[1].SessionID)
		}
		if entries[2].Attrs["code"] != float64(500) {
			t.Errorf("expected code=500, got %v", entries[2].Attrs["code"])
		}
	})

	t.Run("returns error for missing log file", func(t *testing.T) {
		if _, err := AggregateLogs(t.TempDir()); err == nil {
			t.Error("expected an error for a directory without crew.log")
		}
	})

	t.Run("merges rotated and compressed backups in time order", func(t *testing.T) {
		dir := t.TempDir()
		line := func(ts, msg string) string {
			return `{"time":"` + ts + `","level":"INFO","msg":"` + msg + `"}` + "\n"
		}
		write := func(name, body string) {
			if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0644); err != nil {
				t.Fatalf("write %s: %v", name, err)
			}
		}
		write("crew.log", line("2026-01-01T10:00:03Z", "third"))
		write("crew.log.1", line("2026-01-01T10:00:02Z", "second")+"not json\n")

		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		_, _ = zw.Write([]byte(line("2026-01-01T10:00:01Z", "first")))
		_ = zw.Close()
		write("crew.log.2.gz", gz.String())

		entries, err := AggregateLogs(dir)
		if err != nil {
			t.Fatalf("AggregateLogs failed: %v", err)
		}
		var got []string
		for _, e := range entries {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != "first,second,third" {
			t.Errorf("messages = %v, want first,second,third", got)
		}
	})
}

func TestFilterLogs(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	entries := []LogEntry{
		{Time: base, Level: LevelDebug, Message: "bus publish", Component: "bus"},
		{Time: base.Add(time.Minute), Level: LevelInfo, Message: "task delegated", Component: "hub", AgentID: "a1", WorkspaceID: "w1"},
		{Time: base.Add(2 * time.Minute), Level: LevelWarn, Message: "notification dropped", Component: "notify", SessionID: "s1"},
		{Time: base.Add(3 * time.Minute), Level: LevelError, Message: "task update conflicted", Component: "hub", WorkspaceID: "w1"},
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   []string
	}{
		{"empty filter", LogFilter{}, []string{"bus publish", "task delegated", "notification dropped", "task update conflicted"}},
		{"min level", LogFilter{Level: "warn"}, []string{"notification dropped", "task update conflicted"}},
		{"since", LogFilter{Since: base.Add(2 * time.Minute)}, []string{"notification dropped", "task update conflicted"}},
		{"until", LogFilter{Until: base.Add(time.Minute)}, []string{"bus publish", "task delegated"}},
		{"component", LogFilter{Component: "hub"}, []string{"task delegated", "task update conflicted"}},
		{"session", LogFilter{SessionID: "s1"}, []string{"notification dropped"}},
		{"agent", LogFilter{AgentID: "a1"}, []string{"task delegated"}},
		{"workspace and level", LogFilter{WorkspaceID: "w1", Level: LevelError}, []string{"task update conflicted"}},
		{"contains", LogFilter{Contains: "task"}, []string{"task delegated", "task update conflicted"}},
		{"no match", LogFilter{AgentID: "nobody"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, e := range FilterLogs(entries, tt.filter) {
				got = append(got, e.Message)
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("FilterLogs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWriteLogs(t *testing.T) {
	entries := []LogEntry{{
		Time:        time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		Level:       LevelInfo,
		Message:     "task delegated",
		Component:   "hub",
		WorkspaceID: "w1",
		Attrs:       map[string]any{"task_id": "t1"},
	}}

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteLogs(&buf, entries, "text"); err != nil {
			t.Fatalf("WriteLogs failed: %v", err)
		}
		want := `2026-01-01 10:00:00.000 INFO  task delegated [component=hub workspace=w1] {"task_id":"t1"}` + "\n"
		if buf.String() != want {
			t.Errorf("text output = %q, want %q", buf.String(), want)
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteLogs(&buf, entries, "json"); err != nil {
			t.Fatalf("WriteLogs failed: %v", err)
		}
		var decoded []LogEntry
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if len(decoded) != 1 || decoded[0].WorkspaceID != "w1" {
			t.Errorf("decoded = %+v", decoded)
		}
	})

	t.Run("json with no entries", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteLogs(&buf, nil, "json"); err != nil {
			t.Fatalf("WriteLogs failed: %v", err)
		}
		if strings.TrimSpace(buf.String()) != "[]" {
			t.Errorf("output = %q, want []", buf.String())
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := WriteLogs(&buf, entries, "CSV"); err != nil {
			t.Fatalf("WriteLogs failed: %v", err)
		}
		records, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("invalid CSV: %v", err)
		}
		if len(records) != 2 {
			t.Fatalf("expected header + 1 row, got %d", len(records))
		}
		if records[1][2] != "task delegated" || records[1][3] != "hub" || records[1][7] != `{"task_id":"t1"}` {
			t.Errorf("row = %v", records[1])
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		if err := WriteLogs(&bytes.Buffer{}, entries, "xml"); err == nil {
			t.Error("expected an error for an unsupported format")
		}
	})
}
