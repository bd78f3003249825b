package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// LogEntry is one parsed line of crew.log.
type LogEntry struct {
	Time        time.Time      `json:"time"`
	Level       string         `json:"level"`
	Message     string         `json:"msg"`
	Component   string         `json:"component,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Attrs       map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects log entries. Zero fields match everything; set fields
// are combined with AND.
type LogFilter struct {
	// Level is the minimum level (DEBUG < INFO < WARN < ERROR).
	Level       string
	Since       time.Time
	Until       time.Time
	Component   string
	SessionID   string
	AgentID     string
	WorkspaceID string
	// Contains matches a substring of the message.
	Contains string
}

var levelRank = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var knownFields = map[string]bool{
	"time": true, "level": true, "msg": true,
	"component": true, "session_id": true, "agent_id": true, "workspace_id": true,
}

// maxLineBytes bounds a single log line.
const maxLineBytes = 1 << 20

// AggregateLogs reads crew.log in dir together with its rotated backups,
// compressed or not, and returns every entry sorted by time. Lines that are
// not valid JSON are skipped.
func AggregateLogs(dir string) ([]LogEntry, error) {
	active := filepath.Join(dir, logFileName)
	if _, err := os.Stat(active); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no %s in %s", logFileName, dir)
		}
		return nil, err
	}

	backups, err := filepath.Glob(active + ".*")
	if err != nil {
		return nil, err
	}

	var entries []LogEntry
	for _, path := range append(backups, active) {
		parsed, err := readLogFile(path)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	}
	slices.SortStableFunc(entries, func(a, b LogEntry) int { return a.Time.Compare(b.Time) })
	return entries, nil
}

func readLogFile(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", filepath.Base(path), err)
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return ParseLogs(r)
}

// ParseLogs parses JSON log lines from r, skipping lines that do not parse.
func ParseLogs(r io.Reader) ([]LogEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var entries []LogEntry
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		if entry, ok := parseEntry(line); ok {
			entries = append(entries, entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}
	return entries, nil
}

func parseEntry(line []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		return LogEntry{}, false
	}

	str := func(k string) string {
		s, _ := raw[k].(string)
		return s
	}
	entry := LogEntry{
		Level:       str("level"),
		Message:     str("msg"),
		Component:   str("component"),
		SessionID:   str("session_id"),
		AgentID:     str("agent_id"),
		WorkspaceID: str("workspace_id"),
	}
	if t, err := time.Parse(time.RFC3339Nano, str("time")); err == nil {
		entry.Time = t
	}
	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]any)
		}
		entry.Attrs[k] = v
	}
	return entry, true
}

// FilterLogs returns the entries that match f.
func FilterLogs(entries []LogEntry, f LogFilter) []LogEntry {
	var out []LogEntry
	for _, e := range entries {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f LogFilter) matches(e LogEntry) bool {
	if f.Level != "" {
		want, ok1 := levelRank[strings.ToUpper(f.Level)]
		got, ok2 := levelRank[e.Level]
		if ok1 && ok2 && got < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Time.After(f.Until) {
		return false
	}
	switch {
	case f.Component != "" && e.Component != f.Component,
		f.SessionID != "" && e.SessionID != f.SessionID,
		f.AgentID != "" && e.AgentID != f.AgentID,
		f.WorkspaceID != "" && e.WorkspaceID != f.WorkspaceID,
		f.Contains != "" && !strings.Contains(e.Message, f.Contains):
		return false
	}
	return true
}

// ExportFormats lists the formats accepted by WriteLogs.
func ExportFormats() []string {
	return []string{"text", "json", "csv"}
}

// WriteLogs writes entries to w as "text", "json" or "csv".
func WriteLogs(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "", "text":
		return writeText(w, entries)
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []LogEntry{}
		}
		return enc.Encode(entries)
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported format %q (supported: %s)", format, strings.Join(ExportFormats(), ", "))
	}
}

func writeText(w io.Writer, entries []LogEntry) error {
	bw := bufio.NewWriter(w)
	for _, e := range entries {
		fmt.Fprintf(bw, "%s %-5s %s", e.Time.Format("2006-01-02 15:04:05.000"), e.Level, e.Message)
		var tags []string
		for _, kv := range [][2]string{
			{"component", e.Component},
			{"session", e.SessionID},
			{"agent", e.AgentID},
			{"workspace", e.WorkspaceID},
		} {
			if kv[1] != "" {
				tags = append(tags, kv[0]+"="+kv[1])
			}
		}
		if len(tags) > 0 {
			fmt.Fprintf(bw, " [%s]", strings.Join(tags, " "))
		}
		if len(e.Attrs) > 0 {
			attrs, _ := json.Marshal(e.Attrs)
			fmt.Fprintf(bw, " %s", attrs)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func writeCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"time", "level", "msg", "component", "session_id", "agent_id", "workspace_id", "attrs"})
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			b, _ := json.Marshal(e.Attrs)
			attrs = string(b)
		}
		_ = cw.Write([]string{
			e.Time.Format(time.RFC3339Nano),
			e.Level,
			e.Message,
			e.Component,
			e.SessionID,
			e.AgentID,
			e.WorkspaceID,
			attrs,
		})
	}
	cw.Flush()
	return cw.Error()
}
