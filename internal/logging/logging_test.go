package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestDefaultLogPath(t *testing.T) {
	t.Setenv("QARAG_LOG_DIR", "")

	path := DefaultLogPath()
	if filepath.Base(path) != "qarag.log" {
		t.Errorf("DefaultLogPath should end with qarag.log, got: %s", path)
	}
	if !strings.Contains(path, ".qarag") {
		t.Errorf("DefaultLogPath should live under .qarag, got: %s", path)
	}
}

func TestDefaultLogDir_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QARAG_LOG_DIR", dir)

	if got := DefaultLogDir(); got != dir {
		t.Errorf("expected %s, got %s", dir, got)
	}
}

func TestConfigs(t *testing.T) {
	if cfg := DefaultConfig(); cfg.Level != "info" || !cfg.WriteToStderr || cfg.MaxFiles != 5 {
		t.Errorf("unexpected default config: %+v", cfg)
	}
	if cfg := DebugConfig(); cfg.Level != "debug" {
		t.Errorf("expected debug level, got %s", cfg.Level)
	}
	if cfg := StdioConfig("warn"); cfg.WriteToStderr || cfg.Level != "warn" {
		t.Errorf("stdio config must not write to stderr: %+v", cfg)
	}
}

func TestSetup_WritesJSONToFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "nested", "test.log")

	logger, cleanup, err := Setup(Config{Level: "debug", FilePath: logPath, MaxSizeMB: 1, MaxFiles: 2})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Debug("bundle_loaded", slog.Int("documents", 2))
	cleanup()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	entry := ParseLine(strings.TrimSpace(string(content)))
	if !entry.IsValid || entry.Msg != "bundle_loaded" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Attrs["documents"] != float64(2) {
		t.Errorf("expected documents=2, got %v", entry.Attrs["documents"])
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "level.log")

	logger, cleanup, err := Setup(Config{Level: "warn", FilePath: logPath})
	if err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	logger.Info("dropped")
	logger.Warn("kept")
	cleanup()

	content, _ := os.ReadFile(logPath)
	if strings.Contains(string(content), "dropped") || !strings.Contains(string(content), "kept") {
		t.Errorf("level filter not applied: %s", content)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFindLogFile(t *testing.T) {
	t.Setenv("QARAG_LOG_DIR", t.TempDir())

	if _, err := FindLogFile(""); err == nil {
		t.Error("expected error when no log exists")
	}
	if _, err := FindLogFile("/no/such/file.log"); err == nil {
		t.Error("expected error for missing explicit path")
	}

	if err := os.WriteFile(DefaultLogPath(), []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path, err := FindLogFile("")
	if err != nil || path != DefaultLogPath() {
		t.Errorf("expected default path, got %q, %v", path, err)
	}
}

func TestRotatingWriter_Rotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "rotate.log")
	w, err := NewRotatingWriter(logPath, 1, 2)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()
	w.maxSize = 1024

	chunk := bytes.Repeat([]byte("x"), 700)
	for i := 0; i < 5; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	for _, p := range []string{logPath, logPath + ".1", logPath + ".2"} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s should exist: %v", p, err)
		}
	}
	if _, err := os.Stat(logPath + ".3"); !os.IsNotExist(err) {
		t.Error("rotated file .3 should not exist beyond maxFiles")
	}
}

func TestRotatingWriter_AppendsToExisting(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "append.log")
	if err := os.WriteFile(logPath, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	w, err := NewRotatingWriter(logPath, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = w.Write([]byte("new\n"))
	_ = w.Close()
	_ = w.Close()

	content, _ := os.ReadFile(logPath)
	if string(content) != "old\nnew\n" {
		t.Errorf("unexpected content: %q", content)
	}
}

func TestRotatingWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "concurrent.log")
	w, err := NewRotatingWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}
	defer w.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = fmt.Fprintf(w, "{\"id\":%d,\"iter\":%d}\n", id, j)
			}
		}(i)
	}
	wg.Wait()

	content, _ := os.ReadFile(logPath)
	if lines := strings.Count(string(content), "\n"); lines != 500 {
		t.Errorf("expected 500 lines, got %d", lines)
	}
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qarag.log")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestViewer_TailFilters(t *testing.T) {
	path := writeLog(t,
		`{"time":"2026-10-19T10:00:00Z","level":"DEBUG","msg":"retrieve_done"}`,
		`{"time":"2026-10-19T10:00:01Z","level":"INFO","msg":"bundle_loaded","documents":2}`,
		`not json`,
		`{"time":"2026-10-19T10:00:02Z","level":"ERROR","msg":"bundle_load_failed"}`,
	)

	v := NewViewer(ViewerConfig{Level: "info"}, &bytes.Buffer{})
	entries, err := v.Tail(path, 3)
	if err != nil {
		t.Fatal(err)
	}
	// the debug line is outside the last 3; the raw line has no level to filter on
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Msg != "bundle_loaded" || entries[1].IsValid || entries[2].Level != "ERROR" {
		t.Errorf("unexpected entries: %+v", entries)
	}

	v = NewViewer(ViewerConfig{Pattern: regexp.MustCompile("load_failed")}, &bytes.Buffer{})
	entries, _ = v.Tail(path, 10)
	if len(entries) != 1 {
		t.Errorf("expected 1 pattern match, got %d", len(entries))
	}
}

func TestViewer_FormatEntry(t *testing.T) {
	var out bytes.Buffer
	v := NewViewer(ViewerConfig{NoColor: true}, &out)
	entry := ParseLine(`{"time":"2026-10-19T10:00:01.5Z","level":"INFO","msg":"ingest_complete","rejected":1,"accepted":2}`)

	v.Print([]LogEntry{entry, ParseLine("plain text")})

	want := "10:00:01.500 INFO  ingest_complete accepted=2 rejected=1\nplain text\n"
	if out.String() != want {
		t.Errorf("got %q, want %q", out.String(), want)
	}
}

func TestViewer_Follow(t *testing.T) {
	path := writeLog(t, `{"level":"INFO","msg":"before"}`)
	v := NewViewer(ViewerConfig{}, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries := make(chan LogEntry, 4)
	done := make(chan error, 1)
	go func() { done <- v.Follow(ctx, path, entries) }()

	// Give the watcher time to register before appending.
	time.Sleep(100 * time.Millisecond)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"level":"INFO","msg":"after"}` + "\n")
	_ = f.Close()

	select {
	case e := <-entries:
		if e.Msg != "after" {
			t.Errorf("expected appended entry, got %q", e.Msg)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for followed entry")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Follow returned error: %v", err)
	}
}
