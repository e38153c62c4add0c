package auditlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/query-gate/querygate/internal/domain/audit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	store, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func readEvents(t *testing.T, path string) []audit.Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var events []audit.Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e audit.Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %q: %v", line, err)
		}
		events = append(events, e)
	}
	return events
}

func TestFileStoreAppend(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	now := time.Now().UTC()
	if err := store.Append(context.Background(),
		sampleEvent("query_read", now), sampleEvent("list_tables", now)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	path := filepath.Join(dir, "audit-"+now.Format("2006-01-02")+".log")
	events := readEvents(t, path)
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Action != "query_read" || events[1].Action != "list_tables" {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestFileStoreDateRotation(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	if err := store.Append(context.Background(),
		sampleEvent("old", yesterday), sampleEvent("new", now)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	oldPath := filepath.Join(dir, "audit-"+yesterday.Format("2006-01-02")+".log")
	newPath := filepath.Join(dir, "audit-"+now.Format("2006-01-02")+".log")
	if got := readEvents(t, oldPath); len(got) != 1 || got[0].Action != "old" {
		t.Errorf("yesterday's file = %+v", got)
	}
	if got := readEvents(t, newPath); len(got) != 1 || got[0].Action != "new" {
		t.Errorf("today's file = %+v", got)
	}
}

func TestFileStoreSizeRotation(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	// Shrink the cap so a couple of events trigger rotation.
	store.mu.Lock()
	store.maxFileSize = 64
	store.mu.Unlock()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		if err := store.Append(context.Background(), sampleEvent("query_read", now)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	rotated := filepath.Join(dir, "audit-"+now.Format("2006-01-02")+"-1.log")
	if _, err := os.Stat(rotated); err != nil {
		t.Errorf("rotated file missing: %v", err)
	}
}

func TestFileStoreResumesHighestSuffix(t *testing.T) {
	dir := t.TempDir()
	today := time.Now().UTC().Format("2006-01-02")
	for _, name := range []string{
		"audit-" + today + ".log",
		"audit-" + today + "-1.log",
		"audit-" + today + "-2.log",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}\n"), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	store := newTestStore(t, dir)
	if store.currentSuffix != 2 {
		t.Errorf("currentSuffix = %d, want 2", store.currentSuffix)
	}
}

func TestFileStoreDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t, dir)

	if _, err := NewFileStore(FileConfig{Dir: dir}, testLogger()); err == nil {
		t.Fatal("second store acquired a locked directory")
	}

	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	second, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore after Close: %v", err)
	}
	_ = second.Close()
}

func TestFileStoreRetention(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "audit-2020-01-01.log")
	if err := os.WriteFile(stale, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep me"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_ = newTestStore(t, dir)

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("expired file survived cleanup: %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}

func TestFileStoreClosed(t *testing.T) {
	store := newTestStore(t, t.TempDir())
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.Append(context.Background(), sampleEvent("late", time.Now().UTC())); err == nil {
		t.Error("Append succeeded on a closed store")
	}
	// Idempotent.
	if err := store.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestParseEventFilename(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		ok     bool
		date   string
		suffix int
	}{
		{"plain", "audit-2026-03-01.log", true, "2026-03-01", 0},
		{"suffixed", "audit-2026-03-01-3.log", true, "2026-03-01", 3},
		{"lock file", ".lock", false, "", 0},
		{"wrong prefix", "access-2026-03-01.log", false, "", 0},
		{"wrong extension", "audit-2026-03-01.txt", false, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := parseEventFilename(tt.file)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && (info.date != tt.date || info.suffix != tt.suffix) {
				t.Errorf("info = %+v", info)
			}
		})
	}
}
