// Package auditlog provides audit event persistence: an append-only JSON
// Lines file store with daily rotation, size caps, and retention cleanup, and
// a stream store for stderr output. One process owns an audit directory at a
// time, enforced with a lock file.
package auditlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/query-gate/querygate/internal/domain/audit"
)

// eventFilePattern matches audit log filenames:
// audit-YYYY-MM-DD.log or audit-YYYY-MM-DD-N.log
var eventFilePattern = regexp.MustCompile(`^audit-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.log$`)

// eventFileInfo holds parsed information about an audit file.
type eventFileInfo struct {
	name   string
	date   string
	suffix int
}

// parseEventFilename parses an audit filename into its components.
func parseEventFilename(name string) (eventFileInfo, bool) {
	matches := eventFilePattern.FindStringSubmatch(name)
	if matches == nil {
		return eventFileInfo{}, false
	}

	info := eventFileInfo{name: name, date: matches[1]}
	if matches[2] != "" {
		n, err := strconv.Atoi(matches[2])
		if err != nil {
			return eventFileInfo{}, false
		}
		info.suffix = n
	}
	return info, true
}

// sortEventFiles orders audit files chronologically by date then suffix.
func sortEventFiles(files []eventFileInfo) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
}

// FileConfig holds configuration for the file-based audit store.
type FileConfig struct {
	// Dir is the directory where audit files are stored.
	Dir string
	// RetentionDays is the number of days to keep audit files (default 7).
	RetentionDays int
	// MaxFileSizeMB is the maximum file size before rotation (default 100).
	MaxFileSizeMB int
}

// FileStore implements audit.Store with rotation and retention. Append never
// reorders or drops events within a batch; any write error fails the whole
// batch.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int

	mu            sync.Mutex
	currentFile   *os.File
	currentDate   string
	currentSize   int64
	currentSuffix int
	closed        bool

	lockFile *os.File
	logger   *slog.Logger
	cancel   context.CancelFunc
}

var _ audit.Store = (*FileStore)(nil)

// NewFileStore creates the audit directory if needed, takes the directory
// lock, opens today's file, runs retention cleanup, and starts the hourly
// cleanup goroutine.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	lockPath := filepath.Join(cfg.Dir, ".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit lock file: %w", err)
	}
	if err := flockLock(lockFile.Fd()); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("lock audit directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		lockFile:      lockFile,
		logger:        logger,
		cancel:        cancel,
	}

	today := time.Now().UTC().Format("2006-01-02")
	if err := s.openCurrentFile(today); err != nil {
		cancel()
		_ = flockUnlock(lockFile.Fd())
		_ = lockFile.Close()
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	s.runCleanup()
	go s.cleanupLoop(ctx)

	return s, nil
}

// Append writes events as JSON Lines, rotating by date and size as needed.
// Each event is synced before Append returns; the audit trail is the
// authority on what happened and may not lag a crash.
func (s *FileStore) Append(ctx context.Context, events ...audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, event := range events {
		dateStr := event.TS.UTC().Format("2006-01-02")

		if dateStr != s.currentDate {
			if err := s.rotateDateLocked(dateStr); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		}
		if s.currentSize >= s.maxFileSize {
			if err := s.rotateSizeLocked(); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("marshal audit event: %w", err)
		}

		line := append(data, '\n')
		n, err := s.currentFile.Write(line)
		if err != nil {
			return fmt.Errorf("write audit event: %w", err)
		}
		s.currentSize += int64(n)
	}

	return s.currentFile.Sync()
}

// Close stops the cleanup goroutine, syncs the current file, and releases
// the directory lock.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	var err error
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err = s.currentFile.Close()
		s.currentFile = nil
	}

	if s.lockFile != nil {
		_ = flockUnlock(s.lockFile.Fd())
		_ = s.lockFile.Close()
		s.lockFile = nil
	}
	return err
}

// openCurrentFile opens or creates the audit file for the given date,
// continuing from the highest existing suffix.
func (s *FileStore) openCurrentFile(dateStr string) error {
	suffix := s.findHighestSuffix(dateStr)

	f, size, err := s.openFile(dateStr, suffix)
	if err != nil {
		return err
	}

	s.currentFile = f
	s.currentDate = dateStr
	s.currentSize = size
	s.currentSuffix = suffix
	return nil
}

// findHighestSuffix returns the highest existing suffix for a date, or 0.
func (s *FileStore) findHighestSuffix(dateStr string) int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}

	highest := 0
	for _, e := range entries {
		info, ok := parseEventFilename(e.Name())
		if !ok || info.date != dateStr {
			continue
		}
		if info.suffix > highest {
			highest = info.suffix
		}
	}
	return highest
}

// openFile opens an audit file and reports its current size.
func (s *FileStore) openFile(dateStr string, suffix int) (*os.File, int64, error) {
	filename := s.buildFilename(dateStr, suffix)
	path := filepath.Join(s.dir, filename)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, 0, fmt.Errorf("open file %s: %w", filename, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat file %s: %w", filename, err)
	}
	return f, info.Size(), nil
}

// buildFilename constructs the audit filename for a date and suffix.
func (s *FileStore) buildFilename(dateStr string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("audit-%s.log", dateStr)
	}
	return fmt.Sprintf("audit-%s-%d.log", dateStr, suffix)
}

// rotateDateLocked switches to a new date's file. Must hold s.mu.
func (s *FileStore) rotateDateLocked(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	s.currentSuffix = 0
	s.currentSize = 0
	s.currentDate = dateStr

	f, size, err := s.openFile(dateStr, 0)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// rotateSizeLocked opens the next suffix for the current date. Must hold s.mu.
func (s *FileStore) rotateSizeLocked() error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	s.currentSuffix++
	f, size, err := s.openFile(s.currentDate, s.currentSuffix)
	if err != nil {
		return err
	}
	s.currentFile = f
	s.currentSize = size
	return nil
}

// cleanupLoop runs retention cleanup hourly until the store closes.
func (s *FileStore) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-ctx.Done():
			return
		}
	}
}

// runCleanup removes audit files older than the retention window.
func (s *FileStore) runCleanup() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays).Format("2006-01-02")

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("audit retention scan failed", "error", err)
		return
	}

	var files []eventFileInfo
	for _, e := range entries {
		if info, ok := parseEventFilename(e.Name()); ok {
			files = append(files, info)
		}
	}
	sortEventFiles(files)

	for _, info := range files {
		if info.date >= cutoff {
			break
		}
		path := filepath.Join(s.dir, info.name)
		if err := os.Remove(path); err != nil {
			s.logger.Warn("audit retention delete failed", "file", info.name, "error", err)
			continue
		}
		s.logger.Info("audit file expired", "file", info.name)
	}
}
