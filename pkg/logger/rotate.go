package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const backupTimeLayout = "20060102T150405.000"

// rotatingWriter renames the live file to a timestamped backup once it would
// exceed maxSize, then prunes backups beyond maxBackups or older than maxAge.
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("log path is empty")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 7
	}
	if maxAgeDays <= 0 {
		maxAgeDays = 30
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.ensureFile(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.ensureFile(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) ensureFile() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	stamp := time.Now().UTC().Format(backupTimeLayout)
	if _, err := os.Stat(w.path); err == nil {
		_ = os.Rename(w.path, w.path+"."+stamp)
	}
	w.prune()
	return nil
}

// prune removes backups beyond maxBackups (oldest first) and any backup past
// the age cutoff. Backup recency comes from the name, not mtime, so copies
// restored from archives do not confuse ordering.
func (w *rotatingWriter) prune() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil || len(matches) == 0 {
		return
	}
	type backup struct {
		path string
		ts   time.Time
	}
	backups := make([]backup, 0, len(matches))
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, w.path+".")
		ts, err := time.Parse(backupTimeLayout, suffix)
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: m, ts: ts})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].ts.After(backups[j].ts) })

	cutoff := time.Time{}
	if w.maxAge > 0 {
		cutoff = time.Now().UTC().Add(-w.maxAge)
	}
	for i, b := range backups {
		if (w.maxBackups > 0 && i >= w.maxBackups) || (!cutoff.IsZero() && b.ts.Before(cutoff)) {
			_ = os.Remove(b.path)
		}
	}
}
