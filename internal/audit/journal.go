package audit

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100MB
	activeName         = "audit.log"
)

// Journal is an append-only, newline-delimited spool of audit events that
// could not be written to the primary store. Audit writes fail open, but a
// security decision must never disappear silently, so the fallback is a
// local file with size-based rotation.
type Journal struct {
	mu          sync.Mutex
	file        *os.File
	size        int64
	dir         string
	maxFileSize int64
}

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, activeName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat journal file: %w", err)
	}
	return &Journal{
		file:        f,
		size:        info.Size(),
		dir:         dir,
		maxFileSize: defaultMaxFileSize,
	}, nil
}

func (j *Journal) Append(data []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size >= j.maxFileSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(append(data, '\n'))
	if err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	j.size += int64(n)
	return nil
}

// rotate must be called with the mutex held.
func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}

	currentPath := filepath.Join(j.dir, activeName)
	timestamp := time.Now().Format("20060102T150405")
	rotatedPath := filepath.Join(j.dir, fmt.Sprintf("audit-%s.log", timestamp))
	if err := os.Rename(currentPath, rotatedPath); err != nil {
		return fmt.Errorf("rename journal file: %w", err)
	}

	f, err := os.OpenFile(currentPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new journal file: %w", err)
	}
	j.file = f
	j.size = 0
	return nil
}

// Read returns every entry in the active journal file. Used to replay
// spooled events back into the store once it is reachable again.
func (j *Journal) Read() ([][]byte, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, activeName))
	if err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	lines := bytes.Split(data, []byte{'\n'})
	var entries [][]byte
	for _, line := range lines {
		if len(line) > 0 {
			entries = append(entries, line)
		}
	}
	return entries, nil
}

// Cleanup removes rotated journal files older than the retention window.
func (j *Journal) Cleanup(retention time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	files, err := filepath.Glob(filepath.Join(j.dir, "audit-*.log"))
	if err != nil {
		return fmt.Errorf("list journal files: %w", err)
	}
	for _, file := range files {
		filename := filepath.Base(file)
		// expected format: audit-20060102T150405.log
		if len(filename) < 21 {
			continue
		}
		timeStr := filename[6 : len(filename)-4] // strip "audit-" and ".log"
		t, err := time.Parse("20060102T150405", timeStr)
		if err != nil {
			continue // skip malformed files
		}
		if t.Before(cutoff) {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("remove old journal file %s: %w", file, err)
			}
		}
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal file: %w", err)
	}
	return nil
}
