// Package database provides the two durable, append-only storage
// primitives the system relies on: a generic JSONL log (used both for a
// participant's write-ahead log and the coordinator's decision log) and
// an atomic JSON snapshot writer (used for a participant's balance
// state). The log generalizes the teacher's append-only
// repository/database/wal.go from its single Entry record type to any
// JSON-serializable record; the snapshot writer uses write-temp-then-rename.
package database

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// Log is an append-only, JSON-per-line file. Appends are serialized by mu,
// matching the "file-level mutex" discipline spec.md §5 requires for the
// shared decision-log / WAL file handle.
type Log[T any] struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenLog opens (creating if necessary) the log file at path for
// appending, and keeps the handle open for the life of the process.
func OpenLog[T any](path string) (*Log[T], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("database: open log %s: %w", path, err)
	}
	return &Log[T]{path: path, file: f}, nil
}

// Append marshals record to JSON and appends it as one line, fsyncing
// before returning so the record is durable before the caller's
// outward-visible effect of this phase.
func (l *Log[T]) Append(record T) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("database: marshal record: %w", err)
	}
	body = append(body, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(body); err != nil {
		return fmt.Errorf("database: append to %s: %w", l.path, err)
	}
	return l.file.Sync()
}

// ReadAll replays every record in the log in file order. Lines that fail
// to parse are skipped and counted in skipped rather than failing the
// whole read, matching spec.md §7's "corrupt decision log line: skip,
// warn, continue" policy; callers decide whether to log the count.
func (l *Log[T]) ReadAll() (records []T, skipped int, err error) {
	f, err := os.Open(l.path)
	if err != nil {
		return nil, 0, fmt.Errorf("database: read log %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return records, skipped, fmt.Errorf("database: scan log %s: %w", l.path, err)
	}
	return records, skipped, nil
}

// Close releases the underlying file handle.
func (l *Log[T]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
