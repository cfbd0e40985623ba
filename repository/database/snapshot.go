package database

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteSnapshotAtomic serializes v to JSON and installs it at path by
// writing to a temporary file in the same directory, fsyncing, and
// renaming over path — spec.md §4.2's write-temp-then-rename discipline,
// so a crash mid-write never leaves a torn snapshot behind.
func WriteSnapshotAtomic(path string, v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("database: marshal snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("database: create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("database: write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("database: fsync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("database: close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("database: install snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot loads a previously written snapshot into v. A missing file
// is reported as os.IsNotExist(err) so callers can start from an empty
// state; any other error (including malformed JSON) is treated by callers
// as the fatal "corrupt state file" condition from spec.md §7.
func ReadSnapshot(path string, v interface{}) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("database: corrupt snapshot %s: %w", path, err)
	}
	return nil
}
