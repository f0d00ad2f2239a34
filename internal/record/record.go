package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CorruptError reports a record file whose bytes could not be deserialized.
// It is never folded into "record absent": a corrupt record is a fatal
// condition the caller must see.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt record %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Read loads the record at path into out. A missing file leaves out untouched,
// so callers get the empty record. A file that exists but cannot be decoded
// yields a CorruptError.
func Read(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read record: %w", err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// Write serializes rec and atomically replaces path. The record is written to
// a temporary file in the same directory and renamed into place, so a
// concurrent reader sees either the old content or the new content, never a
// torn write.
func Write(path string, rec interface{}) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-record-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp record: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace record: %w", err)
	}
	return nil
}

// Update loads the record at path into rec, invokes fn to mutate it in place,
// then writes the record back via Write. The write-back happens even when fn
// fails; fn's error takes precedence over the write error, matching scoped
// update semantics where the caller's error propagates after the write
// attempt.
func Update(path string, rec interface{}, fn func() error) error {
	if err := Read(path, rec); err != nil {
		return err
	}

	fnErr := fn()

	if err := Write(path, rec); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return err
	}
	return fnErr
}
