package export

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"userstore/internal/record"
	"userstore/internal/token"
)

// ErrNotFound is returned for export jobs that do not exist.
var ErrNotFound = errors.New("not found")

// Format of the produced content.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// Data is the persisted record of an export job: an integer progress
// percentage and a completion flag. There is no state machine.
type Data struct {
	Version  int    `json:"version"`
	Format   Format `json:"format,omitempty"`
	Progress int    `json:"progress"`
	Done     bool   `json:"done,omitempty"`
}

const recordVersion = 1

// Store keeps export jobs, one directory per job:
//
//	<base>/<exportID>/state    progress record
//	<base>/<exportID>/content  final output, absent until done
type Store struct {
	base      string
	batchSize int
}

// NewStore creates a store rooted at base. batchSize controls how many rows a
// producer writes between progress updates; <= 0 means 1000.
func NewStore(base string, batchSize int) (*Store, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Store{base: base, batchSize: batchSize}, nil
}

func (s *Store) jobRef(id string) *Job {
	path := filepath.Join(s.base, id)
	return &Job{
		store:       s,
		ID:          id,
		path:        path,
		statePath:   filepath.Join(path, "state"),
		contentPath: filepath.Join(path, "content"),
	}
}

// New allocates storage for a fresh export job at 0%.
func (s *Store) New(format Format) (*Job, error) {
	job := s.jobRef(token.New())
	if err := os.Mkdir(job.path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export job directory: %w", err)
	}
	err := record.Write(job.statePath, &Data{Version: recordVersion, Format: format})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Job returns the export job with the given identifier, or ErrNotFound.
func (s *Store) Job(id string) (*Job, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, ErrNotFound
	}
	job := s.jobRef(id)
	if !job.Exists() {
		return nil, ErrNotFound
	}
	return job, nil
}

// Job is one export: progressively produced by a single producer, then
// holding its content until deleted.
type Job struct {
	store       *Store
	ID          string
	path        string
	statePath   string
	contentPath string
}

// Exists reports whether the job's state record is still on disk.
func (j *Job) Exists() bool {
	_, err := os.Stat(j.statePath)
	return err == nil
}

// Data loads the persisted job record.
func (j *Job) Data() (Data, error) {
	var data Data
	if err := record.Read(j.statePath, &data); err != nil {
		return Data{}, err
	}
	return data, nil
}

// Progress returns the current percentage, 0-100.
func (j *Job) Progress() (int, error) {
	data, err := j.Data()
	return data.Progress, err
}

// SetProgress persists a new percentage. Progress never decreases and is
// clamped to 0-100; updates against a deleted job are no-ops.
func (j *Job) SetProgress(percent int) error {
	if !j.Exists() {
		return nil
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	var data Data
	err := record.Update(j.statePath, &data, func() error {
		if percent > data.Progress {
			data.Progress = percent
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// SetContent atomically stores the final output and finalizes the job at
// 100%.
func (j *Job) SetContent(r io.Reader) error {
	tmp, err := os.CreateTemp(j.path, ".tmp-content-*")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to create temp content: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write export content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close export content: %w", err)
	}
	if err := os.Rename(tmp.Name(), j.contentPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace export content: %w", err)
	}

	var data Data
	err = record.Update(j.statePath, &data, func() error {
		data.Progress = 100
		data.Done = true
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Content opens the finished output, or ErrNotFound while the job is still
// producing.
func (j *Job) Content() (io.ReadCloser, error) {
	f, err := os.Open(j.contentPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes the job and its content; a no-op when already gone.
func (j *Job) Delete() error {
	if err := os.RemoveAll(j.path); err != nil {
		return fmt.Errorf("failed to delete export job: %w", err)
	}
	return nil
}
