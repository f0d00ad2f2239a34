package jobs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"userstore/internal/record"
)

// recordVersion tags the on-disk schema of meta and report records.
const recordVersion = 1

// ImportMeta is the metadata record of one uploaded dataset.
type ImportMeta struct {
	Version  int    `json:"version"`
	Encoding string `json:"encoding,omitempty"`
	Scope    string `json:"scope,omitempty"`
	Filename string `json:"filename,omitempty"`
	Rows     int    `json:"rows,omitempty"`
	Label    string `json:"label,omitempty"`
}

// Import is one uploaded dataset awaiting processing. Its content is
// immutable once stored; metadata may be amended via UpdateMeta.
type Import struct {
	store       *Store
	ID          string
	path        string
	contentPath string
	metaPath    string
}

// Exists reports whether both content and meta are present. A directory
// missing either file is treated as nonexistent.
func (imp *Import) Exists() bool {
	if _, err := os.Stat(imp.contentPath); err != nil {
		return false
	}
	_, err := os.Stat(imp.metaPath)
	return err == nil
}

// Created returns the creation time of the import, derived from its
// directory rather than stored in the record.
func (imp *Import) Created() time.Time {
	info, err := os.Stat(imp.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Content opens the raw uploaded bytes for reading.
func (imp *Import) Content() (io.ReadCloser, error) {
	return os.Open(imp.contentPath)
}

// Meta loads the metadata record.
func (imp *Import) Meta() (ImportMeta, error) {
	var meta ImportMeta
	if err := record.Read(imp.metaPath, &meta); err != nil {
		return ImportMeta{}, err
	}
	return meta, nil
}

// UpdateMeta performs a scoped read-modify-write of the metadata record.
func (imp *Import) UpdateMeta(fn func(*ImportMeta) error) error {
	var meta ImportMeta
	return record.Update(imp.metaPath, &meta, func() error {
		return fn(&meta)
	})
}

// Delete removes the import and all its reports. Deleting an import that is
// already gone is a no-op.
func (imp *Import) Delete() error {
	if err := os.RemoveAll(imp.path); err != nil {
		return fmt.Errorf("failed to delete import: %w", err)
	}
	return nil
}

// NewReport creates a new run record against this import.
func (imp *Import) NewReport() (*Report, error) {
	return newReport(imp)
}

// Report returns the report with the given identifier, or ErrNotFound.
func (imp *Import) Report(id string) (*Report, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	rep := imp.reportRef(id)
	if !rep.Exists() {
		return nil, ErrNotFound
	}
	return rep, nil
}

// Reports lists all run records of this import.
func (imp *Import) Reports() ([]*Report, error) {
	entries, err := os.ReadDir(imp.path)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	var reports []*Report
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), reportPrefix) {
			continue
		}
		rep := imp.reportRef(strings.TrimPrefix(entry.Name(), reportPrefix))
		if rep.Exists() {
			reports = append(reports, rep)
		}
	}
	return reports, nil
}

func (imp *Import) reportRef(id string) *Report {
	return &Report{
		imp:  imp,
		ID:   id,
		path: filepath.Join(imp.path, reportPrefix+id),
	}
}
