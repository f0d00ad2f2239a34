package jobs

import (
	"fmt"
	"os"
	"sync"
	"time"

	"userstore/internal/record"
	"userstore/internal/token"
)

// reportPrefix is the filename prefix of run records inside an import
// directory.
const reportPrefix = "report-"

// State of a run record. States only move forward: waiting, running, then
// finished or error.
type State string

const (
	StateWaiting  State = "waiting"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateError    State = "error"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateError
}

// ImporterSummary is the serialized summary of the row importer's result,
// stored with explicit fields instead of an opaque blob.
type ImporterSummary struct {
	Rows    int `json:"rows"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Errors  int `json:"errors"`
}

// ReportData is the persisted record of one run.
type ReportData struct {
	Version    int              `json:"version"`
	State      State            `json:"state"`
	Encoding   string           `json:"encoding,omitempty"`
	Scope      string           `json:"scope,omitempty"`
	Simulate   bool             `json:"simulate,omitempty"`
	User       string           `json:"user,omitempty"`
	PID        int              `json:"pid,omitempty"`
	TID        int              `json:"tid,omitempty"`
	Progress   string           `json:"progress,omitempty"`
	Exception  string           `json:"exception,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	Summary    *ImporterSummary `json:"summary,omitempty"`
}

// Display renders the state for humans, with the progress string appended
// while the run is underway.
func (d ReportData) Display() string {
	if d.State == StateRunning && d.Progress != "" {
		return fmt.Sprintf("%s (%s)", d.State, d.Progress)
	}
	return string(d.State)
}

// Report is one execution attempt against an import.
type Report struct {
	imp  *Import
	ID   string
	path string

	mu      sync.Mutex
	started bool
}

// newReport allocates a run record in the waiting state, copying encoding and
// scope from the owning import's metadata.
func newReport(imp *Import) (*Report, error) {
	meta, err := imp.Meta()
	if err != nil {
		return nil, err
	}

	rep := imp.reportRef(token.New())
	err = rep.update(func(d *ReportData) error {
		d.Version = recordVersion
		d.State = StateWaiting
		d.Encoding = meta.Encoding
		d.Scope = meta.Scope
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rep, nil
}

// Import returns the owning import.
func (r *Report) Import() *Import {
	return r.imp
}

// Exists reports whether the run record is still on disk.
func (r *Report) Exists() bool {
	_, err := os.Stat(r.path)
	return err == nil
}

// Created returns the creation time of the run record, derived from the file.
func (r *Report) Created() time.Time {
	info, err := os.Stat(r.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// Data loads the persisted run record.
func (r *Report) Data() (ReportData, error) {
	var data ReportData
	if err := record.Read(r.path, &data); err != nil {
		return ReportData{}, err
	}
	return data, nil
}

// State returns the state as observed by readers. A record persisted as
// running whose worker thread no longer exists is reported as error; the
// stored value is left untouched, the correction is applied at read time.
func (r *Report) State() (State, error) {
	data, err := r.Data()
	if err != nil {
		return "", err
	}
	if data.State == StateRunning && !isAlive(data.PID, data.TID) {
		return StateError, nil
	}
	return data.State, nil
}

// update performs a scoped read-modify-write of the run record.
func (r *Report) update(fn func(*ReportData) error) error {
	var data ReportData
	return record.Update(r.path, &data, func() error {
		return fn(&data)
	})
}

// markStarted flags the report as started within this process. Starting the
// same report twice is a programming error.
func (r *Report) markStarted() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic(fmt.Sprintf("report %s:%s started twice", r.imp.ID, r.ID))
	}
	r.started = true
}

// Delete removes the run record. Only simulated (dry-run) records that have
// reached a terminal state may be deleted; a committed import's record is an
// audit artifact and is kept. A record that has already vanished is a silent
// no-op.
func (r *Report) Delete() error {
	data, err := r.Data()
	if err != nil {
		return err
	}
	if !data.Simulate || !data.State.Terminal() || !r.Exists() {
		return nil
	}
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete report: %w", err)
	}
	return nil
}
