package jobs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressFunc is the hook the row importer calls while it works. It runs on
// the importer's own thread, synchronously, so it must stay cheap.
type ProgressFunc func(status string, line, total int)

// RowImporter consumes the uploaded content. Field mapping and validation are
// its business, not ours; the executor only feeds it and records the outcome.
type RowImporter interface {
	Run(content io.Reader, encoding, scope string, simulate bool, progress ProgressFunc) (*ImporterSummary, error)
}

// ImporterFactory builds a row importer with identifying context.
type ImporterFactory func(user, importID, reportID string) RowImporter

// Journal records structured audit events.
type Journal interface {
	Record(event string, fields map[string]interface{})
}

// Notifier receives run state and progress changes, e.g. to push them to
// websocket clients. Implementations must not block.
type Notifier interface {
	ReportEvent(importID, reportID string, state State, progress string)
}

// Executor runs reports on background goroutines without blocking the caller,
// keeping the run record continuously queryable.
type Executor struct {
	importers ImporterFactory
	journal   Journal
	log       *logrus.Logger
	notifier  Notifier
	provision func(simulate bool) (release func(), err error)
	cleanup   func()
}

// ExecutorOptions carries the executor's optional collaborators.
type ExecutorOptions struct {
	// Journal receives an audit event when a run fails.
	Journal Journal
	// Log receives executor diagnostics; defaults to the standard logger.
	Log *logrus.Logger
	// Notifier is told about state and progress changes.
	Notifier Notifier
	// Provision acquires an exclusive resource around the importer's work
	// (e.g. a provisioning/notification context); the release func runs even
	// when the importer fails.
	Provision func(simulate bool) (release func(), err error)
	// Cleanup always runs after the importer returns, e.g. to reset a shared
	// connection so it is not leaked back to a pool in a bad state.
	Cleanup func()
}

type discardJournal struct{}

func (discardJournal) Record(string, map[string]interface{}) {}

// NewExecutor creates an executor building importers with the given factory.
func NewExecutor(importers ImporterFactory, opts ExecutorOptions) *Executor {
	e := &Executor{
		importers: importers,
		journal:   opts.Journal,
		log:       opts.Log,
		notifier:  opts.Notifier,
		provision: opts.Provision,
		cleanup:   opts.Cleanup,
	}
	if e.journal == nil {
		e.journal = discardJournal{}
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	return e
}

// Run is a handle on a scheduled (or schedulable) report execution.
type Run struct {
	work func()
	done chan struct{}
}

// Start schedules the run on a new goroutine. The caller does not block.
func (r *Run) Start() {
	go r.work()
}

// Wait blocks until a started run has completed.
func (r *Run) Wait() {
	<-r.done
}

// Run prepares the execution of a report. The report must be in the waiting
// state; violating that is a programming error and panics. The returned
// handle is not yet scheduled, letting the caller decide when to Start it.
//
// Two processes racing to start the same report can both observe waiting
// before either writes running; that race is inherited from the on-disk
// store, which provides atomic replace but no locking. A double start
// through the same Report value always trips the precondition; two values
// for the same identifier race like two processes do.
func (e *Executor) Run(report *Report, opts RunOptions) (*Run, error) {
	report.markStarted()

	data, err := report.Data()
	if err != nil {
		return nil, err
	}
	if data.State != StateWaiting {
		panic(fmt.Sprintf("report %s:%s started in state %q", report.imp.ID, report.ID, data.State))
	}

	err = report.update(func(d *ReportData) error {
		d.Simulate = opts.Simulate
		d.User = opts.User
		return nil
	})
	if err != nil {
		return nil, err
	}

	run := &Run{done: make(chan struct{})}
	run.work = func() {
		defer close(run.done)
		if err := e.execute(report, opts); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// The backing storage was deleted while the run was queued;
				// treat it as a benign cancellation.
				return
			}
			e.log.WithFields(logrus.Fields{
				"import_id": report.imp.ID,
				"report_id": report.ID,
			}).WithError(err).Error("report run failed")
		}
	}
	return run, nil
}

// RunOptions carries the per-run parameters recorded before execution.
type RunOptions struct {
	Simulate bool
	User     string
}

func (e *Executor) execute(report *Report, opts RunOptions) error {
	content, err := report.imp.Content()
	if err != nil {
		return err
	}
	defer content.Close()

	imp := e.importers(opts.User, report.imp.ID, report.ID)

	// The recorded tid identifies this thread for the liveness probe, so the
	// goroutine stays pinned to it for the whole run.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	started := time.Now()
	err = report.update(func(d *ReportData) error {
		d.State = StateRunning
		d.PID, d.TID = livenessMarkers()
		return nil
	})
	if err != nil {
		return err
	}
	e.notify(report, StateRunning, "")

	data, err := report.Data()
	if err != nil {
		return err
	}

	progress := func(status string, line, total int) {
		if total < 1 || !report.Exists() {
			return
		}
		text := fmt.Sprintf("%s, %d%%", status, int(math.Round(float64(line)/float64(total)*100)))
		// A failed write here means the storage vanished mid-run; benign.
		_ = report.update(func(d *ReportData) error {
			d.Progress = text
			return nil
		})
		e.notify(report, StateRunning, text)
	}

	summary, runErr := e.invoke(imp, content, data, opts, progress)
	if e.cleanup != nil {
		e.cleanup()
	}
	duration := time.Since(started)

	state := StateFinished
	exception := ""
	if runErr != nil {
		state = StateError
		exception = errorText(runErr)
		e.log.WithFields(logrus.Fields{
			"import_id": report.imp.ID,
			"report_id": report.ID,
		}).WithError(runErr).Error("error during report run")
		e.journal.Record("user.import.run.error", map[string]interface{}{
			"import_id": report.imp.ID,
			"report_id": report.ID,
			"action":    "import error",
			"user":      opts.User,
		})
	}

	err = report.update(func(d *ReportData) error {
		d.State = state
		d.Exception = exception
		d.DurationMS = duration.Milliseconds()
		// Whatever partial summary exists is kept, error or not.
		d.Summary = summary
		return nil
	})
	if err != nil {
		return err
	}
	e.notify(report, state, "")
	return nil
}

// invoke runs the importer with the provisioning hook held, converting a
// panic into an error so the scheduler always completes cleanly.
func (e *Executor) invoke(imp RowImporter, content io.Reader, data ReportData, opts RunOptions, progress ProgressFunc) (summary *ImporterSummary, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("importer panic: %v", p)
		}
	}()

	if e.provision != nil {
		release, perr := e.provision(opts.Simulate)
		if perr != nil {
			return nil, perr
		}
		defer release()
	}

	return imp.Run(content, data.Encoding, data.Scope, opts.Simulate, progress)
}

func (e *Executor) notify(report *Report, state State, progress string) {
	if e.notifier != nil {
		e.notifier.ReportEvent(report.imp.ID, report.ID, state, progress)
	}
}

// errorText renders an error for the record, falling back to the error's type
// if rendering itself blows up.
func errorText(err error) (text string) {
	defer func() {
		if recover() != nil {
			text = fmt.Sprintf("%T", err)
		}
	}()
	return err.Error()
}
