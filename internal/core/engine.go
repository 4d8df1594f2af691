package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/cleverdata/watchfolder/internal/db"
	"github.com/cleverdata/watchfolder/internal/logging"
	"github.com/cleverdata/watchfolder/internal/stability"
	"github.com/cleverdata/watchfolder/internal/syncstate"
	"github.com/cleverdata/watchfolder/internal/upload"
)

var DebugMode bool

func debugLog(logger logging.Logger, format string, v ...interface{}) {
	if DebugMode && logger != nil {
		logger.Infof("[DEBUG] "+format, v...)
	}
}

// ErrAlreadyRunning is returned by Run when another instance holds the state lock.
var ErrAlreadyRunning = errors.New("another instance is already running against this state file")

type State int32

const (
	StateIdle State = iota
	StateScanning
	StateUploading
	StatePersisting
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateScanning:
		return "Scanning"
	case StateUploading:
		return "Uploading"
	case StatePersisting:
		return "Persisting"
	case StateSleeping:
		return "Sleeping"
	case StateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Uploader sends one stable file to the gateway.
type Uploader interface {
	Upload(ctx context.Context, f stability.File) (*upload.Result, error)
}

// History receives one entry per upload attempt.
type History interface {
	Record(ctx context.Context, e db.Entry) error
}

// UnexpectedError is a panic recovered during a cycle.
type UnexpectedError struct {
	Value interface{}
	Stack []byte
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected failure: %v", e.Value)
}

type Options struct {
	Interval time.Duration
	// PruneMissing drops records of files that are no longer in the watched directory.
	PruneMissing bool
	// LockPath defaults to the state file path plus ".lock".
	LockPath string
}

// CycleReport summarizes one pass.
type CycleReport struct {
	ID        string
	Counts    map[stability.Status]int
	Uploaded  []string
	Failed    []string
	Skipped   []string
	Pruned    []string
	Persisted bool
	Err       error
}

type Engine struct {
	store    *syncstate.Store
	detector *stability.Detector
	uploader Uploader
	history  History
	logger   logging.Logger
	opts     Options
	state    atomic.Int32
}

func New(store *syncstate.Store, detector *stability.Detector, uploader Uploader, opts Options, logger logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Nop{}
	}
	if opts.LockPath == "" {
		opts.LockPath = store.Path() + ".lock"
	}
	return &Engine{
		store:    store,
		detector: detector,
		uploader: uploader,
		logger:   logger,
		opts:     opts,
	}
}

// WithHistory records every upload attempt in h.
func (e *Engine) WithHistory(h History) *Engine {
	e.history = h
	return e
}

func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

// Run polls until ctx is cancelled. Only configuration-independent startup problems
// (the instance lock) are returned; cycle failures are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(e.opts.LockPath), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	lock := flock.New(e.opts.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", e.opts.LockPath, err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", e.opts.LockPath, ErrAlreadyRunning)
	}
	defer lock.Unlock()
	defer e.setState(StateStopped)

	e.logger.Infof("Watching %s every %s", e.detector.Dir(), e.opts.Interval)

	for {
		if ctx.Err() != nil {
			e.logger.Info("Stop requested, worker exiting")
			return nil
		}

		e.setState(StateIdle)
		e.RunCycle(ctx)

		e.setState(StateSleeping)
		timer := time.NewTimer(e.opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("Stop requested, worker exiting")
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle performs one scan, upload and persist pass. It never panics: a panic in an
// upload fails that file only, anywhere else it ends the cycle without saving.
func (e *Engine) RunCycle(ctx context.Context) (report CycleReport) {
	id := uuid.NewString()[:8]
	report = CycleReport{ID: id, Counts: make(map[stability.Status]int)}
	logger := logging.WithPrefix(e.logger, "cycle "+id)

	defer func() {
		if r := recover(); r != nil {
			unexpected := &UnexpectedError{Value: r, Stack: debug.Stack()}
			report.Err = unexpected
			logger.Errorf("Cycle failed: %v", unexpected)
			debugLog(logger, "%s", unexpected.Stack)
		}
	}()

	e.setState(StateScanning)
	records, err := e.store.Load()
	// loaded is kept only when the file needs rewriting without its corrupt lines.
	var loaded syncstate.Records
	if err != nil {
		var corrupt *syncstate.CorruptStateError
		if !errors.As(err, &corrupt) {
			report.Err = err
			logger.Errorf("Cycle skipped, sync state unreadable: %v", err)
			return report
		}
		logger.Warningf("%v; those lines were skipped", err)
		loaded = records.Clone()
	}

	pass, err := e.detector.Detect(ctx, records)
	if err != nil {
		// Queued records were advanced in memory only, so only the records as loaded may be saved.
		report.Err = err
		logger.Errorf("Scan of %s failed: %v", e.detector.Dir(), err)
		if loaded != nil {
			e.setState(StatePersisting)
			if err := e.store.Save(loaded); err != nil {
				logger.Errorf("Failed to persist sync state: %v", err)
				return report
			}
			report.Persisted = true
		}
		return report
	}

	for status, n := range countStatuses(pass) {
		report.Counts[status] = n
	}
	for _, s := range pass.Skipped {
		report.Skipped = append(report.Skipped, s.Name)
		if errors.Is(s.Reason, stability.ErrLocked) {
			debugLog(logger, "Skipping %s: still open by a writer", s.Name)
			continue
		}
		logger.Warningf("Skipping %s: %v", s.Name, s.Reason)
	}
	debugLog(logger, "Scan complete: %d tracking, %d stable, %d in sync, %d exhausted",
		report.Counts[stability.StatusTracking], report.Counts[stability.StatusStable],
		report.Counts[stability.StatusInSync], report.Counts[stability.StatusExhausted])

	e.setState(StateUploading)
	for _, up := range pass.Queued {
		if ctx.Err() != nil {
			stability.Restore(records, up)
			continue
		}

		logger.Infof("Uploading %s (%s)", up.Name, humanize.IBytes(uint64(up.Size)))
		res, err := e.upload(ctx, up.File)
		attempt := up.Previous.AttemptCount + 1
		if err != nil {
			var unexpected *UnexpectedError
			isUnexpected := errors.As(err, &unexpected)
			if ctx.Err() != nil && !isUnexpected {
				stability.Restore(records, up)
				logger.Warningf("Upload of %s interrupted by shutdown", up.Name)
				continue
			}
			stability.Rollback(records, up)
			report.Failed = append(report.Failed, up.Name)
			logger.Errorf("Upload of %s failed (attempt %d): %v", up.Name, attempt, err)
			if isUnexpected {
				report.Err = err
				debugLog(logger, "%s", unexpected.Stack)
			}
			e.record(ctx, logger, db.Entry{
				FileName:  up.Name,
				WriteTime: up.WriteTime,
				Size:      up.Size,
				Status:    db.StatusFailed,
				Stage:     string(upload.StageOf(err)),
				Error:     err.Error(),
				Attempt:   attempt,
				CycleID:   id,
			})
			continue
		}

		report.Uploaded = append(report.Uploaded, up.Name)
		logger.Infof("Uploaded %s: %d parts, %s", up.Name, res.Parts, humanize.IBytes(uint64(res.Bytes)))
		e.record(ctx, logger, db.Entry{
			FileName:  up.Name,
			WriteTime: up.WriteTime,
			Size:      res.Bytes,
			Status:    db.StatusUploaded,
			Attempt:   attempt,
			CycleID:   id,
		})
	}

	e.setState(StatePersisting)
	if e.opts.PruneMissing {
		for _, name := range records.Names() {
			if !pass.Present[name] {
				delete(records, name)
				report.Pruned = append(report.Pruned, name)
				debugLog(logger, "Pruned record of missing file %s", name)
			}
		}
	}
	if err := e.store.Save(records); err != nil {
		report.Err = err
		logger.Errorf("Failed to persist sync state: %v", err)
		return report
	}
	report.Persisted = true

	if len(pass.Queued) > 0 || len(report.Pruned) > 0 {
		logger.Infof("Cycle complete: %d uploaded, %d failed, %d skipped, %d pruned",
			len(report.Uploaded), len(report.Failed), len(report.Skipped), len(report.Pruned))
	}
	return report
}

// upload calls the uploader, turning a panic into an UnexpectedError so the file counts
// as failed and the rest of the cycle still runs.
func (e *Engine) upload(ctx context.Context, f stability.File) (res *upload.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, &UnexpectedError{Value: r, Stack: debug.Stack()}
		}
	}()
	return e.uploader.Upload(ctx, f)
}

func (e *Engine) record(ctx context.Context, logger logging.Logger, entry db.Entry) {
	if e.history == nil {
		return
	}
	if err := e.history.Record(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warningf("History not recorded: %v", err)
	}
}

func countStatuses(p *stability.Pass) map[stability.Status]int {
	counts := make(map[stability.Status]int)
	for _, s := range []stability.Status{stability.StatusTracking, stability.StatusStable, stability.StatusInSync, stability.StatusExhausted} {
		if n := p.Count(s); n > 0 {
			counts[s] = n
		}
	}
	return counts
}
