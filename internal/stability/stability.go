// Package stability decides which files in the watched folder have finished being written.
//
// Every poll the detector lists the folder, probes each candidate file for an exclusive
// open, and classifies it against its sync record. Only files classified Stable are
// queued for upload; queueing snapshots the record so a failed upload can be rolled back.
package stability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cleverdata/watchfolder/internal/syncstate"
)

type Status int

const (
	StatusTracking Status = iota // write time still moving or settle period not yet reached
	StatusStable                 // ready for upload this cycle
	StatusInSync                 // this exact version was already uploaded
	StatusExhausted              // too many failed attempts for this version
)

func (s Status) String() string {
	switch s {
	case StatusTracking:
		return "TRACKING"
	case StatusStable:
		return "STABLE"
	case StatusInSync:
		return "IN_SYNC"
	case StatusExhausted:
		return "EXHAUSTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Settings are the detector's knobs, all taken from the agent config.
type Settings struct {
	PollSeconds   int
	SettleSeconds int
	MaxAttempts   int
	Extensions    []string // lower-case, with leading dot
}

// File is a regular file found in the watched folder.
type File struct {
	Name      string
	Path      string
	Size      int64
	WriteTime time.Time // truncated to whole seconds, UTC
}

// Upload is a file queued for transfer together with the record as it was before queueing.
type Upload struct {
	File
	Previous syncstate.Record
}

// Skipped is a file left alone for this cycle.
type Skipped struct {
	Name   string
	Reason error
}

// Pass is the outcome of one detection pass.
type Pass struct {
	Statuses map[string]Status
	Queued   []Upload
	Skipped  []Skipped
	// Present holds every directory entry name, including files the detector ignored.
	Present map[string]bool
}

// Count returns how many files were classified as s.
func (p *Pass) Count(s Status) int {
	n := 0
	for _, st := range p.Statuses {
		if st == s {
			n++
		}
	}
	return n
}

type Detector struct {
	dir      string
	settings Settings
	probe    Prober
}

func New(dir string, settings Settings) *Detector {
	return &Detector{
		dir:      dir,
		settings: settings,
		probe:    ProbeExclusive,
	}
}

// WithProber replaces the exclusive-open probe.
func (d *Detector) WithProber(p Prober) *Detector {
	d.probe = p
	return d
}

func (d *Detector) Dir() string {
	return d.dir
}

// Matches reports whether name has an allow-listed extension.
func (d *Detector) Matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range d.settings.Extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Detect scans the folder, classifies every eligible file against records and queues the
// stable ones. records is mutated in place; Pass.Queued carries the rollback snapshots.
func (d *Detector) Detect(ctx context.Context, records syncstate.Records) (*Pass, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", d.dir, err)
	}

	pass := &Pass{
		Statuses: make(map[string]Status),
		Present:  make(map[string]bool, len(entries)),
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := entry.Name()
		pass.Present[name] = true

		if entry.IsDir() || !d.Matches(name) {
			continue
		}
		if !syncstate.ValidName(name) {
			pass.Skipped = append(pass.Skipped, Skipped{Name: name, Reason: ErrUnsupportedName})
			continue
		}

		path := filepath.Join(d.dir, name)
		info, err := entry.Info()
		if err != nil {
			// Removed between listing and stat.
			pass.Skipped = append(pass.Skipped, Skipped{Name: name, Reason: &FileAccessError{Path: path, Err: err}})
			continue
		}
		if !info.Mode().IsRegular() {
			continue
		}

		if err := d.probe(path); err != nil {
			pass.Skipped = append(pass.Skipped, Skipped{Name: name, Reason: err})
			continue
		}

		file := File{
			Name:      name,
			Path:      path,
			Size:      info.Size(),
			WriteTime: syncstate.Truncate(info.ModTime()),
		}

		status := Classify(records, name, file.WriteTime, d.settings)
		pass.Statuses[name] = status
		if status == StatusStable {
			pass.Queued = append(pass.Queued, Queue(records, file))
		}
	}

	return pass, nil
}

// Classify updates the record for name against the file's current write time and
// returns the file's status. A new file only gets a record when it has to wait out
// the settle period; with a zero threshold it is reported Stable straight away and
// Queue creates the record.
func Classify(records syncstate.Records, name string, current time.Time, s Settings) Status {
	rec, ok := records[name]
	if !ok {
		if s.SettleSeconds == 0 {
			return StatusStable
		}
		records[name] = &syncstate.Record{CandidateWriteTime: current}
		return StatusTracking
	}

	switch {
	case rec.LastSyncWriteTime.Equal(current):
		return StatusInSync
	case !rec.CandidateWriteTime.Equal(current):
		// A new version restarts both the settle countdown and the retry budget.
		rec.CandidateWriteTime = current
		rec.StableSeconds = 0
		rec.AttemptCount = 0
		return StatusTracking
	case rec.AttemptCount >= s.MaxAttempts:
		return StatusExhausted
	}

	if rec.StableSeconds < 0 {
		rec.StableSeconds = 0
	}
	rec.StableSeconds += s.PollSeconds
	if rec.StableSeconds >= s.SettleSeconds {
		return StatusStable
	}
	return StatusTracking
}

// Queue snapshots the record for f and advances it optimistically: LastSyncWriteTime
// becomes the current write time, StableSeconds the in-flight marker and the failure
// count is cleared. Rollback and Restore bring the count back from the snapshot.
func Queue(records syncstate.Records, f File) Upload {
	rec, ok := records[f.Name]
	if !ok {
		rec = &syncstate.Record{CandidateWriteTime: f.WriteTime}
		records[f.Name] = rec
	}
	up := Upload{File: f, Previous: *rec}
	rec.LastSyncWriteTime = f.WriteTime
	rec.StableSeconds = syncstate.InFlight
	rec.AttemptCount = 0
	return up
}

// Rollback restores the pre-upload snapshot of u and counts the failed attempt.
func Rollback(records syncstate.Records, u Upload) {
	rec := u.Previous
	rec.AttemptCount++
	records[u.Name] = &rec
}

// Restore puts back the pre-upload snapshot of u without counting an attempt.
// Used for uploads that were interrupted by shutdown rather than failed.
func Restore(records syncstate.Records, u Upload) {
	rec := u.Previous
	records[u.Name] = &rec
}
