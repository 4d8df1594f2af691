// Package syncstate persists per-file synchronization records for the watched folder.
//
// The backing file holds one line per tracked file:
//
//	fileName;lastSyncWriteTime;candidateWriteTime;stableSeconds;attemptCount
//
// Timestamps use the fixed layout MM/dd/yyyy HH:mm:ss in UTC so a value read back
// compares equal to the value written at one-second resolution.
package syncstate

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TimeLayout is the persisted timestamp format.
const TimeLayout = "01/02/2006 15:04:05"

// InFlight marks a record queued for upload in the current cycle.
// Stable time never accumulates while a record carries it.
const InFlight = -1

// Record is the sync state of one file, keyed by file name within the watched directory.
type Record struct {
	// LastSyncWriteTime is the write time of the last confirmed upload. Zero means never.
	LastSyncWriteTime time.Time
	// CandidateWriteTime is the write time seen on the latest poll while the file was changing.
	CandidateWriteTime time.Time
	// StableSeconds counts how long CandidateWriteTime has stayed unchanged, or InFlight.
	StableSeconds int
	// AttemptCount counts consecutive failed uploads of the current version.
	AttemptCount int
}

// Synced reports whether the record has ever been confirmed uploaded.
func (r Record) Synced() bool {
	return !r.LastSyncWriteTime.IsZero()
}

// Records maps file names to their sync records.
type Records map[string]*Record

// Clone returns a deep copy of rs.
func (rs Records) Clone() Records {
	out := make(Records, len(rs))
	for name, rec := range rs {
		cp := *rec
		out[name] = &cp
	}
	return out
}

// Names returns the record keys in sorted order.
func (rs Records) Names() []string {
	names := make([]string, 0, len(rs))
	for name := range rs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Truncate drops sub-second precision and normalizes to UTC.
func Truncate(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Truncate(time.Second)
}

// CorruptStateError reports lines skipped by Load. The records returned alongside it are usable.
type CorruptStateError struct {
	Path  string
	Lines []int
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("state file %s: skipped %d unparseable line(s) %v", e.Path, len(e.Lines), e.Lines)
}

// ValidName reports whether a file name can be stored in the line format.
func ValidName(name string) bool {
	return name != "" && !strings.ContainsAny(name, ";\r\n")
}

// Store reads and writes the sync state file.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads every record from disk. A missing file yields an empty map.
// Unparseable lines are skipped; in that case the returned map is still valid and the
// error is a *CorruptStateError. Any other error means the state could not be read at all.
func (s *Store) Load() (Records, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Records{}, nil
		}
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	return Decode(f, s.path)
}

// Save atomically replaces the state file with records.
// The new content is written to a temporary file in the same directory and renamed over the old one.
func (s *Store) Save(records Records) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if err := Encode(tmp, records); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// Encode writes records in sorted name order.
func Encode(w io.Writer, records Records) error {
	bw := bufio.NewWriter(w)
	for _, name := range records.Names() {
		if _, err := bw.WriteString(FormatLine(name, *records[name]) + "\n"); err != nil {
			return fmt.Errorf("failed to write state: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	return nil
}

// Decode parses state lines from r. source names the input in a CorruptStateError.
func Decode(r io.Reader, source string) (Records, error) {
	records := Records{}
	var bad []int

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, rec, err := ParseLine(line)
		if err != nil {
			bad = append(bad, lineNo)
			continue
		}
		records[name] = &rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	if len(bad) > 0 {
		return records, &CorruptStateError{Path: source, Lines: bad}
	}
	return records, nil
}

// FormatLine renders one record line without the trailing newline.
func FormatLine(name string, rec Record) string {
	return strings.Join([]string{
		name,
		formatTime(rec.LastSyncWriteTime),
		formatTime(rec.CandidateWriteTime),
		strconv.Itoa(rec.StableSeconds),
		strconv.Itoa(rec.AttemptCount),
	}, ";")
}

// ParseLine parses a record line. Four-field lines predate the attempt counter
// and load with AttemptCount 0.
func ParseLine(line string) (string, Record, error) {
	fields := strings.Split(line, ";")
	if len(fields) != 4 && len(fields) != 5 {
		return "", Record{}, fmt.Errorf("expected 4 or 5 fields, got %d", len(fields))
	}

	name := fields[0]
	if name == "" {
		return "", Record{}, errors.New("empty file name")
	}

	var rec Record
	var err error
	if rec.LastSyncWriteTime, err = parseTime(fields[1]); err != nil {
		return "", Record{}, fmt.Errorf("last sync time: %w", err)
	}
	if rec.CandidateWriteTime, err = parseTime(fields[2]); err != nil {
		return "", Record{}, fmt.Errorf("candidate time: %w", err)
	}
	if rec.StableSeconds, err = strconv.Atoi(fields[3]); err != nil {
		return "", Record{}, fmt.Errorf("stable seconds: %w", err)
	}
	if len(fields) == 5 {
		if rec.AttemptCount, err = strconv.Atoi(fields[4]); err != nil {
			return "", Record{}, fmt.Errorf("attempt count: %w", err)
		}
		if rec.AttemptCount < 0 {
			return "", Record{}, fmt.Errorf("attempt count: negative value %d", rec.AttemptCount)
		}
	}
	return name, rec, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return time.Time{}.Format(TimeLayout)
	}
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	if t.IsZero() {
		return time.Time{}, nil
	}
	return t, nil
}
