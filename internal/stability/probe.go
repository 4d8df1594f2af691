package stability

import (
	"errors"
	"fmt"
	"os"

	"github.com/gofrs/flock"
)

var (
	// ErrLocked is returned by the probe when another process holds a lock on the file.
	ErrLocked = errors.New("file is locked by another process")

	// ErrUnsupportedName is reported for names the state file cannot store.
	ErrUnsupportedName = errors.New("file name contains ';' or a line break")
)

// FileAccessError means a file could not be opened exclusively and is probably still being written.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("cannot access %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error {
	return e.Err
}

// Prober checks whether a file can be opened exclusively right now.
type Prober func(path string) error

// ProbeExclusive opens the file for writing and takes a non-blocking exclusive lock on it,
// releasing both immediately. Writers that keep the file open with a share-deny handle or
// an advisory lock make it fail.
func ProbeExclusive(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return &FileAccessError{Path: path, Err: err}
	}
	f.Close()

	lock := flock.New(path, flock.SetFlag(os.O_RDWR))
	ok, err := lock.TryLock()
	if err != nil {
		return &FileAccessError{Path: path, Err: err}
	}
	if !ok {
		return &FileAccessError{Path: path, Err: ErrLocked}
	}
	if err := lock.Unlock(); err != nil {
		return &FileAccessError{Path: path, Err: err}
	}
	return nil
}
