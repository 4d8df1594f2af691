// Package logging adapts the agent's log sinks to one Logger interface.
//
// The interface is the method set of github.com/kardianos/service.Logger, so the
// service's system logger (Event Log, syslog, or the console when interactive) can
// be passed in directly.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type Logger interface {
	Info(v ...interface{}) error
	Infof(format string, v ...interface{}) error
	Error(v ...interface{}) error
	Errorf(format string, v ...interface{}) error
	Warning(v ...interface{}) error
	Warningf(format string, v ...interface{}) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) Info(v ...interface{}) error                    { return nil }
func (Nop) Infof(format string, v ...interface{}) error    { return nil }
func (Nop) Error(v ...interface{}) error                   { return nil }
func (Nop) Errorf(format string, v ...interface{}) error   { return nil }
func (Nop) Warning(v ...interface{}) error                 { return nil }
func (Nop) Warningf(format string, v ...interface{}) error { return nil }

// Writer logs timestamped, level-tagged lines to w.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, now: time.Now}
}

// NewFile logs to a size-rotated file at path.
func NewFile(path string) (*Writer, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	return NewWriter(rotator), rotator, nil
}

func (l *Writer) write(level, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := fmt.Fprintf(l.w, "%s\t%s\t%s\n", l.now().Format(time.RFC3339), level, msg)
	return err
}

func (l *Writer) Info(v ...interface{}) error { return l.write("INFO", fmt.Sprint(v...)) }
func (l *Writer) Infof(format string, v ...interface{}) error {
	return l.write("INFO", fmt.Sprintf(format, v...))
}
func (l *Writer) Error(v ...interface{}) error { return l.write("ERROR", fmt.Sprint(v...)) }
func (l *Writer) Errorf(format string, v ...interface{}) error {
	return l.write("ERROR", fmt.Sprintf(format, v...))
}
func (l *Writer) Warning(v ...interface{}) error { return l.write("WARN", fmt.Sprint(v...)) }
func (l *Writer) Warningf(format string, v ...interface{}) error {
	return l.write("WARN", fmt.Sprintf(format, v...))
}

type multi []Logger

// Multi sends every line to all loggers and returns the first error.
func Multi(loggers ...Logger) Logger {
	var out multi
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

func (m multi) each(fn func(Logger) error) error {
	var first error
	for _, l := range m {
		if err := fn(l); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) Info(v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Info(v...) })
}
func (m multi) Infof(format string, v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Infof(format, v...) })
}
func (m multi) Error(v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Error(v...) })
}
func (m multi) Errorf(format string, v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Errorf(format, v...) })
}
func (m multi) Warning(v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Warning(v...) })
}
func (m multi) Warningf(format string, v ...interface{}) error {
	return m.each(func(l Logger) error { return l.Warningf(format, v...) })
}

type prefixed struct {
	l      Logger
	prefix string
}

// WithPrefix prepends "[prefix] " to every line.
func WithPrefix(l Logger, prefix string) Logger {
	return prefixed{l: l, prefix: "[" + prefix + "] "}
}

func (p prefixed) Info(v ...interface{}) error { return p.l.Info(p.prefix + fmt.Sprint(v...)) }
func (p prefixed) Infof(format string, v ...interface{}) error {
	return p.l.Info(p.prefix + fmt.Sprintf(format, v...))
}
func (p prefixed) Error(v ...interface{}) error { return p.l.Error(p.prefix + fmt.Sprint(v...)) }
func (p prefixed) Errorf(format string, v ...interface{}) error {
	return p.l.Error(p.prefix + fmt.Sprintf(format, v...))
}
func (p prefixed) Warning(v ...interface{}) error { return p.l.Warning(p.prefix + fmt.Sprint(v...)) }
func (p prefixed) Warningf(format string, v ...interface{}) error {
	return p.l.Warning(p.prefix + fmt.Sprintf(format, v...))
}
