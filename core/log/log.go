// Package log provides the process-wide logging backend used by every
// package in this module, built on gopkg.in/op/go-logging.v1.
package log

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

type discardCloser struct {
	io.Writer
}

func (discardCloser) Close() error { return nil }

// Backend is a leveled logging backend shared by every per-module logger.
type Backend struct {
	logging.LeveledBackend
	sync.RWMutex

	backend logging.LeveledBackend
	w       io.WriteCloser

	file  string
	level string
}

// Log implements the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.backend.Log(level, calldepth, record)
}

// GetLevel implements the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.backend.GetLevel(module)
}

// SetLevel implements the logging.Leveled interface.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.backend.SetLevel(level, module)
}

// IsEnabledFor implements the logging.Leveled interface.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.backend.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger backed by this Backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

var (
	defaultOnce    sync.Once
	defaultBackend *Backend
)

// GetLogger returns a per-module logger backed by the process-wide
// default backend (stdout, NOTICE level), for packages that have not
// been wired to a custom Backend via New.
func GetLogger(module string) *logging.Logger {
	defaultOnce.Do(func() {
		b, err := New("", "", false)
		if err != nil {
			panic(err)
		}
		defaultBackend = b
	})
	return defaultBackend.GetLogger(module)
}

// New initializes a logging backend writing to file at the given level,
// or to stdout if file is empty. If disable is true, all output is
// discarded but the per-module level machinery still works.
func New(file, level string, disable bool) (*Backend, error) {
	b := &Backend{file: file, level: level}
	if err := b.open(disable); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) open(disable bool) error {
	lvl, err := levelFromString(b.level)
	if err != nil {
		return err
	}

	switch {
	case disable:
		b.w = discardCloser{ioutil.Discard}
	case b.file == "":
		b.w = os.Stdout
	default:
		const mode = 0600
		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, mode)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %w", err)
		}
		b.w = f
	}

	fmtr := logging.MustStringFormatter("%{time:15:04:05.000} %{level:.4s} %{module}: %{message}")
	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, fmtr)
	b.backend = logging.AddModuleLevel(formatted)
	b.backend.SetLevel(lvl, "")
	return nil
}

// Rotate closes and reopens the underlying log file, for use from a
// SIGHUP-style log rotation hook.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()
	if c, ok := b.w.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return b.open(false)
}

func levelFromString(level string) (logging.Level, error) {
	switch strings.ToUpper(level) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	case "":
		return logging.NOTICE, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level %q", level)
	}
}
