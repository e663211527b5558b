// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package logging sets up where the proxy log goes: a console writer that
// highlights warnings and errors, and optionally a rotated log file.
package logging

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/ansiterm"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/lumberjack/v2"
)

const (
	consoleWriterName = "console"
	fileWriterName    = "file"

	// Banner starts every run in the log file.
	Banner = "Jetstream Proxy"

	logFileMaxSize    = 100 // megabytes
	logFileMaxBackups = 2
)

// Config describes where to log.
type Config struct {
	// Context is configured; the default context is used when nil.
	Context *loggo.Context

	// Spec is a loggo configuration string such as "<root>=INFO".
	Spec string

	// Console receives coloured output when it is a terminal.
	Console io.Writer

	// LogFile, when set, receives a plain copy of the log.
	LogFile string

	Clock clock.Clock
}

// Configure installs the writers and levels described by config. The
// returned closer releases the log file.
func Configure(config Config) (io.Closer, error) {
	ctx := config.Context
	if ctx == nil {
		ctx = loggo.DefaultContext()
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}
	if config.Spec != "" {
		if err := ctx.ConfigureLoggers(config.Spec); err != nil {
			return nil, errors.NewNotValid(err, "logging config")
		}
	}

	if config.Console != nil {
		_, _ = ctx.RemoveWriter(loggo.DefaultWriterName)
		_, _ = ctx.RemoveWriter(consoleWriterName)
		if err := ctx.AddWriter(consoleWriterName, NewConsoleWriter(config.Console)); err != nil {
			return nil, errors.Annotate(err, "adding console writer")
		}
	}

	if config.LogFile == "" {
		return nopCloser{}, nil
	}
	file := &lumberjack.Logger{
		Filename:   config.LogFile,
		MaxSize:    logFileMaxSize,
		MaxBackups: logFileMaxBackups,
		Compress:   true,
	}
	banner := fmt.Sprintf("\n%s\nStarted at %s\n", Banner, config.Clock.Now().Format(time.RFC3339))
	if _, err := io.WriteString(file, banner); err != nil {
		_ = file.Close()
		return nil, errors.Annotatef(err, "writing to log file %q", config.LogFile)
	}
	_, _ = ctx.RemoveWriter(fileWriterName)
	if err := ctx.AddWriter(fileWriterName, loggo.NewSimpleWriter(file, loggo.DefaultFormatter)); err != nil {
		_ = file.Close()
		return nil, errors.Annotate(err, "adding file writer")
	}
	return file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var severityColor = map[loggo.Level]*ansiterm.Context{
	loggo.TRACE:   ansiterm.Foreground(ansiterm.Default),
	loggo.DEBUG:   ansiterm.Foreground(ansiterm.Default),
	loggo.INFO:    ansiterm.Foreground(ansiterm.Default),
	loggo.WARNING: ansiterm.Foreground(ansiterm.Yellow),
	loggo.ERROR:   ansiterm.Foreground(ansiterm.Red),
	loggo.CRITICAL: {
		Foreground: ansiterm.White,
		Background: ansiterm.Red,
	},
}

// consoleWriter writes one line per entry, with the message of warnings
// and errors coloured when the output is a terminal.
type consoleWriter struct {
	mu  sync.Mutex
	out *ansiterm.Writer
}

// NewConsoleWriter returns a loggo.Writer for a terminal or a pipe.
func NewConsoleWriter(w io.Writer) loggo.Writer {
	return &consoleWriter{out: ansiterm.NewWriter(w)}
}

// Write is part of the loggo.Writer interface.
func (w *consoleWriter) Write(entry loggo.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	color, ok := severityColor[entry.Level]
	if !ok {
		color = ansiterm.Foreground(ansiterm.Default)
	}
	ts := entry.Timestamp.Format("2006-01-02 15:04:05")
	fmt.Fprintf(w.out, "%s %s %s ", ts, entry.Level, entry.Module)
	color.Fprintf(w.out, "%s", entry.Message)
	fmt.Fprintln(w.out)
}
