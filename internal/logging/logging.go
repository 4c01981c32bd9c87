// Package logging builds the prefixed loggers used across tasksync.
//
// Every component takes a *log.Logger. When a log file is configured the
// output goes to a size-rotated file as well as stderr.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the log output.
type Options struct {
	// File enables rotation into this path. Empty logs to stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Quiet drops the stderr output. With no file, logs are discarded.
	Quiet bool
}

// Factory hands out loggers that share one output.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New opens the shared output. Close releases the log file.
func New(opts Options) *Factory {
	if opts.File == "" {
		if opts.Quiet {
			return &Factory{out: io.Discard}
		}
		return &Factory{out: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	var out io.Writer = rotator
	if !opts.Quiet {
		out = io.MultiWriter(os.Stderr, rotator)
	}
	return &Factory{out: out, closer: rotator}
}

// Logger returns a logger for component, prefixed "[component] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer is the shared output, for libraries that take an io.Writer.
func (f *Factory) Writer() io.Writer {
	return f.out
}

func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
