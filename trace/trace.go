// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package trace provides a decorator for io.ReadWriteCloser that logs all
// reads and writes, for diagnosing a device's AT command traffic without
// instrumenting the engine itself.
package trace

import (
	"encoding/hex"
	"io"
	"log/slog"
)

// Trace is a trace log on an io.ReadWriteCloser. All reads and writes are
// reported to the logger before being passed through unchanged.
type Trace struct {
	rw  io.ReadWriteCloser
	log *slog.Logger
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriteCloser. With no options, it is
// a transparent pass-through.
func New(rw io.ReadWriteCloser, opts ...Option) *Trace {
	t := &Trace{rw: rw}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WithLogger sets the logger reads and writes are reported through.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trace) {
		t.log = l
	}
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 && t.log != nil {
		t.log.Debug("trace", "dir", "rx", "hex", hex.EncodeToString(p[:n]))
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 && t.log != nil {
		t.log.Debug("trace", "dir", "tx", "hex", hex.EncodeToString(p[:n]))
	}
	return n, err
}

// Close closes the underlying device.
func (t *Trace) Close() error {
	return t.rw.Close()
}
