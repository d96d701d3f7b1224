// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package engine provides the AT command engine: it multiplexes the
// transport's line stream into solicited command responses and unsolicited
// result codes, serializes outbound commands one at a time, and applies
// per-command deadlines.
//
// Each in-flight command owns its own transaction with its own reply buffer
// and completion signal. A single reader goroutine is the sole writer to
// whichever transaction is active and the sole publisher to the URC
// dispatcher.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"

	"github.com/finchWro/groundlink/urc"
)

var (
	// ErrTransportClosed indicates the underlying transport has closed.
	ErrTransportClosed = errors.New("engine: transport closed")
	// ErrTimeout indicates a command or wait did not complete before its deadline.
	ErrTimeout = errors.New("engine: timeout")
	// ErrBusy indicates the caller declined to wait for the link to free up.
	ErrBusy = errors.New("engine: busy")
)

// RemoteError indicates the modem replied with a line containing "ERROR".
// Line is the first such line.
type RemoteError struct {
	Line string
}

func (e RemoteError) Error() string {
	return "engine: remote error: " + e.Line
}

// DefaultFinals is the final-code set assumed when a caller does not supply
// one: a command completes on any line containing "OK" or "ERROR".
var DefaultFinals = []string{"OK", "ERROR"}

// Transport is the subset of *transport.Transport the engine depends on,
// kept narrow so tests can supply a lightweight fake.
type Transport interface {
	Lines() <-chan string
	Write(cmd string) error
	Closed() <-chan struct{}
}

// Engine multiplexes one transport between at most one in-flight command
// transaction and the URC dispatcher.
type Engine struct {
	tr   Transport
	disp *urc.Dispatcher
	log  *slog.Logger

	// writeSem serializes SendCommand callers: only the goroutine holding
	// the single token may have a transaction in flight.
	writeSem chan struct{}

	mu  sync.Mutex
	txn *transaction // set by the goroutine holding writeSem; appended to by readLoop

	urcPrefixes func(line string) bool

	closed    chan struct{}
	closeOnce sync.Once
}

// transaction is the live state of one in-flight command. lines is written
// by the reader under the engine mutex until done is closed or the engine
// detaches the transaction; after that the issuing goroutine owns it.
type transaction struct {
	finals   []string
	lines    []string
	done     chan struct{}
	ok       bool
	doneOnce sync.Once
}

func (t *transaction) complete(ok bool) {
	t.doneOnce.Do(func() {
		t.ok = ok
		close(t.done)
	})
}

// Option configures an Engine built by New.
type Option func(*Engine)

// WithLogger attaches a structured logger used for debug/diagnostic output,
// including a spew dump of the partial reply buffer on timeout.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine reading lines from tr and routing URCs recognized by
// isURC (see urc.IsKnownPrefix) to disp. The reader goroutine starts
// immediately.
func New(tr Transport, disp *urc.Dispatcher, isURC func(line string) bool, opts ...Option) *Engine {
	e := &Engine{
		tr:          tr,
		disp:        disp,
		writeSem:    make(chan struct{}, 1),
		urcPrefixes: isURC,
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.readLoop()
	return e
}

// Closed returns a channel closed once the engine has shut down, which
// happens when the transport's line channel closes and the reader exits.
func (e *Engine) Closed() <-chan struct{} {
	return e.closed
}

// readLoop is the engine's single reader: the only goroutine that consumes
// transport lines, the only writer to the active transaction's reply
// buffer, and the only publisher to the URC dispatcher.
func (e *Engine) readLoop() {
	defer e.shutdown()
	for line := range e.tr.Lines() {
		e.classify(line)
	}
}

// classify routes one inbound line: a line matching a known URC prefix goes
// to the dispatcher and never the reply buffer; anything else is appended to
// the active transaction's buffer, or discarded if no transaction is active.
// A line carrying one of the transaction's final codes completes it, after
// the append, and detaches it so later stray lines cannot land in a buffer
// the issuing goroutine is already reading.
func (e *Engine) classify(line string) {
	if e.urcPrefixes(line) {
		e.disp.Deliver(line)
		return
	}
	e.mu.Lock()
	t := e.txn
	if t == nil {
		e.mu.Unlock()
		return
	}
	t.lines = append(t.lines, line)
	final := containsFinal(line, t.finals)
	if final {
		e.txn = nil
	}
	e.mu.Unlock()
	if final {
		t.complete(computeOK(t.lines, t.finals))
	}
}

// containsFinal reports whether line contains any of the transaction's
// final-code markers.
func containsFinal(line string, finals []string) bool {
	for _, f := range finals {
		if f != "" && strings.Contains(line, f) {
			return true
		}
	}
	return false
}

// computeOK reproduces the final-code semantics the target firmware is
// driven with: a transaction succeeds if any line contains "OK" (or any
// configured non-ERROR final), unless any line contains "ERROR", which
// always wins. This is a known loose matcher: a payload line that happens
// to contain the substring "OK" can complete a command as successful.
// Tightening it would require knowing every non-final response line each
// command can produce, which the firmware does not document.
func computeOK(lines, finals []string) bool {
	ok := false
	for _, l := range lines {
		if strings.Contains(l, "OK") {
			ok = true
		}
		for _, f := range finals {
			if f != "ERROR" && f != "" && strings.Contains(l, f) {
				ok = true
			}
		}
	}
	for _, l := range lines {
		if strings.Contains(l, "ERROR") {
			return false
		}
	}
	return ok
}

// SendCommand issues "AT"+text to the modem and waits for completion,
// applying finals (or DefaultFinals if nil) and deadline. text excludes the
// leading "AT" prefix, which SendCommand adds itself (callers write "Z", not
// "ATZ"). At most one command may be in flight at a time; a concurrent
// caller blocks until the link is free, unless ctx is done first, in which
// case ErrBusy is returned without ever writing to the transport.
func (e *Engine) SendCommand(ctx context.Context, text string, finals []string, deadline time.Duration) (bool, []string, error) {
	if finals == nil {
		finals = DefaultFinals
	}
	select {
	case e.writeSem <- struct{}{}:
	case <-ctx.Done():
		return false, nil, ErrBusy
	case <-e.closed:
		return false, nil, ErrTransportClosed
	}
	defer func() { <-e.writeSem }()

	t := &transaction{finals: finals, done: make(chan struct{})}
	e.mu.Lock()
	e.txn = t
	e.mu.Unlock()

	if err := e.tr.Write("AT" + text); err != nil {
		e.detach(t)
		return false, nil, errors.WithMessage(ErrTransportClosed, "AT"+text)
	}

	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	select {
	case <-t.done:
		if !t.ok {
			if errLine, found := firstContaining(t.lines, "ERROR"); found {
				return false, t.lines, RemoteError{Line: errLine}
			}
		}
		return t.ok, t.lines, nil
	case <-tctx.Done():
		partial := e.detach(t)
		if e.log != nil {
			e.log.Debug("command timed out", "cmd", text, "partial", spew.Sdump(partial))
		}
		return false, partial, errors.WithMessagef(ErrTimeout, "AT%s", text)
	case <-e.closed:
		return false, e.detach(t), ErrTransportClosed
	}
}

// detach disconnects t from the reader and returns a stable snapshot of its
// reply buffer, safe to hand to the caller while the reader moves on.
func (e *Engine) detach(t *transaction) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txn == t {
		e.txn = nil
	}
	lines := make([]string, len(t.lines))
	copy(lines, t.lines)
	return lines
}

// Subscribe registers handler for lines containing prefix, for the
// lifetime of the session rather than a single wait. Used by profiles that
// must react to a recurring URC (e.g. a "+CSCON: 1" receive trigger)
// instead of waiting for it once.
func (e *Engine) Subscribe(prefix string, handler urc.Handler) urc.Token {
	return e.disp.Subscribe(prefix, handler)
}

// Unsubscribe removes a subscription registered with Subscribe.
func (e *Engine) Unsubscribe(tok urc.Token) {
	e.disp.Unsubscribe(tok)
}

// WaitForURC blocks until a line containing prefix is delivered to the
// dispatcher, or deadline expires.
func (e *Engine) WaitForURC(ctx context.Context, prefix string, deadline time.Duration) (bool, string, error) {
	tctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	lineCh := make(chan string, 1)
	tok := e.disp.Subscribe(prefix, func(line string) {
		select {
		case lineCh <- line:
		default:
		}
	})
	defer e.disp.Unsubscribe(tok)

	select {
	case line := <-lineCh:
		return true, line, nil
	case <-tctx.Done():
		return false, "", errors.WithMessagef(ErrTimeout, "URC %s", prefix)
	case <-e.closed:
		return false, "", ErrTransportClosed
	}
}

// SendCommandThenWaitURC sends text, expecting a prompt OK within
// cmdDeadline, then waits up to overallDeadline (counted from the call, not
// from command completion) for a URC containing urcPrefix. The URC
// subscription is registered before the command is sent and removed on
// every exit path, so a URC arriving before the command's final code is
// never missed.
func (e *Engine) SendCommandThenWaitURC(ctx context.Context, text, urcPrefix string, cmdDeadline, overallDeadline time.Duration) (bool, []string, string, error) {
	lineCh := make(chan string, 1)
	tok := e.disp.Subscribe(urcPrefix, func(line string) {
		select {
		case lineCh <- line:
		default:
		}
	})
	defer e.disp.Unsubscribe(tok)

	tctx, cancel := context.WithTimeout(ctx, overallDeadline)
	defer cancel()

	ok, lines, err := e.SendCommand(ctx, text, nil, cmdDeadline)
	if err != nil {
		return false, lines, "", err
	}
	if !ok {
		return false, lines, "", nil
	}

	select {
	case line := <-lineCh:
		return true, lines, line, nil
	case <-tctx.Done():
		return false, lines, "", errors.WithMessagef(ErrTimeout, "URC %s after AT%s", urcPrefix, text)
	case <-e.closed:
		return false, lines, "", ErrTransportClosed
	}
}

// firstContaining returns the first line containing sub, if any.
func firstContaining(lines []string, sub string) (string, bool) {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return l, true
		}
	}
	return "", false
}

func (e *Engine) shutdown() {
	e.closeOnce.Do(func() {
		close(e.closed)
	})
}
