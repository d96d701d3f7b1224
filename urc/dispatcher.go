// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package urc routes unsolicited result code lines to their subscribers.
//
// Subscriptions are matched by substring, not strict prefix, so a
// subscriber can key on content past the prefix (e.g. "+CSCON: 1" inside a
// longer line).
package urc

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/finchWro/groundlink/info"
)

// KnownPrefixes is the closed set of line prefixes that identify an
// unsolicited result code rather than part of a command reply. It covers
// both device families' URC vocabularies. Entries omit the trailing colon:
// info.HasPrefix supplies it.
var KnownPrefixes = []string{
	"+CEREG",
	"+CSCON",
	"%CESQ",
	"%SOCKETEV",
	"%SOCKETCMD",
	"%BOOTEV",
	"%IGNSSEVU",
	"%NOTIFYEV",
	"%MEAS",
	"%PINGCMD",
}

// IsKnownPrefix reports whether line begins with one of KnownPrefixes,
// classifying it as a URC rather than command-reply content.
func IsKnownPrefix(line string) bool {
	for _, p := range KnownPrefixes {
		if info.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Handler processes one matched URC line. Handlers run synchronously on the
// caller of Deliver (the engine's single reader goroutine) and must not
// block on further reader progress; a handler that needs to issue a command
// must hand off to its own goroutine and return.
type Handler func(line string)

// Token identifies a subscription for later removal via Unsubscribe.
type Token uint64

type subscription struct {
	token   Token
	prefix  string
	handler Handler
}

// Dispatcher fans matched lines out to zero or more subscribers.
//
// Deliver takes a snapshot of the subscriber list before invoking any
// handler. Subscriptions added during a Deliver call are only visible to
// later calls; subscriptions removed during a Deliver call are guaranteed
// not to be invoked again for lines delivered afterwards. This makes
// Unsubscribe safe to call from inside a handler, including a handler
// unsubscribing itself.
type Dispatcher struct {
	mu   sync.Mutex
	subs []subscription
	next Token
	log  *slog.Logger
}

// New creates an empty Dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Option configures a Dispatcher built by New.
type Option func(*Dispatcher)

// WithLogger attaches a logger used to report handler panics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

// Subscribe registers handler to be invoked for every line containing
// prefix. Multiple subscriptions may share a prefix; all matching
// subscriptions are invoked for a given line.
func (d *Dispatcher) Subscribe(prefix string, handler Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	tok := d.next
	d.subs = append(d.subs, subscription{token: tok, prefix: prefix, handler: handler})
	return tok
}

// Unsubscribe removes the subscription identified by token, if any. It is
// safe to call from within a handler, including the handler being removed.
func (d *Dispatcher) Unsubscribe(token Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.subs {
		if s.token == token {
			// Copy rather than mutate in place: a Deliver in progress holds
			// its own snapshot taken before this call, so this is only about
			// not leaking the removed handler's closure, not about safety.
			subs := make([]subscription, 0, len(d.subs)-1)
			subs = append(subs, d.subs[:i]...)
			subs = append(subs, d.subs[i+1:]...)
			d.subs = subs
			return
		}
	}
}

// Deliver routes line to every subscription whose prefix it contains.
func (d *Dispatcher) Deliver(line string) {
	d.mu.Lock()
	snapshot := make([]subscription, len(d.subs))
	copy(snapshot, d.subs)
	d.mu.Unlock()

	for _, s := range snapshot {
		if !strings.Contains(line, s.prefix) {
			continue
		}
		d.invoke(s, line)
	}
}

// invoke runs a single handler, recovering from and logging any panic so a
// misbehaving subscriber can never kill the reader goroutine.
func (d *Dispatcher) invoke(s subscription, line string) {
	defer func() {
		if r := recover(); r != nil {
			if d.log != nil {
				d.log.Error("urc handler panicked", "prefix", s.prefix, "line", line, "recover", r)
			}
		}
	}()
	s.handler(line)
}

// Len reports the number of currently active subscriptions. Intended for
// tests and diagnostics.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}
