// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package session provides the session orchestrator: it owns one engine
// and one device profile, drives the profile's bring-up sequence on a
// background worker, and fans out classified URCs to presentation sinks.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/finchWro/groundlink/engine"
	"github.com/finchWro/groundlink/internal/config"
	"github.com/finchWro/groundlink/profile"
	"github.com/finchWro/groundlink/profile/ltem"
	"github.com/finchWro/groundlink/profile/ntn"
	"github.com/finchWro/groundlink/transport"
	"github.com/finchWro/groundlink/urc"
)

// ErrNotConnected is returned by Send when the session has no live link.
var ErrNotConnected = errors.New("session: not connected")

// ErrUnsupportedProfile is returned by NewProfile for an unrecognized
// family tag.
var ErrUnsupportedProfile = errors.New("session: unsupported profile")

// NewProfile builds the device profile for familyTag. "nordic_thingy91x"
// and "murata_type1sc_ntng" are the only two supported tags.
func NewProfile(familyTag string, cfg config.Config, log *slog.Logger) (profile.Profile, error) {
	switch familyTag {
	case "nordic_thingy91x":
		return ltem.New(cfg, ltem.WithLogger(log)), nil
	case "murata_type1sc_ntng":
		return ntn.New(cfg, ntn.WithLogger(log)), nil
	default:
		return nil, errors.WithMessage(ErrUnsupportedProfile, familyTag)
	}
}

// SignalSink receives a parsed signal-quality sample.
type SignalSink func(profile.SignalSample)

// LocationSink receives a parsed GNSS fix.
type LocationSink func(profile.Fix)

// StatusSink receives human-readable bring-up/status strings
// (e.g. "Connected and ready!").
type StatusSink func(string)

// RawSink receives every TX/RX line the transport observes.
type RawSink func(transport.TapLine)

// Session owns one engine/profile pair for the lifetime of one connection.
type Session struct {
	log *slog.Logger

	mu        sync.Mutex
	tr        *transport.Transport
	eng       *engine.Engine
	prof      profile.Profile
	connected bool
	cancel    context.CancelFunc

	receivedSink profile.ReceiveSink
	signalSink   SignalSink
	locationSink LocationSink
	statusSink   StatusSink
	rawSink      RawSink
}

// Option configures a Session built by New.
type Option func(*Session)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// New creates an idle Session with no live connection.
func New(opts ...Option) *Session {
	s := &Session{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnReceived registers the sink for downlink UDP messages.
func (s *Session) OnReceived(sink profile.ReceiveSink) {
	s.mu.Lock()
	s.receivedSink = sink
	s.mu.Unlock()
}

// OnSignal registers the sink for %CESQ:/%MEAS: signal samples.
func (s *Session) OnSignal(sink SignalSink) {
	s.mu.Lock()
	s.signalSink = sink
	s.mu.Unlock()
}

// OnLocation registers the sink for GNSS fixes.
func (s *Session) OnLocation(sink LocationSink) {
	s.mu.Lock()
	s.locationSink = sink
	s.mu.Unlock()
}

// OnStatus registers the sink for bring-up/status strings.
func (s *Session) OnStatus(sink StatusSink) {
	s.mu.Lock()
	s.statusSink = sink
	s.mu.Unlock()
}

// OnRaw registers the sink for every TX/RX line.
func (s *Session) OnRaw(sink RawSink) {
	s.mu.Lock()
	s.rawSink = sink
	s.mu.Unlock()
}

// Connect opens rw as the serial link, builds the engine and dispatcher
// around it, and runs prof's bring-up sequence on a background worker,
// returning immediately. Bring-up progress and outcome are reported
// exclusively through the status sink: Connect itself always returns nil
// once the worker has been started.
func (s *Session) Connect(ctx context.Context, rw io.ReadWriteCloser, prof profile.Profile, cfg config.Config) error {
	s.mu.Lock()
	if s.connected {
		s.mu.Unlock()
		return errors.New("session: already connected")
	}
	bringupCtx, cancel := context.WithCancel(ctx)

	var trOpts []transport.Option
	var engOpts []engine.Option
	if s.log != nil {
		trOpts = append(trOpts, transport.WithLogger(s.log))
		engOpts = append(engOpts, engine.WithLogger(s.log))
	}
	tr := transport.New(rw, trOpts...)
	disp := urc.New()
	eng := engine.New(tr, disp, urc.IsKnownPrefix, engOpts...)

	s.tr = tr
	s.eng = eng
	s.prof = prof
	s.cancel = cancel
	s.mu.Unlock()

	go s.rawForwarder(tr)
	go s.runBringUp(bringupCtx, eng, prof, cfg)
	return nil
}

// rawForwarder drains tr's tap until tr closes. The tap channel itself is
// never closed by Transport, so exit is driven by Closed() instead of range.
func (s *Session) rawForwarder(tr *transport.Transport) {
	for {
		select {
		case tl := <-tr.Tap():
			s.mu.Lock()
			sink := s.rawSink
			s.mu.Unlock()
			if sink != nil {
				sink(tl)
			}
		case <-tr.Closed():
			return
		}
	}
}

// runBringUp executes the profile's bring-up sequence, emitting a status
// string at the start of each stage and tearing the session down to a
// clean disconnected state on any failure.
func (s *Session) runBringUp(ctx context.Context, eng *engine.Engine, prof profile.Profile, cfg config.Config) {
	s.emitStatus(fmt.Sprintf("Connecting to %s...", prof.Identify().Name))

	s.emitStatus("Verifying device connection...")
	if err := prof.Connect(ctx, eng); err != nil {
		s.fail("Device not responding")
		return
	}

	s.emitStatus("Establishing cellular connection...")
	s.subscribeURCs(eng, prof)
	if err := prof.InitNetwork(ctx, eng); err != nil {
		s.fail("Failed to register on cellular network")
		return
	}

	s.emitStatus("Starting signal quality monitoring...")
	if err := prof.SubscribeSignal(ctx, eng); err != nil {
		s.fail("Failed to start signal quality monitoring")
		return
	}

	s.emitStatus("Configuring PDP context...")
	if err := prof.ConfigurePDP(ctx, eng); err != nil {
		s.fail("PDP context configuration failed")
		return
	}

	s.emitStatus("Opening UDP socket...")
	if err := prof.OpenUDP(ctx, eng); err != nil {
		s.fail("Failed to open UDP socket")
		return
	}

	s.emitStatus("Setting up message reception...")
	if err := prof.SetupReceive(ctx, eng, cfg.UDPPort, s.deliverReceived); err != nil {
		s.fail("Failed to enable message reception")
		return
	}
	if err := prof.BindUDP(ctx, eng, cfg.UDPPort); err != nil {
		s.fail("Failed to bind UDP port")
		return
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.emitStatus("Connected and ready!")

	if fix, ok := prof.Location(); ok {
		s.emitStatus(fmt.Sprintf("GPS Location: %f, %f", fix.Latitude, fix.Longitude))
		s.emitLocation(fix)
	}
}

// subscribeURCs wires the persistent signal/registration/location
// forwarding subscriptions, valid for the lifetime of the connection.
func (s *Session) subscribeURCs(eng *engine.Engine, prof profile.Profile) {
	eng.Subscribe("%CESQ:", func(line string) { s.forwardSignal(prof, line) })
	eng.Subscribe("%MEAS:", func(line string) { s.forwardSignal(prof, line) })
	eng.Subscribe(`%IGNSSEVU:"FIX"`, func(line string) { s.forwardLocation(prof, line) })
	eng.Subscribe("+CEREG:", func(line string) { s.forwardRegistration(prof, line) })
}

func (s *Session) forwardSignal(prof profile.Profile, line string) {
	sample, ok := prof.ParseSignalURC(line)
	if !ok {
		return
	}
	s.mu.Lock()
	sink := s.signalSink
	s.mu.Unlock()
	if sink != nil {
		sink(sample)
	}
}

func (s *Session) forwardLocation(prof profile.Profile, line string) {
	fix, ok := prof.ParseLocationURC(line)
	if !ok {
		return
	}
	s.emitLocation(fix)
}

func (s *Session) emitLocation(fix profile.Fix) {
	s.mu.Lock()
	sink := s.locationSink
	s.mu.Unlock()
	if sink != nil {
		sink(fix)
	}
}

// forwardRegistration reports a +CEREG transition: stat {1,5} is a
// "connected" transition (already reflected by s.connected once bring-up
// finishes), stat {0,2,3,4} is reported but does not tear the session
// down.
func (s *Session) forwardRegistration(prof profile.Profile, line string) {
	reg, ok := prof.ParseRegistrationURC(line)
	if !ok {
		return
	}
	if !reg.Registered() {
		s.emitStatus(fmt.Sprintf("Network status changed: stat=%d", reg.Stat))
	}
}

func (s *Session) deliverReceived(msg profile.ReceivedMessage) {
	s.mu.Lock()
	sink := s.receivedSink
	s.mu.Unlock()
	if sink != nil {
		sink(msg)
	}
}

func (s *Session) emitStatus(text string) {
	s.mu.Lock()
	sink := s.statusSink
	s.mu.Unlock()
	if s.log != nil {
		s.log.Info("status", "msg", text)
	}
	if sink != nil {
		sink(text)
	}
}

// fail reports a bring-up failure as "Connection failed: <reason>" and
// tears the link down.
func (s *Session) fail(reason string) {
	if s.log != nil {
		s.log.Error("bring-up failed", "reason", reason)
	}
	s.emitStatus(fmt.Sprintf("Connection failed: %s", reason))
	_ = s.Disconnect()
}

// Send transmits text on the live session. Returns ErrNotConnected without
// touching the transport if the session has not completed bring-up.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	eng, prof := s.eng, s.prof
	s.mu.Unlock()

	return prof.SendPayload(ctx, eng, text)
}

// Disconnect sets the shutdown flag, closes the serial handle, and cancels
// the bring-up worker. Any in-flight wait inside the engine observes the
// transport closing and returns ok=false; no partial state survives into
// the next Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	tr := s.tr
	cancel := s.cancel
	wasConnected := s.connected
	s.connected = false
	s.tr = nil
	s.eng = nil
	s.prof = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if tr == nil {
		return nil
	}
	err := tr.Close()

	select {
	case <-tr.Closed():
	case <-time.After(2 * time.Second):
	}
	if wasConnected {
		s.emitStatus("Disconnected")
	}
	return err
}
