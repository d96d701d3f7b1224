// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package ltem drives the terrestrial LTE-M device family (Nordic
// Thingy:91 X class modems): a short bring-up sequence, a bound UDP socket
// for uplink, and a connection-status-driven receive path.
//
// The AT command strings below are reproduced byte-for-byte from the
// device's serial LTE modem firmware documentation; its parser is strict
// about exact forms.
package ltem

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/finchWro/groundlink/engine"
	"github.com/finchWro/groundlink/internal/config"
	"github.com/finchWro/groundlink/profile"
)

// Sentinel bring-up failures.
var (
	ErrNoResponse    = errors.New("ltem: device not responding")
	ErrNotRegistered = errors.New("ltem: not registered on network")
)

// Profile drives a Nordic-style LTE-M modem shell.
type Profile struct {
	cfg config.Config
	log *slog.Logger
}

// New creates an LTE-M driver using cfg for endpoint/port/filter values.
func New(cfg config.Config, opts ...Option) *Profile {
	p := &Profile{cfg: cfg}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Option configures a Profile built by New.
type Option func(*Profile)

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Profile) { p.log = l }
}

// Identify implements profile.Profile.
func (p *Profile) Identify() profile.Identity {
	return profile.Identity{
		Name:         "Nordic Thingy:91 X",
		Manufacturer: "Nordic Semiconductor",
		FamilyTag:    "nordic_thingy91x",
	}
}

// Connect implements profile.Profile: a bare AT presence probe.
func (p *Profile) Connect(ctx context.Context, eng *engine.Engine) error {
	ok, _, err := eng.SendCommand(ctx, "", nil, 5*time.Second)
	if err != nil {
		return profile.Stage("connect", err)
	}
	if !ok {
		return profile.Stage("connect", ErrNoResponse)
	}
	return nil
}

// InitNetwork implements profile.Profile: radio off, registration and
// connection-status URCs on, LTE-M system mode, radio on, then wait for
// network registration.
func (p *Profile) InitNetwork(ctx context.Context, eng *engine.Engine) error {
	steps := []string{
		"+CFUN=0",
		"+CEREG=5",
		"+CSCON=1",
		"%XSYSTEMMODE=1,0,1,0",
	}
	for _, cmd := range steps {
		if ok, _, err := eng.SendCommand(ctx, cmd, nil, 10*time.Second); err != nil || !ok {
			return profile.Stage("init_network", errOrDefault(err, ErrNoResponse))
		}
	}
	// Registration can be announced the moment the radio comes up, so the
	// +CEREG subscription opens before the radio-on command is issued.
	regCh := make(chan string, 8)
	tok := eng.Subscribe("+CEREG:", func(line string) {
		select {
		case regCh <- line:
		default:
		}
	})
	defer eng.Unsubscribe(tok)

	if ok, _, err := eng.SendCommand(ctx, "+CFUN=1", nil, 10*time.Second); err != nil || !ok {
		return profile.Stage("init_network", errOrDefault(err, ErrNoResponse))
	}

	if err := p.awaitRegistered(ctx, regCh, 120*time.Second); err != nil {
		return profile.Stage("init_network", err)
	}
	return nil
}

// awaitRegistered drains regCh until a registered stat is reported, or the
// deadline passes. Intermediate stats (searching, denied) within the
// window are skipped, not treated as failure.
func (p *Profile) awaitRegistered(ctx context.Context, regCh <-chan string, deadline time.Duration) error {
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case line := <-regCh:
			if reg, parsed := p.ParseRegistrationURC(line); parsed && reg.Registered() {
				return nil
			}
		case <-timer.C:
			return ErrNotRegistered
		case <-ctx.Done():
			return ErrNotRegistered
		}
	}
}

// ConfigurePDP implements profile.Profile.
func (p *Profile) ConfigurePDP(ctx context.Context, eng *engine.Engine) error {
	cmd := `+CGDCONT=1,"IP","soracom.io"`
	ok, _, err := eng.SendCommand(ctx, cmd, nil, 10*time.Second)
	if err != nil || !ok {
		return profile.Stage("configure_pdp", errOrDefault(err, errors.New("ltem: PDP reject")))
	}
	return nil
}

// OpenUDP implements profile.Profile: a client UDP socket.
func (p *Profile) OpenUDP(ctx context.Context, eng *engine.Engine) error {
	ok, _, err := eng.SendCommand(ctx, "#XSOCKET=1,2,0", nil, 10*time.Second)
	if err != nil || !ok {
		return profile.Stage("open_udp", errOrDefault(err, errors.New("ltem: socket reject")))
	}
	return nil
}

// BindUDP implements profile.Profile.
func (p *Profile) BindUDP(ctx context.Context, eng *engine.Engine, port int) error {
	ok, _, err := eng.SendCommand(ctx, fmt.Sprintf("#XBIND=%d", port), nil, 10*time.Second)
	if err != nil || !ok {
		return profile.Stage("bind_udp", errOrDefault(err, errors.New("ltem: bind reject")))
	}
	return nil
}

// SubscribeSignal implements profile.Profile: enables %CESQ notifications.
func (p *Profile) SubscribeSignal(ctx context.Context, eng *engine.Engine) error {
	ok, _, err := eng.SendCommand(ctx, "%CESQ=1", nil, 10*time.Second)
	if err != nil || !ok {
		return profile.Stage("subscribe_signal", errOrDefault(err, errors.New("ltem: reject")))
	}
	return nil
}

// SendPayload implements profile.Profile: a single #XSENDTO datagram to the
// configured harvest endpoint. A reply carrying a #XSENDTO: size confirms
// the send, but a bare OK with no #XSENDTO: line is still treated as
// success, matching the observed firmware behavior.
func (p *Profile) SendPayload(ctx context.Context, eng *engine.Engine, text string) error {
	cmd := fmt.Sprintf(`#XSENDTO="%s",%d,"%s"`, p.cfg.HarvestEndpoint, p.cfg.HarvestPort, text)
	ok, _, err := eng.SendCommand(ctx, cmd, nil, 30*time.Second)
	if err != nil {
		return profile.Stage("send", err)
	}
	if !ok {
		return profile.Stage("send", errors.New("ltem: send ack timeout"))
	}
	return nil
}

// SetupReceive implements profile.Profile: arms a "+CSCON: 1" subscription
// that, on each match, spawns a worker to issue AT#XRECVFROM and deliver
// any payload passing the IP filter to sink.
//
// The handler only spawns the worker and returns; it must never call
// SendCommand synchronously on the reader goroutine.
func (p *Profile) SetupReceive(ctx context.Context, eng *engine.Engine, port int, sink profile.ReceiveSink) error {
	bufSize := p.cfg.UDPBufferSize
	ipFilter := p.cfg.IPFilter

	eng.Subscribe("+CSCON: 1", func(line string) {
		go p.receiveOnce(ctx, eng, bufSize, ipFilter, sink)
	})
	return nil
}

// receiveOnce issues AT#XRECVFROM on its own goroutine (never the reader)
// and, if the source IP clears the filter, delivers the payload.
func (p *Profile) receiveOnce(ctx context.Context, eng *engine.Engine, bufSize int, ipFilter string, sink profile.ReceiveSink) {
	ok, lines, err := eng.SendCommand(ctx, fmt.Sprintf("#XRECVFROM=%d", bufSize), nil, 10*time.Second)
	if err != nil || !ok {
		if p.log != nil {
			p.log.Debug("recvfrom failed", "err", err)
		}
		return
	}
	for i, l := range lines {
		m := xrecvfromRe.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		ip := m[2]
		portNum, _ := strconv.Atoi(m[3])
		if i+1 >= len(lines) {
			return
		}
		// The payload rides on the line after the #XRECVFROM: header.
		payload := lines[i+1]
		if payload == "OK" || payload == "ERROR" {
			return
		}
		if ip != ipFilter {
			if p.log != nil {
				p.log.Debug("dropping message, source IP filtered", "src", ip)
			}
			return
		}
		sink(profile.ReceivedMessage{SourceIP: ip, SourcePort: portNum, Payload: payload})
		return
	}
}

var xrecvfromRe = regexp.MustCompile(`#XRECVFROM:\s*(\d+),"([^"]+)",(\d+)`)

var cesqRe = regexp.MustCompile(`%CESQ:\s*(\d+),(\d+),(\d+),(\d+)`)
var ceregRe = regexp.MustCompile(`\+CEREG:\s*(\d+)`)

// ParseSignalURC implements profile.Profile: parses a %CESQ notification.
// The raw RSRP index converts to dBm as raw-141; index 255 means the modem
// has no measurement, reported as an absent RSRP rather than a value.
func (p *Profile) ParseSignalURC(line string) (profile.SignalSample, bool) {
	m := cesqRe.FindStringSubmatch(line)
	if m == nil {
		return profile.SignalSample{}, false
	}
	raw, _ := strconv.Atoi(m[1])
	rsrq, _ := strconv.Atoi(m[2])
	snr, _ := strconv.Atoi(m[3])
	rssi, _ := strconv.Atoi(m[4])
	sample := profile.SignalSample{RSRQ: &rsrq, SINR: &snr, RSSI: &rssi}
	if raw != 255 {
		dbm := raw - 141
		sample.RSRPdBm = &dbm
	}
	return sample, true
}

// ParseRegistrationURC implements profile.Profile.
func (p *Profile) ParseRegistrationURC(line string) (profile.Registration, bool) {
	m := ceregRe.FindStringSubmatch(line)
	if m == nil {
		return profile.Registration{}, false
	}
	stat, _ := strconv.Atoi(m[1])
	return profile.Registration{Stat: stat}, true
}

// ParseLocationURC implements profile.Profile: this family has no GNSS.
func (p *Profile) ParseLocationURC(line string) (profile.Fix, bool) {
	return profile.Fix{}, false
}

// Location implements profile.Profile: this family has no GNSS.
func (p *Profile) Location() (profile.Fix, bool) {
	return profile.Fix{}, false
}

func errOrDefault(err, def error) error {
	if err != nil {
		return err
	}
	return def
}
