// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package ntn drives the NTN device family (Murata Type 1SC-NTN class
// modems with embedded GNSS): a long persisted-config bring-up with two
// reboots, a best-effort GNSS fix, a LISTEN socket for downlink, and
// hex-framed socket data.
//
// The AT command strings and URC patterns below are reproduced
// byte-for-byte from the module's AT reference; its parser is strict about
// exact forms.
package ntn

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/finchWro/groundlink/engine"
	"github.com/finchWro/groundlink/internal/config"
	"github.com/finchWro/groundlink/location"
	"github.com/finchWro/groundlink/profile"
)

// Sentinel bring-up failures.
var (
	ErrSIMNotReady   = errors.New("ntn: SIM not ready")
	ErrBootTimeout   = errors.New("ntn: boot event not observed")
	ErrNotRegistered = errors.New("ntn: not registered on NTN network")
	ErrPingFailed    = errors.New("ntn: PDP ping verification failed")
	ErrSocketReject  = errors.New("ntn: socket command rejected")
)

// Profile drives a Murata Type 1SC-NTN modem shell.
type Profile struct {
	cfg config.Config
	log *slog.Logger

	mu           sync.Mutex
	fix          profile.Fix
	haveFix      bool
	locationSent bool
	recvSocketID int
}

// New creates an NTN driver using cfg for endpoint/port/band values.
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
		Name:         "Murata Type 1SC-NTN",
		Manufacturer: "Murata",
		FamilyTag:    "murata_type1sc_ntng",
	}
}

// Connect implements profile.Profile: ATZ, then wait for %BOOTEV:0.
func (p *Profile) Connect(ctx context.Context, eng *engine.Engine) error {
	if err := p.reboot(ctx, eng); err != nil {
		return profile.Stage("connect", err)
	}
	return nil
}

// InitNetwork implements profile.Profile: the full NTN bring-up. Persisted
// configuration is applied across two reboots, the SIM is switched to its
// NTN profile, the NTN RAT image is selected and activated, and GNSS is
// cycled for a fix before the radio comes up. A GNSS fix timeout is logged
// and does not fail bring-up; the session simply carries no location.
func (p *Profile) InitNetwork(ctx context.Context, eng *engine.Engine) error {
	ok, _, err := eng.SendCommand(ctx, "+CPIN?", nil, 10*time.Second)
	if err != nil {
		return profile.Stage("init_network", err)
	}
	if !ok {
		return profile.Stage("init_network", ErrSIMNotReady)
	}

	fireAndForget(ctx, eng, p.log,
		`%SETACFG="manager.urcBootEv.enabled","true"`,
		`%SETCFG="SIM_INIT_SELECT_POLICY","0"`,
	)

	if err := p.reboot(ctx, eng); err != nil {
		return profile.Stage("init_network", err)
	}

	fireAndForget(ctx, eng, p.log,
		`%SETACFG="radiom.config.multi_rat_enable","true"`,
		`%SETACFG="radiom.config.preferred_rat_list","none"`,
		`%SETACFG="radiom.config.auto_preference_mode","none"`,
		`%SETACFG="locsrv.operation.locsrv_enable","true"`,
		`%SETACFG="locsrv.internal_gnss.auto_restart","enable"`,
		`%SETACFG="modem_apps.Mode.AutoConnectMode","true"`,
	)

	if err := p.reboot(ctx, eng); err != nil {
		return profile.Stage("init_network", err)
	}

	fireAndForget(ctx, eng, p.log,
		`+CSIM=52,"80C2000015D613190103820282811B0100130799F08900010001"`,
		"%RATIMGSEL=2",
		`%RATACT="NBNTN","1"`,
		fmt.Sprintf(`%%SETCFG="BAND","%s"`, p.cfg.NTNBand),
		"+CFUN=0",
		`%IGNSSEV="FIX",1`,
		`%NOTIFYEV="SIB31",1`,
		"%IGNSSACT=0",
		"%IGNSSACT=1",
	)

	gnssOK, gnssLine, err := eng.WaitForURC(ctx, `%IGNSSEVU:"FIX"`, 300*time.Second)
	switch {
	case gnssOK:
		p.ParseLocationURC(gnssLine)
	case err != nil && !errors.Is(err, engine.ErrTimeout):
		return profile.Stage("init_network", err)
	default:
		if p.log != nil {
			p.log.Warn("GNSS fix timeout, continuing without location")
		}
	}

	// Registration can be announced any time after radio-on, including
	// while we are still waiting on satellite detection, so the +CEREG
	// subscription opens before the radio-on command is issued.
	regCh := make(chan string, 8)
	tok := eng.Subscribe("+CEREG:", func(line string) {
		select {
		case regCh <- line:
		default:
		}
	})
	defer eng.Unsubscribe(tok)

	fireAndForget(ctx, eng, p.log, "+CEREG=2", "+CFUN=1")

	// SIB31 (satellite detection) is best-effort: its absence does not stop
	// registration.
	_, _, _ = eng.WaitForURC(ctx, `%NOTIFYEV: "SIB31"`, 120*time.Second)

	if err := p.awaitRegistered(ctx, regCh, 120*time.Second); err != nil {
		return profile.Stage("init_network", err)
	}
	return nil
}

// awaitRegistered drains regCh until a registered stat is reported, or the
// deadline passes. Intermediate stats within the window are skipped.
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

func (p *Profile) reboot(ctx context.Context, eng *engine.Engine) error {
	ok, _, _, err := eng.SendCommandThenWaitURC(ctx, "Z", "%BOOTEV:0", 10*time.Second, 30*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBootTimeout
	}
	return nil
}

// fireAndForget issues a sequence of commands without branching on their
// individual results. The persisted-config steps are tolerated failing on
// firmware that has them already applied; a failure is logged and the
// sequence continues.
func fireAndForget(ctx context.Context, eng *engine.Engine, log *slog.Logger, cmds ...string) {
	for _, cmd := range cmds {
		if _, _, err := eng.SendCommand(ctx, cmd, nil, 10*time.Second); err != nil && log != nil {
			log.Debug("config command failed, continuing", "cmd", cmd, "err", err)
		}
	}
}

// ConfigurePDP implements profile.Profile: PDP context plus a ping of the
// harvest gateway to verify the context actually routes.
func (p *Profile) ConfigurePDP(ctx context.Context, eng *engine.Engine) error {
	if _, _, err := eng.SendCommand(ctx, `+CGDCONT=1,"IP","soracom.io"`, nil, 10*time.Second); err != nil {
		return profile.Stage("configure_pdp", err)
	}

	ok, _, _, err := eng.SendCommandThenWaitURC(ctx,
		`%PINGCMD=0,"100.127.100.127",1,50,30`, "%PINGCMD:",
		30*time.Second, 60*time.Second)
	if err != nil {
		return profile.Stage("configure_pdp", err)
	}
	if !ok {
		return profile.Stage("configure_pdp", ErrPingFailed)
	}
	return nil
}

// OpenUDP implements profile.Profile: enables socket events then allocates
// and activates the uplink UDP socket.
func (p *Profile) OpenUDP(ctx context.Context, eng *engine.Engine) error {
	if _, _, err := eng.SendCommand(ctx, "%SOCKETEV=0,1", nil, 10*time.Second); err != nil {
		return profile.Stage("open_udp", err)
	}

	allocate := fmt.Sprintf(`%%SOCKETCMD="ALLOCATE",1,"UDP","OPEN","%s",%d`, p.cfg.HarvestEndpoint, p.cfg.HarvestPort)
	ok, _, err := eng.SendCommand(ctx, allocate, nil, 15*time.Second)
	if err != nil || !ok {
		return profile.Stage("open_udp", errOrDefault(err, ErrSocketReject))
	}

	ok, _, err = eng.SendCommand(ctx, `%SOCKETCMD="ACTIVATE",1`, nil, 15*time.Second)
	if err != nil || !ok {
		return profile.Stage("open_udp", errOrDefault(err, ErrSocketReject))
	}
	return nil
}

// BindUDP implements profile.Profile: a no-op for this family, which uses a
// LISTEN socket (SetupReceive) instead of a bound local port.
func (p *Profile) BindUDP(ctx context.Context, eng *engine.Engine, port int) error {
	return nil
}

// SubscribeSignal implements profile.Profile.
func (p *Profile) SubscribeSignal(ctx context.Context, eng *engine.Engine) error {
	ok, _, err := eng.SendCommand(ctx, `%MEAS="8"`, nil, 10*time.Second)
	if err != nil || !ok {
		return profile.Stage("subscribe_signal", errOrDefault(err, errors.New("ntn: reject")))
	}
	return nil
}

// SetupReceive implements profile.Profile: allocates a LISTEN socket, reads
// back the %SOCKETCMD: socket id, activates it, then subscribes to
// %SOCKETEV: to trigger a receive read on each notification.
//
// Some firmware revisions never announce the allocated id with a
// %SOCKETCMD: URC; the id falls back to 1 in that case, matching the
// module's observed behavior.
func (p *Profile) SetupReceive(ctx context.Context, eng *engine.Engine, port int, sink profile.ReceiveSink) error {
	// The id may be announced before ALLOCATE completes, so listen first.
	idCh := make(chan string, 1)
	tok := eng.Subscribe("%SOCKETCMD:", func(line string) {
		select {
		case idCh <- line:
		default:
		}
	})
	defer eng.Unsubscribe(tok)

	allocate := fmt.Sprintf(`%%SOCKETCMD="ALLOCATE",1,"UDP","LISTEN","0.0.0.0",,%d`, port)
	ok, _, err := eng.SendCommand(ctx, allocate, nil, 15*time.Second)
	if err != nil || !ok {
		return profile.Stage("setup_receive", errOrDefault(err, ErrSocketReject))
	}

	socketID := 1
	select {
	case line := <-idCh:
		if m := socketCmdIDRe.FindStringSubmatch(line); m != nil {
			if id, convErr := strconv.Atoi(m[1]); convErr == nil {
				socketID = id
			}
		}
	case <-time.After(15 * time.Second):
	case <-ctx.Done():
	}
	p.mu.Lock()
	p.recvSocketID = socketID
	p.mu.Unlock()

	activate := fmt.Sprintf(`%%SOCKETCMD="ACTIVATE",%d`, socketID)
	ok, _, err = eng.SendCommand(ctx, activate, nil, 15*time.Second)
	if err != nil || !ok {
		return profile.Stage("setup_receive", errOrDefault(err, ErrSocketReject))
	}

	eng.Subscribe("%SOCKETEV:", func(line string) {
		go p.receiveOnce(ctx, eng, sink)
	})
	return nil
}

func (p *Profile) receiveOnce(ctx context.Context, eng *engine.Engine, sink profile.ReceiveSink) {
	p.mu.Lock()
	socketID := p.recvSocketID
	if socketID == 0 {
		socketID = 1
	}
	p.mu.Unlock()

	cmd := fmt.Sprintf(`%%SOCKETDATA="RECEIVE",%d,1500`, socketID)
	ok, lines, err := eng.SendCommand(ctx, cmd, nil, 10*time.Second)
	if err != nil || !ok {
		if p.log != nil {
			p.log.Debug("socketdata receive failed", "err", err)
		}
		return
	}
	for _, l := range lines {
		m := socketDataRe.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		rdataHex := m[4]
		srcIP := m[5]
		srcPort, _ := strconv.Atoi(m[6])

		raw, decErr := hex.DecodeString(rdataHex)
		payload := rdataHex
		if decErr == nil {
			payload = string(raw)
		}
		sink(profile.ReceivedMessage{SourceIP: srcIP, SourcePort: srcPort, Payload: payload})
		return
	}
}

var socketDataRe = regexp.MustCompile(`%SOCKETDATA:(\d+),(\d+),(\d+),"([^"]*)",?"?([^",]*)"?,?(\d*)`)
var socketCmdIDRe = regexp.MustCompile(`%SOCKETCMD:(\d+)`)
var measRe = regexp.MustCompile(`RSRP=\s*(-?\d+).*RSRQ=\s*(-?\d+).*SINR=\s*(-?\d+).*RSSI=\s*(-?\d+)`)
var ceregRe = regexp.MustCompile(`\+?CEREG:\s*(\d+)`)
var gnssFixRe = regexp.MustCompile(`%IGNSSEVU:"FIX",\d+,"[^"]*","[^"]*","([^"]*)","([^"]*)","([^"]*)"`)

// ParseSignalURC implements profile.Profile: parses a %MEAS signal-quality
// notification ("%MEAS:Signal Quality:RSRP=...,RSRQ=...,SINR=...,RSSI=...").
func (p *Profile) ParseSignalURC(line string) (profile.SignalSample, bool) {
	m := measRe.FindStringSubmatch(line)
	if m == nil {
		return profile.SignalSample{}, false
	}
	rsrp, _ := strconv.Atoi(m[1])
	rsrq, _ := strconv.Atoi(m[2])
	sinr, _ := strconv.Atoi(m[3])
	rssi, _ := strconv.Atoi(m[4])
	return profile.SignalSample{RSRPdBm: &rsrp, RSRQ: &rsrq, SINR: &sinr, RSSI: &rssi}, true
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

// parseGNSSFix parses a %IGNSSEVU:"FIX" notification's latitude/longitude
// fields. The third quoted field after date/time is altitude, then
// latitude, then longitude.
func parseGNSSFix(line string) (profile.Fix, bool) {
	m := gnssFixRe.FindStringSubmatch(line)
	if m == nil {
		return profile.Fix{}, false
	}
	lat, err1 := strconv.ParseFloat(m[2], 64)
	lon, err2 := strconv.ParseFloat(m[3], 64)
	if err1 != nil || err2 != nil {
		return profile.Fix{}, false
	}
	return profile.Fix{Latitude: lat, Longitude: lon}, true
}

// ParseLocationURC implements profile.Profile: parses a %IGNSSEVU:"FIX"
// notification and records it as the profile's current fix. A fix recorded
// before the location prelude has gone out is what the next SendPayload
// prepends; once it has gone out, later fixes are stored but not sent.
func (p *Profile) ParseLocationURC(line string) (profile.Fix, bool) {
	fix, ok := parseGNSSFix(line)
	if !ok {
		return profile.Fix{}, false
	}
	p.mu.Lock()
	p.fix = fix
	p.haveFix = true
	p.mu.Unlock()
	return fix, true
}

// Location implements profile.Profile.
func (p *Profile) Location() (profile.Fix, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fix, p.haveFix
}

// SendPayload implements profile.Profile: before the first payload of the
// session, an acquired GNSS fix is sent ahead as a Location Message, then
// the requested text, both hex-framed over %SOCKETDATA. The location
// prelude happens at most once per session.
func (p *Profile) SendPayload(ctx context.Context, eng *engine.Engine, text string) error {
	p.mu.Lock()
	needsLocation := !p.locationSent && p.haveFix
	fix := p.fix
	p.mu.Unlock()

	if needsLocation {
		loc := location.New(fmt.Sprintf("%f", fix.Latitude), fmt.Sprintf("%f", fix.Longitude))
		wire, err := loc.Encode()
		if err != nil {
			return profile.Stage("send", err)
		}
		if err := p.sendHex(ctx, eng, wire); err != nil {
			return profile.Stage("send", err)
		}
		p.mu.Lock()
		p.locationSent = true
		p.mu.Unlock()
	}

	return profile.Stage("send", p.sendHex(ctx, eng, text))
}

// sendHex frames data for %SOCKETDATA: the size field is the unencoded
// byte length, the data field its uppercase hex form. The send is confirmed
// by a %SOCKETEV:1,1 socket event.
func (p *Profile) sendHex(ctx context.Context, eng *engine.Engine, data string) error {
	hexData := strings.ToUpper(hex.EncodeToString([]byte(data)))
	cmd := fmt.Sprintf(`%%SOCKETDATA="SEND",1,%d,"%s"`, len(data), hexData)
	ok, _, _, err := eng.SendCommandThenWaitURC(ctx, cmd, "%SOCKETEV:1,1", 30*time.Second, 30*time.Second)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("ntn: send ack timeout")
	}
	return nil
}

func errOrDefault(err, def error) error {
	if err != nil {
		return err
	}
	return def
}
