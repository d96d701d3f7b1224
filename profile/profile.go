// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package profile defines the device-profile capability set that every
// supported modem family must implement, plus the shared data types that
// cross the profile boundary: signal samples, registration status, GNSS
// fixes and received messages.
//
// The set of supported families is closed. Each family's internal state is
// heterogeneous (only the NTN family carries a GNSS fix and a sticky
// location-sent flag), so family-specific state lives on the concrete
// types, never in this package.
package profile

import (
	"context"

	"github.com/finchWro/groundlink/engine"
)

// Identity is the static metadata a profile reports about the device it
// drives.
type Identity struct {
	Name         string
	Manufacturer string
	FamilyTag    string
}

// SignalSample is one signal-quality reading. Fields the modem's URC did
// not carry are left nil rather than zeroed, so "unknown" is distinguishable
// from "0".
type SignalSample struct {
	RSRPdBm *int
	RSRQ    *int
	SINR    *int // SINR (NTN) or SNR (LTE-M); same slot either way
	RSSI    *int
}

// Registration is a parsed +CEREG URC.
type Registration struct {
	Stat int
}

// Registered reports whether Stat indicates the device is registered on the
// network: {1,5} are registered, {0,2,3,4} are not/intermediate.
func (r Registration) Registered() bool {
	return r.Stat == 1 || r.Stat == 5
}

// Fix is a GNSS position in decimal degrees. Six-decimal precision is
// preserved at the wire boundary (location package) by carrying the
// coordinates as strings there; float64 here covers numeric use within a
// profile.
type Fix struct {
	Latitude  float64
	Longitude float64
}

// ReceivedMessage is one downlink UDP payload delivered to a session's sink.
type ReceivedMessage struct {
	SourceIP   string
	SourcePort int
	Payload    string
}

// ReceiveSink receives downlink messages as a profile's receive listener
// decodes them off the wire.
type ReceiveSink func(ReceivedMessage)

// Profile is the capability set every device family implements.
//
// Every operation that touches the link takes the *engine.Engine it should
// issue commands through; profiles hold no transport state of their own
// beyond what the session orchestrator needs across calls (e.g. the NTN
// stored Fix and sticky location-sent flag).
type Profile interface {
	// Identify returns static device metadata.
	Identify() Identity

	// Connect performs the initial device presence/boot check.
	Connect(ctx context.Context, eng *engine.Engine) error

	// InitNetwork runs RAT selection/activation through network
	// registration.
	InitNetwork(ctx context.Context, eng *engine.Engine) error

	// ConfigurePDP brings up the PDP context (and, for the NTN family,
	// verifies it with a ping).
	ConfigurePDP(ctx context.Context, eng *engine.Engine) error

	// OpenUDP allocates/activates the uplink UDP socket.
	OpenUDP(ctx context.Context, eng *engine.Engine) error

	// BindUDP binds the local UDP port for downlink reception. A no-op for
	// profiles that use a LISTEN socket instead.
	BindUDP(ctx context.Context, eng *engine.Engine, port int) error

	// SetupReceive arms whatever mechanism the profile uses to receive
	// downlink messages, delivering each to sink.
	SetupReceive(ctx context.Context, eng *engine.Engine, port int, sink ReceiveSink) error

	// SubscribeSignal enables the profile's signal-quality URC.
	SubscribeSignal(ctx context.Context, eng *engine.Engine) error

	// ParseSignalURC parses a signal-quality URC line, if it is one.
	ParseSignalURC(line string) (SignalSample, bool)

	// ParseRegistrationURC parses a +CEREG URC line, if it is one.
	ParseRegistrationURC(line string) (Registration, bool)

	// ParseLocationURC parses a GNSS fix notification, if line is one.
	// Profiles without GNSS always report false.
	ParseLocationURC(line string) (Fix, bool)

	// SendPayload sends text as an uplink UDP payload.
	SendPayload(ctx context.Context, eng *engine.Engine, text string) error

	// Location returns the last known GNSS fix, if any.
	Location() (Fix, bool)
}

// StageError annotates a bring-up failure with the stage label it
// occurred in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Stage wraps err with a stage label, or returns nil if err is nil.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
