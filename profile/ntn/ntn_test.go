// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package ntn_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finchWro/groundlink/engine"
	"github.com/finchWro/groundlink/internal/config"
	"github.com/finchWro/groundlink/profile"
	"github.com/finchWro/groundlink/profile/ntn"
	"github.com/finchWro/groundlink/urc"
)

type fakeTransport struct {
	lines   chan string
	written chan string
	closed  chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		lines:   make(chan string, 64),
		written: make(chan string, 64),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) Lines() <-chan string    { return f.lines }
func (f *fakeTransport) Closed() <-chan struct{} { return f.closed }
func (f *fakeTransport) Write(cmd string) error {
	select {
	case f.written <- cmd:
	default:
	}
	return nil
}
func (f *fakeTransport) push(line string) { f.lines <- line }

func newEngine(t *testing.T) (*engine.Engine, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	e := engine.New(ft, urc.New(), urc.IsKnownPrefix)
	return e, ft
}

func testConfig() config.Config {
	return config.Config{
		UDPPort:         55555,
		HarvestEndpoint: "harvest.soracom.io",
		HarvestPort:     8514,
		UDPBufferSize:   256,
		IPFilter:        "100.127.10.16",
		NTNBand:         "256",
	}
}

func TestConnectWaitsForBootEvent(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())
	go func() {
		cmd := <-ft.written
		assert.Equal(t, "ATZ", cmd)
		ft.push("OK")
		ft.push("%BOOTEV:0")
	}()
	err := p.Connect(context.Background(), e)
	require.NoError(t, err)
}

func TestConfigurePDPPingSuccess(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())
	go func() {
		cmd := <-ft.written // CGDCONT
		assert.Contains(t, cmd, "CGDCONT")
		ft.push("OK")
		cmd = <-ft.written // PINGCMD
		assert.Contains(t, cmd, "PINGCMD")
		ft.push("OK")
		ft.push("%PINGCMD: 0,1,50,30")
	}()
	err := p.ConfigurePDP(context.Background(), e)
	require.NoError(t, err)
}

func TestConfigurePDPRejectedByModem(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())
	go func() {
		<-ft.written
		ft.push("ERROR")
	}()
	err := p.ConfigurePDP(context.Background(), e)
	assert.Error(t, err)
}

func TestOpenUDPAllocatesAndActivates(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())
	go func() {
		<-ft.written // SOCKETEV=0,1
		ft.push("OK")
		cmd := <-ft.written // ALLOCATE
		assert.Contains(t, cmd, `"ALLOCATE",1,"UDP","OPEN","harvest.soracom.io",8514`)
		ft.push("OK")
		<-ft.written // ACTIVATE
		ft.push("OK")
	}()
	err := p.OpenUDP(context.Background(), e)
	require.NoError(t, err)
}

func TestSetupReceiveUsesAnnouncedSocketID(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())

	go func() {
		<-ft.written // ALLOCATE LISTEN
		ft.push("OK")
		ft.push("%SOCKETCMD:3")
		cmd := <-ft.written // ACTIVATE,3
		assert.Contains(t, cmd, `"ACTIVATE",3`)
		ft.push("OK")
	}()

	delivered := make(chan profile.ReceivedMessage, 1)
	err := p.SetupReceive(context.Background(), e, 55555, func(m profile.ReceivedMessage) {
		delivered <- m
	})
	require.NoError(t, err)

	go func() {
		cmd := <-ft.written
		assert.Contains(t, cmd, `RECEIVE",3,1500`)
		ft.push(`%SOCKETDATA:1,5,0,"68656C6C6F","100.127.10.16",8514`)
		ft.push("OK")
	}()
	ft.push("%SOCKETEV:1,1")

	select {
	case m := <-delivered:
		assert.Equal(t, "hello", m.Payload)
		assert.Equal(t, "100.127.10.16", m.SourceIP)
		assert.Equal(t, 8514, m.SourcePort)
	case <-time.After(time.Second):
		t.Fatal("expected message was not delivered")
	}
}

func TestSetupReceiveFallsBackToSocketID1(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())

	go func() {
		<-ft.written // ALLOCATE LISTEN
		ft.push("OK")
		// no %SOCKETCMD: URC arrives
		cmd := <-ft.written // ACTIVATE,1 (fallback)
		assert.Contains(t, cmd, `"ACTIVATE",1`)
		ft.push("OK")
	}()

	err := p.SetupReceive(context.Background(), e, 55555, func(profile.ReceivedMessage) {})
	require.NoError(t, err)
}

func TestSendPayloadWithNoFixSendsOnlyPayload(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())

	go func() {
		cmd := <-ft.written
		assert.Contains(t, cmd, `%SOCKETDATA="SEND",1,5,"68656C6C6F"`)
		ft.push("OK")
		ft.push("%SOCKETEV:1,1")
	}()

	err := p.SendPayload(context.Background(), e, "hello")
	require.NoError(t, err)

	select {
	case cmd := <-ft.written:
		t.Fatalf("unexpected extra command sent: %q", cmd)
	case <-time.After(30 * time.Millisecond):
	}
}

// TestSendPayloadPrependsLocationOnce: with a stored fix, the first send
// of the session is preceded by a hex-framed Location Message; later sends
// carry only their own payload.
func TestSendPayloadPrependsLocationOnce(t *testing.T) {
	e, ft := newEngine(t)
	p := ntn.New(testConfig())
	_, ok := p.ParseLocationURC(`%IGNSSEVU:"FIX",1,"t","d","10.0","35.681236","139.767125"`)
	require.True(t, ok)

	locationHex := "5B224C4F434154494F4E222C202233352E363831323336222C20223133392E373637313235225D"
	go func() {
		cmd := <-ft.written
		assert.Contains(t, cmd, `%SOCKETDATA="SEND",1,39,"`+locationHex+`"`)
		ft.push("OK")
		ft.push("%SOCKETEV:1,1")
		cmd = <-ft.written
		assert.Contains(t, cmd, `%SOCKETDATA="SEND",1,4,"70696E67"`)
		ft.push("OK")
		ft.push("%SOCKETEV:1,1")
	}()
	require.NoError(t, p.SendPayload(context.Background(), e, "ping"))

	go func() {
		cmd := <-ft.written
		assert.Contains(t, cmd, `%SOCKETDATA="SEND",1,4,"70696E67"`)
		ft.push("OK")
		ft.push("%SOCKETEV:1,1")
	}()
	require.NoError(t, p.SendPayload(context.Background(), e, "ping"))
}

func TestParseSignalURC(t *testing.T) {
	p := ntn.New(testConfig())
	sample, ok := p.ParseSignalURC(`%MEAS:Signal Quality:RSRP=-95,RSRQ=-10,SINR=5,RSSI=-70`)
	require.True(t, ok)
	require.NotNil(t, sample.RSRPdBm)
	assert.Equal(t, -95, *sample.RSRPdBm)
	assert.Equal(t, -10, *sample.RSRQ)
	assert.Equal(t, 5, *sample.SINR)
	assert.Equal(t, -70, *sample.RSSI)
}

func TestParseRegistrationURC(t *testing.T) {
	p := ntn.New(testConfig())
	reg, ok := p.ParseRegistrationURC("+CEREG: 5")
	require.True(t, ok)
	assert.True(t, reg.Registered())
}

func TestBindUDPIsNoop(t *testing.T) {
	e, _ := newEngine(t)
	p := ntn.New(testConfig())
	assert.NoError(t, p.BindUDP(context.Background(), e, 55555))
}

func TestLocationAbsentBeforeFix(t *testing.T) {
	p := ntn.New(testConfig())
	_, ok := p.Location()
	assert.False(t, ok)
}

func TestParseLocationURCUpdatesStoredFix(t *testing.T) {
	p := ntn.New(testConfig())
	fix, ok := p.ParseLocationURC(`%IGNSSEVU:"FIX",1,"t","d","10.0","35.681236","139.767125"`)
	require.True(t, ok)
	assert.InDelta(t, 35.681236, fix.Latitude, 1e-6)
	assert.InDelta(t, 139.767125, fix.Longitude, 1e-6)

	stored, ok := p.Location()
	require.True(t, ok)
	assert.Equal(t, fix, stored)
}
