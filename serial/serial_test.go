// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

package serial_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/finchWro/groundlink/serial"
)

func modemExists(name string) func(t *testing.T) {
	return func(t *testing.T) {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			t.Skip("no modem available")
		}
	}
}

func TestNew(t *testing.T) {
	patterns := []struct {
		name    string
		prereq  func(t *testing.T)
		options []serial.Option
	}{
		{"default", modemExists("/dev/ttyUSB0"), nil},
		{"empty", modemExists("/dev/ttyUSB0"), []serial.Option{}},
		{"baud", modemExists("/dev/ttyUSB0"), []serial.Option{serial.WithBaud(9600)}},
		{"port", modemExists("/dev/ttyUSB0"), []serial.Option{serial.WithPort("/dev/ttyUSB0")}},
	}
	for _, p := range patterns {
		p := p
		t.Run(p.name, func(t *testing.T) {
			if p.prereq != nil {
				p.prereq(t)
			}
			m, err := serial.New(p.options...)
			require.NoError(t, err)
			require.NotNil(t, m)
			if m != nil {
				m.Close()
			}
		})
	}
}

func TestNewBadPort(t *testing.T) {
	_, err := serial.New(serial.WithPort("nosuchmodem"))
	require.Error(t, err)
}
