// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package serial opens the OS serial device used to reach the modem.
//
// It is a thin, option-configured wrapper around github.com/tarm/serial,
// providing the io.ReadWriteCloser that the transport package frames into
// lines.
package serial

import (
	tarmserial "github.com/tarm/serial"
)

// Config holds the parameters used to open a serial device.
type Config struct {
	port string
	baud int
}

// Option modifies a Config built by New.
type Option func(*Config)

// WithPort sets the path to the serial device (e.g. "/dev/ttyUSB0").
func WithPort(port string) Option {
	return func(c *Config) {
		c.port = port
	}
}

// WithBaud sets the baud rate (commonly 9600, 115200 or 460800).
func WithBaud(baud int) Option {
	return func(c *Config) {
		c.baud = baud
	}
}

// New opens the serial device described by opts, applying defaultConfig
// (platform specific, see serial_linux.go/serial_darwin.go/serial_windows.go)
// for any option not provided.
//
// The framing is always 8N1; baud rate is the only configurable wire
// parameter, per the modems this package targets.
func New(opts ...Option) (*tarmserial.Port, error) {
	cfg := defaultConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return tarmserial.OpenPort(&tarmserial.Config{Name: cfg.port, Baud: cfg.baud})
}
