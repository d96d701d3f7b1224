// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package config holds the per-device-family network configuration,
// built by layering functional options: defaults, then environment, then
// explicit flags.
package config

import (
	"flag"
	"os"
	"strconv"
)

// Config holds the network parameters a device profile needs for bring-up
// and data transfer.
type Config struct {
	// UDPPort is the local port bound for downlink reception.
	UDPPort int
	// HarvestEndpoint is the cloud ingest hostname uplink payloads are sent to.
	HarvestEndpoint string
	// HarvestPort is the cloud ingest port.
	HarvestPort int
	// UDPBufferSize bounds how much data a single receive call asks the modem for.
	UDPBufferSize int
	// IPFilter is the only source IP the LTE-M family will accept downlink from.
	IPFilter string
	// NTNBand is the band the NTN family locks to during RAT bring-up.
	NTNBand string
}

// Option is a function that modifies a Config.
type Option func(*Config) error

// New builds a Config by applying opts in order. Later options override
// earlier ones.
func New(opts ...Option) (*Config, error) {
	c := &Config{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithDefaults applies the stock deployment values.
func WithDefaults() Option {
	return func(c *Config) error {
		c.UDPPort = 55555
		c.HarvestEndpoint = "harvest.soracom.io"
		c.HarvestPort = 8514
		c.UDPBufferSize = 256
		c.IPFilter = "100.127.10.16"
		c.NTNBand = "256"
		return nil
	}
}

// WithEnv overrides fields from environment variables, when set.
func WithEnv() Option {
	return func(c *Config) error {
		if v := os.Getenv("GROUNDLINK_UDP_PORT"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.UDPPort = n
			}
		}
		if v := os.Getenv("GROUNDLINK_HARVEST_ENDPOINT"); v != "" {
			c.HarvestEndpoint = v
		}
		if v := os.Getenv("GROUNDLINK_HARVEST_PORT"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.HarvestPort = n
			}
		}
		if v := os.Getenv("GROUNDLINK_UDP_BUFFER_SIZE"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.UDPBufferSize = n
			}
		}
		if v := os.Getenv("GROUNDLINK_IP_FILTER"); v != "" {
			c.IPFilter = v
		}
		if v := os.Getenv("GROUNDLINK_NTN_BAND"); v != "" {
			c.NTNBand = v
		}
		return nil
	}
}

// WithFlags overrides fields from explicitly-set flags in fs.
func WithFlags(fs *flag.FlagSet) Option {
	return func(c *Config) error {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "udp-port":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.UDPPort = n
				}
			case "harvest-endpoint":
				c.HarvestEndpoint = f.Value.String()
			case "harvest-port":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.HarvestPort = n
				}
			case "udp-buffer-size":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.UDPBufferSize = n
				}
			case "ip-filter":
				c.IPFilter = f.Value.String()
			case "ntn-band":
				c.NTNBand = f.Value.String()
			}
		})
		return nil
	}
}
