// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// groundctl brings a ground-side IoT modem online, reports its bring-up
// progress and telemetry to stdout, and forwards stdin lines to it as
// uplink payloads.
//
// This serves as a worked example of driving the session orchestrator end
// to end, as well as a standalone diagnostic tool for bringing a device up
// by hand.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finchWro/groundlink/internal/config"
	"github.com/finchWro/groundlink/profile"
	"github.com/finchWro/groundlink/serial"
	"github.com/finchWro/groundlink/session"
	"github.com/finchWro/groundlink/trace"
)

var version = "undefined"

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	familyTag := flag.String("profile", "nordic_thingy91x", "device family: nordic_thingy91x or murata_type1sc_ntng")
	// Network flags are folded into the config by config.WithFlags; only
	// explicitly-set flags override defaults and environment.
	flag.Int("udp-port", 55555, "local UDP port for downlink reception")
	flag.String("harvest-endpoint", "harvest.soracom.io", "cloud ingest hostname")
	flag.Int("harvest-port", 8514, "cloud ingest port")
	flag.Int("udp-buffer-size", 256, "downlink receive buffer size")
	flag.String("ip-filter", "100.127.10.16", "accepted downlink source IP (LTE-M)")
	flag.String("ntn-band", "256", "RAT band to lock to (NTN)")
	verbose := flag.Bool("v", false, "log engine and transport internals")
	traceWire := flag.Bool("trace", false, "additionally log raw hex on the wire")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.New(config.WithDefaults(), config.WithEnv(), config.WithFlags(flag.CommandLine))
	if err != nil {
		log.Error("config", "err", err)
		os.Exit(1)
	}

	prof, err := session.NewProfile(*familyTag, *cfg, log)
	if err != nil {
		log.Error("profile", "err", err)
		os.Exit(1)
	}

	port, err := serial.New(serial.WithPort(*dev), serial.WithBaud(*baud))
	if err != nil {
		log.Error("serial", "err", err)
		os.Exit(1)
	}

	var link io.ReadWriteCloser = port
	if *traceWire {
		link = trace.New(port, trace.WithLogger(log))
	}

	sess := session.New(session.WithLogger(log))
	sess.OnStatus(func(s string) { fmt.Println("*", s) })
	sess.OnSignal(func(sample profile.SignalSample) { fmt.Printf("signal: %+v\n", sample) })
	sess.OnLocation(func(fix profile.Fix) { fmt.Printf("location: %f, %f\n", fix.Latitude, fix.Longitude) })
	sess.OnReceived(func(m profile.ReceivedMessage) {
		fmt.Printf("< %s (from %s:%d)\n", m.Payload, m.SourceIP, m.SourcePort)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Connect(ctx, link, prof, *cfg); err != nil {
		log.Error("connect", "err", err)
		os.Exit(1)
	}

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := scanner.Text()
			if text == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := sess.Send(sendCtx, text); err != nil {
				fmt.Println("! send failed:", err)
			}
			cancel()
		}
	}()

	<-ctx.Done()
	_ = sess.Disconnect()
}
