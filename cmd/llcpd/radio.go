// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/detection"
	"github.com/ZaparooProject/go-llcp/internal/logging"
	"github.com/ZaparooProject/go-llcp/p2p"
	"github.com/ZaparooProject/go-llcp/pn532"
)

var deviceFlags = []cli.Flag{
	cli.StringFlag{Name: "device, d", Usage: "reader path, auto-detected if empty"},
	cli.StringFlag{Name: "transport, t", Usage: "uart, i2c or spi; guessed from the path if empty"},
}

func listenCommand() cli.Command {
	return cli.Command{
		Name:   "listen",
		Usage:  "act as NFC-DEP target and serve the echo service",
		Flags:  append(append([]cli.Flag{}, deviceFlags...), engineFlags...),
		Action: runListen,
	}
}

func pushCommand() cli.Command {
	flags := append(append([]cli.Flag{}, deviceFlags...), engineFlags...)
	return cli.Command{
		Name:   "push",
		Usage:  "act as NFC-DEP initiator and push an NDEF message to the echo service",
		Flags:  append(flags, pushFlags...),
		Action: runRadioPush,
	}
}

// guessTransport picks a transport from a device path.
func guessTransport(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "i2c"):
		return detection.TransportI2C
	case strings.Contains(lower, "spi"):
		return detection.TransportSPI
	default:
		return detection.TransportUART
	}
}

// openDevice opens and initialises the reader named by the flags, or the
// best detected one.
func openDevice(ctx context.Context, c *cli.Context) (*pn532.Device, error) {
	info := detection.DeviceInfo{Path: c.String("device"), Transport: c.String("transport")}
	if info.Path == "" {
		devices, err := detection.Detect(ctx, nil)
		if err != nil {
			return nil, errors.Wrap(err, "auto-detect")
		}
		info = devices[0]
		logging.GetLogger().Infof("using %s", info)
	} else if info.Transport == "" {
		info.Transport = guessTransport(info.Path)
	}

	transport, err := detection.Open(info)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", info.Path)
	}
	dev, err := pn532.New(transport)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	if err := dev.Init(ctx); err != nil {
		_ = dev.Close()
		return nil, errors.Wrapf(err, "init %s", info.Path)
	}
	return dev, nil
}

func newRadioLink(dev *pn532.Device, role llcp.Role) (*p2p.Link, error) {
	log := logging.GetLogger().ChildLogger(map[string]any{"component": "p2p", "role": role.String()})
	return p2p.New(dev, role, p2p.WithLogger(log))
}

// A reader that goes away while listening is reopened this many times,
// backing off a little longer each time.
const (
	reopenAttempts = 5
	reopenBackoff  = 2 * time.Second
)

func runListen(c *cli.Context) error {
	ctx, cancel := signalContext()
	defer cancel()

	out := newPrinter(c)
	log := logging.GetLogger()
	for failures := 0; ; {
		opened, retry, err := listenOnce(ctx, c, out)
		if ctx.Err() != nil {
			return nil
		}
		if !retry {
			return err
		}
		if opened {
			failures = 0
		}
		failures++
		if failures >= reopenAttempts {
			return err
		}
		delay := time.Duration(failures) * reopenBackoff
		log.Warnf("reader lost: %v; reopening in %s", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// listenOnce serves the echo service until the reader fails. opened reports
// whether the reader came up at all; retry is false for configuration
// errors.
func listenOnce(ctx context.Context, c *cli.Context, out printer) (opened, retry bool, err error) {
	dev, err := openDevice(ctx, c)
	if err != nil {
		return false, true, err
	}
	defer func() { _ = dev.Close() }()

	link, err := newRadioLink(dev, llcp.RoleTarget)
	if err != nil {
		return true, false, err
	}
	engine, err := newEngine(c, link, out, nil)
	if err != nil {
		return true, false, err
	}
	sap, err := serveEcho(engine, logging.GetLogger(), printMessages(out))
	if err != nil {
		return true, false, err
	}
	logging.GetLogger().Infof("serving %s on sap %02X", echoService, sap)

	err = link.Run(ctx, engine)
	if err == nil || errors.Is(err, context.Canceled) {
		return true, true, nil
	}
	return true, true, errors.Wrap(err, "radio link")
}

func runRadioPush(c *cli.Context) error {
	p, err := newPushFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	dev, err := openDevice(ctx, c)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	link, err := newRadioLink(dev, llcp.RoleInitiator)
	if err != nil {
		return err
	}
	engine, err := newEngine(c, link, newPrinter(c), p.onLink)
	if err != nil {
		return err
	}
	if err := p.attach(engine); err != nil {
		return err
	}
	return runPush(ctx, c, engine, p, func(ctx context.Context) error {
		return link.Run(ctx, engine)
	})
}
