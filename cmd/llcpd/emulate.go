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

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/internal/logging"
	"github.com/ZaparooProject/go-llcp/netlink"
)

func emulateCommand() cli.Command {
	flags := []cli.Flag{
		cli.StringFlag{Name: "listen, l", Usage: "accept emulated links on `ADDR` as target"},
		cli.StringFlag{Name: "dial", Usage: "connect to `ADDR` as initiator and push"},
	}
	flags = append(flags, engineFlags...)
	return cli.Command{
		Name:   "emulate",
		Usage:  "run LLCP over an emulated NFC-DEP link on QUIC",
		Flags:  append(flags, pushFlags...),
		Action: runEmulate,
	}
}

func runEmulate(c *cli.Context) error {
	listen, dial := c.String("listen"), c.String("dial")
	switch {
	case listen != "" && dial != "":
		return errors.New("--listen and --dial are exclusive")
	case listen != "":
		return emulateTarget(c, listen)
	case dial != "":
		return emulatePush(c, dial)
	}
	return cli.ShowCommandHelp(c, c.Command.Name)
}

// emulateTarget serves the echo service to one emulated initiator at a
// time.
func emulateTarget(c *cli.Context, addr string) error {
	ctx, cancel := signalContext()
	defer cancel()

	ln, err := netlink.Listen(addr)
	if err != nil {
		return err
	}
	defer func() { _ = ln.Close() }()
	log := logging.GetLogger()
	log.Infof("emulated target on %s", ln.Addr())

	out := newPrinter(c)
	for {
		link, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		engine, err := newEngine(c, link, out, nil)
		if err != nil {
			_ = link.Close()
			return err
		}
		if _, err := serveEcho(engine, log, printMessages(out)); err != nil {
			_ = link.Close()
			return err
		}
		if err := link.Run(ctx, engine); err != nil && ctx.Err() == nil {
			log.Warnf("emulated link: %v", err)
		}
	}
}

func emulatePush(c *cli.Context, addr string) error {
	p, err := newPushFromFlags(c)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	link, err := netlink.Dial(ctx, addr)
	if err != nil {
		return err
	}
	engine, err := newEngine(c, link, newPrinter(c), p.onLink)
	if err != nil {
		_ = link.Close()
		return err
	}
	if err := p.attach(engine); err != nil {
		_ = link.Close()
		return err
	}
	return runPush(ctx, c, engine, p, func(ctx context.Context) error {
		return link.Run(ctx, engine)
	})
}

var _ llcp.MAC = (*netlink.Link)(nil)
