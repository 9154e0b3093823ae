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

// Command llcpd runs LLCP peer-to-peer sessions over a PN532 or an emulated
// NFC-DEP link.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/ZaparooProject/go-llcp/internal/logging"
)

var version = "dev"

// echoService is the service name llcpd listens on and pushes to.
const echoService = "urn:nfc:xsn:zaparoo.com:echo"

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "llcpd"
	app.Usage = "NFC peer-to-peer over LLCP"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
		cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
		cli.StringFlag{Name: "log-dir", Usage: "write a session log to `DIR`"},
	}
	app.Before = setup
	app.After = func(*cli.Context) error {
		return logging.CloseSessionLog()
	}
	app.Commands = []cli.Command{
		listenCommand(),
		pushCommand(),
		emulateCommand(),
		decodeCommand(),
		detectCommand(),
	}
	return app
}

func setup(c *cli.Context) error {
	if c.GlobalBool("debug") {
		logging.SetDebugEnabled(true)
	}
	if dir := c.GlobalString("log-dir"); dir != "" {
		path, err := logging.InitSessionLog(dir)
		if err != nil {
			return errors.Wrap(err, "failed to open session log")
		}
		logging.GetLogger().Infof("session log at %s", path)
	}
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// printer writes command results as text or, with --json, one JSON object
// per line.
type printer struct {
	w    io.Writer
	json bool
}

func newPrinter(c *cli.Context) printer {
	return printer{w: c.App.Writer, json: c.GlobalBool("json")}
}

func (p printer) print(v any, text string) error {
	if !p.json {
		_, err := fmt.Fprintln(p.w, text)
		return err
	}
	b, err := jsoniter.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode result")
	}
	_, err = fmt.Fprintln(p.w, string(b))
	return err
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "llcpd: %v\n", err)
		os.Exit(1)
	}
}
