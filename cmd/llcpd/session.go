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
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/internal/logging"
)

var engineFlags = []cli.Flag{
	cli.IntFlag{Name: "miu", Value: 248, Usage: "link MIU to advertise"},
	cli.DurationFlag{Name: "link-timeout", Value: time.Second, Usage: "LTO to advertise"},
	cli.DurationFlag{Name: "symmetry", Value: 20 * time.Millisecond, Usage: "symmetry delay"},
}

var pushFlags = []cli.Flag{
	cli.StringFlag{Name: "uri", Usage: "push a URI record"},
	cli.StringFlag{Name: "text", Usage: "push a text record"},
	cli.StringFlag{Name: "lang", Value: "en", Usage: "language of the text record"},
	cli.StringFlag{Name: "service", Value: echoService, Usage: "service name to connect to"},
	cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "give up after this long"},
}

// linkReport is printed for every link state change.
type linkReport struct {
	State  string `json:"state"`
	Reason string `json:"reason"`
}

// messageReport is printed for every payload the echo service receives.
type messageReport struct {
	Data   string `json:"data"`
	Remote uint8  `json:"remote"`
	Length int    `json:"length"`
}

// pushReport is printed when a push completes.
type pushReport struct {
	Service string        `json:"service"`
	Records []recordInfo  `json:"records,omitempty"`
	Link    llcp.LinkInfo `json:"link"`
	Stats   llcp.Stats    `json:"stats"`
	Sent    int           `json:"sent"`
	Echoed  int           `json:"echoed"`
}

// newEngine builds an engine on mac from the command flags. Link state
// changes are printed, then passed to extra.
func newEngine(c *cli.Context, mac llcp.MAC, out printer, extra llcp.LinkHandler) (*llcp.Engine, error) {
	handler := func(ev llcp.LinkEvent) {
		report := linkReport{State: ev.State.String(), Reason: ev.Reason.String()}
		_ = out.print(report, fmt.Sprintf("link %s (%s)", report.State, report.Reason))
		if extra != nil {
			extra(ev)
		}
	}
	engine, err := llcp.New(mac,
		llcp.WithLogger(logging.GetLogger().ChildLogger(map[string]any{"component": "llcp"})),
		llcp.WithLinkHandler(handler),
		llcp.WithLocalMIU(c.Int("miu")),
		llcp.WithLinkTimeout(c.Duration("link-timeout")),
		llcp.WithSymmetryDelay(c.Duration("symmetry")),
	)
	if err != nil {
		return nil, errors.Wrap(err, "engine")
	}
	return engine, nil
}

// printMessages returns a callback printing what the echo service gets.
func printMessages(out printer) func(llcp.SAP, []byte) {
	return func(remote llcp.SAP, data []byte) {
		report := messageReport{Remote: uint8(remote), Length: len(data), Data: hex.EncodeToString(data)}
		text := fmt.Sprintf("%d bytes from %02X", len(data), uint8(remote))
		if records, err := describeMessage(data); err == nil {
			text += "\n" + formatRecords(records)
		}
		_ = out.print(report, text)
	}
}

// newPushFromFlags builds the pusher for --uri and --text.
func newPushFromFlags(c *cli.Context) (*pusher, error) {
	message, err := buildMessage(c.String("uri"), c.String("text"), c.String("lang"))
	if err != nil {
		return nil, err
	}
	log := logging.GetLogger().ChildLogger(map[string]any{"component": "push"})
	return newPusher(c.String("service"), message, log), nil
}

// runPush drives the link with run until p has its echo back or timeout
// expires, then deactivates the link and reports.
func runPush(ctx context.Context, c *cli.Context, engine *llcp.Engine, p *pusher,
	run func(context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- run(ctx) }()

	select {
	case <-p.done:
	case err := <-runErr:
		if err == nil || errors.Is(err, context.Canceled) {
			err = errors.New("link ended before the push completed")
		}
		return err
	case <-ctx.Done():
		<-runErr
		return errors.Wrap(ctx.Err(), "push")
	}

	report := pushReport{
		Service: c.String("service"),
		Sent:    len(p.message),
		Link:    engine.LinkInfo(),
	}
	if err := engine.Deactivate(); err == nil {
		select {
		case <-p.down:
		case <-time.After(time.Second):
		}
	}
	cancel()
	<-runErr

	echo, err := p.result()
	if err != nil {
		return err
	}
	report.Echoed = len(echo)
	report.Stats = engine.Stats()
	if records, err := describeMessage(echo); err == nil {
		report.Records = records
	}

	text := fmt.Sprintf("pushed %d bytes to %s, %d echoed", report.Sent, report.Service, report.Echoed)
	if len(report.Records) > 0 {
		text += "\n" + formatRecords(report.Records)
	}
	return newPrinter(c).print(report, text)
}
