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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/ZaparooProject/go-llcp/layers"
)

func decodeCommand() cli.Command {
	return cli.Command{
		Name:      "decode",
		Usage:     "dissect LLCP frames given in hex",
		ArgsUsage: "FRAME...",
		Action:    runDecode,
	}
}

// paramReport is one TLV of a decoded PDU.
type paramReport struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// frameReport is one decoded frame.
type frameReport struct {
	Summary    string        `json:"summary"`
	Type       string        `json:"type"`
	Info       string        `json:"info,omitempty"`
	Params     []paramReport `json:"params,omitempty"`
	Aggregated []frameReport `json:"aggregated,omitempty"`
	DSAP       uint8         `json:"dsap"`
	SSAP       uint8         `json:"ssap"`
}

func runDecode(c *cli.Context) error {
	if !c.Args().Present() {
		return cli.ShowCommandHelp(c, c.Command.Name)
	}
	out := newPrinter(c)
	for _, arg := range c.Args() {
		report, err := decodeFrame(arg)
		if err != nil {
			return err
		}
		if err := out.print(report, formatFrame(report, "")); err != nil {
			return err
		}
	}
	return nil
}

// parseHex accepts hex with optional spaces, colons or a 0x prefix.
func parseHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "frame %q", s)
	}
	return b, nil
}

func decodeFrame(s string) (frameReport, error) {
	b, err := parseHex(s)
	if err != nil {
		return frameReport{}, err
	}
	packet := layers.Decode(b)
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return frameReport{}, errors.Wrapf(errLayer.Error(), "frame %X", b)
	}
	pdu, ok := packet.Layer(layers.LayerTypeLLCP).(*layers.LLCP)
	if !ok {
		return frameReport{}, errors.Errorf("frame %X: no LLCP layer", b)
	}
	return reportPDU(pdu), nil
}

func reportPDU(pdu *layers.LLCP) frameReport {
	report := frameReport{
		Summary: pdu.Summary(),
		Type:    pdu.Type.String(),
		DSAP:    uint8(pdu.DSAP),
		SSAP:    uint8(pdu.SSAP),
	}
	if len(pdu.Info) > 0 && len(pdu.Params) == 0 {
		report.Info = hex.EncodeToString(pdu.Info)
	}
	for _, p := range pdu.Params {
		report.Params = append(report.Params, paramReport{Type: p.Type.String(), Value: hex.EncodeToString(p.Value)})
	}
	for _, sub := range pdu.Aggregated {
		report.Aggregated = append(report.Aggregated, reportPDU(sub))
	}
	return report
}

func formatFrame(r frameReport, indent string) string {
	var b strings.Builder
	_, _ = fmt.Fprintf(&b, "%s%s", indent, r.Summary)
	for _, p := range r.Params {
		_, _ = fmt.Fprintf(&b, "\n%s  %s=%s", indent, p.Type, p.Value)
	}
	if r.Info != "" {
		_, _ = fmt.Fprintf(&b, "\n%s  info=%s", indent, r.Info)
	}
	for _, sub := range r.Aggregated {
		b.WriteString("\n")
		b.WriteString(formatFrame(sub, indent+"  "))
	}
	return b.String()
}
