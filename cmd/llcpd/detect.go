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
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/ZaparooProject/go-llcp/detection"
)

func detectCommand() cli.Command {
	return cli.Command{
		Name:  "detect",
		Usage: "list PN532 readers able to run NFC-DEP",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "mode", Value: "safe", Usage: "passive, safe or full"},
			cli.StringSliceFlag{Name: "ignore", Usage: "device path to skip"},
		},
		Action: runDetect,
	}
}

func parseMode(s string) (detection.Mode, error) {
	switch strings.ToLower(s) {
	case "passive":
		return detection.Passive, nil
	case "safe":
		return detection.Safe, nil
	case "full":
		return detection.Full, nil
	}
	return 0, errors.Errorf("unknown detection mode %q", s)
}

func runDetect(c *cli.Context) error {
	mode, err := parseMode(c.String("mode"))
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := detection.DefaultOptions()
	opts.Mode = mode
	opts.IgnorePaths = c.StringSlice("ignore")
	devices, err := detection.Detect(ctx, &opts)
	if err != nil {
		return err
	}

	out := newPrinter(c)
	for _, dev := range devices {
		if err := out.print(dev, dev.String()); err != nil {
			return err
		}
	}
	return nil
}
