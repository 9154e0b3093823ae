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

// Package detection finds PN532 readers able to run an NFC-DEP link.
package detection

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"
)

// Mode controls how invasive detection is.
type Mode int

const (
	// Passive only looks at port descriptors.
	Passive Mode = iota
	// Safe sends GetFirmwareVersion to candidate ports.
	Safe
	// Full initialises every candidate.
	Full
)

// Confidence ranks a detected device.
type Confidence int

const (
	// Low means the path merely exists.
	Low Confidence = iota
	// Medium means the descriptor matches a known PN532 board.
	Medium
	// High means the device answered as a PN532 with ISO 18092 support.
	High
)

// Transport names used in DeviceInfo.
const (
	TransportUART = "uart"
	TransportI2C  = "i2c"
	TransportSPI  = "spi"
)

// DeviceInfo describes a candidate reader.
type DeviceInfo struct {
	// vidpid, product and serial for USB serial ports
	Metadata   map[string]string `json:"metadata,omitempty"`
	Transport  string            `json:"transport"`
	Path       string            `json:"path"`
	Name       string            `json:"name,omitempty"`
	Firmware   string            `json:"firmware,omitempty"`
	Confidence Confidence        `json:"confidence"`
}

func (d DeviceInfo) String() string {
	confidence := "unknown"
	switch d.Confidence {
	case Low:
		confidence = "low"
	case Medium:
		confidence = "medium"
	case High:
		confidence = "high"
	}
	return fmt.Sprintf("%s device at %s (confidence: %s)", d.Transport, d.Path, confidence)
}

// Options configures Detect.
type Options struct {
	// USB VID:PID pairs to skip, e.g. "1234:5678"
	Blocklist []string
	// Device paths never touched
	IgnorePaths []string
	// Transports to check; empty means all
	Transports []string
	// Bound on a single probe
	ProbeTimeout time.Duration
	Mode         Mode
}

// DefaultOptions probes candidates with GetFirmwareVersion.
func DefaultOptions() Options {
	return Options{
		Mode:         Safe,
		ProbeTimeout: 2 * time.Second,
		Blocklist:    DefaultBlocklist(),
	}
}

// ErrNoDevicesFound is returned when no candidate survives detection.
var ErrNoDevicesFound = errors.New("no PN532 devices found")

// knownBoards are USB serial bridges PN532 breakout boards ship with.
var knownBoards = []string{
	"067B:2303", // Prolific PL2303
	"0403:6001", // FTDI FT232
	"10C4:EA60", // Silicon Labs CP210x
	"1A86:7523", // QinHeng CH340
}

var (
	listPorts = enumerator.GetDetailedPortsList
	glob      = filepath.Glob
	probe     = probeDevice
)

// Detect lists candidate readers, best first. Buses without a descriptor
// (I2C, SPI) are only reported when probing confirms them.
func Detect(ctx context.Context, opts *Options) ([]DeviceInfo, error) {
	if opts == nil {
		o := DefaultOptions()
		opts = &o
	}

	var candidates []DeviceInfo
	if wants(opts, TransportUART) {
		ports, err := serialCandidates()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, ports...)
	}
	if wants(opts, TransportI2C) {
		candidates = append(candidates, busCandidates(TransportI2C, "/dev/i2c-*")...)
	}
	if wants(opts, TransportSPI) {
		candidates = append(candidates, busCandidates(TransportSPI, "/dev/spidev*")...)
	}

	var devices []DeviceInfo
	for _, dev := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if IsPathIgnored(dev.Path, opts.IgnorePaths) {
			continue
		}
		if vidpid, ok := dev.Metadata["vidpid"]; ok && IsBlocked(vidpid, opts.Blocklist) {
			continue
		}
		if dev, ok := examine(ctx, dev, opts); ok {
			devices = append(devices, dev)
		}
	}

	if len(devices) == 0 {
		return nil, ErrNoDevicesFound
	}
	sort.SliceStable(devices, func(i, j int) bool {
		return devices[i].Confidence > devices[j].Confidence
	})
	return devices, nil
}

// examine applies the mode to one candidate.
func examine(ctx context.Context, dev DeviceInfo, opts *Options) (DeviceInfo, bool) {
	if opts.Mode == Passive {
		return dev, dev.Confidence >= Medium
	}

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fw, err := probe(probeCtx, dev, opts.Mode)
	if err != nil || !fw.SupportIso18092 {
		// known boards stay listed in safe mode; they may be busy
		return dev, opts.Mode == Safe && dev.Confidence >= Medium
	}
	dev.Confidence = High
	dev.Firmware = fw.Version
	return dev, true
}

func wants(opts *Options, transport string) bool {
	if len(opts.Transports) == 0 {
		return true
	}
	for _, t := range opts.Transports {
		if strings.EqualFold(t, transport) {
			return true
		}
	}
	return false
}

func serialCandidates() ([]DeviceInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	devices := make([]DeviceInfo, 0, len(ports))
	for _, port := range ports {
		dev := DeviceInfo{
			Transport:  TransportUART,
			Path:       port.Name,
			Name:       filepath.Base(port.Name),
			Confidence: Low,
			Metadata:   make(map[string]string),
		}
		if port.IsUSB {
			vidpid := strings.ToUpper(port.VID + ":" + port.PID)
			dev.Metadata["vidpid"] = vidpid
			if port.Product != "" {
				dev.Metadata["product"] = port.Product
				dev.Name = port.Product
			}
			if port.SerialNumber != "" {
				dev.Metadata["serial"] = port.SerialNumber
			}
			if isKnownBoard(vidpid, port.Product) {
				dev.Confidence = Medium
			}
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func busCandidates(transport, pattern string) []DeviceInfo {
	paths, err := glob(pattern)
	if err != nil {
		return nil
	}
	devices := make([]DeviceInfo, 0, len(paths))
	for _, path := range paths {
		devices = append(devices, DeviceInfo{
			Transport:  transport,
			Path:       path,
			Name:       filepath.Base(path),
			Confidence: Low,
		})
	}
	return devices
}

func isKnownBoard(vidpid, product string) bool {
	if IsBlocked(vidpid, knownBoards) {
		return true
	}
	product = strings.ToLower(product)
	for _, keyword := range []string{"pn532", "nfc", "rfid"} {
		if strings.Contains(product, keyword) {
			return true
		}
	}
	return false
}
