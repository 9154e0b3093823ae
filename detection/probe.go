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

package detection

import (
	"context"
	"fmt"

	"github.com/ZaparooProject/go-llcp/pn532"
	"github.com/ZaparooProject/go-llcp/transport/i2c"
	"github.com/ZaparooProject/go-llcp/transport/spi"
	"github.com/ZaparooProject/go-llcp/transport/uart"
)

// Open opens the transport a DeviceInfo names.
func Open(dev DeviceInfo) (pn532.Transport, error) {
	var (
		transport pn532.Transport
		err       error
	)
	switch dev.Transport {
	case TransportUART:
		transport, err = uart.New(dev.Path)
	case TransportI2C:
		transport, err = i2c.New(dev.Path)
	case TransportSPI:
		transport, err = spi.New(dev.Path)
	default:
		return nil, fmt.Errorf("unknown transport %q: %w", dev.Transport, pn532.ErrInvalidParameter)
	}
	if err != nil {
		return nil, err
	}
	return transport, nil
}

// probeDevice talks to a candidate once. Detection never retries: ports
// that are not PN532s should see as little traffic as possible.
func probeDevice(ctx context.Context, dev DeviceInfo, mode Mode) (*pn532.FirmwareVersion, error) {
	transport, err := Open(dev)
	if err != nil {
		return nil, err
	}
	defer func() { _ = transport.Close() }()

	device, err := pn532.New(transport, pn532.WithRetryConfig(nil))
	if err != nil {
		return nil, err
	}
	if mode == Full {
		if err := device.Init(ctx); err != nil {
			return nil, err
		}
		return device.FirmwareVersion(), nil
	}
	return device.GetFirmwareVersion(ctx)
}
