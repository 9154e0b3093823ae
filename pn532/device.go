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

// Package pn532 drives a PN532 controller as an NFC-DEP initiator or target.
package pn532

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DeviceConfig contains configuration options for the Device
type DeviceConfig struct {
	// RetryConfig configures retry behavior for transport operations
	RetryConfig *RetryConfig
	// Timeout is the default timeout for operations
	Timeout time.Duration
}

// DefaultDeviceConfig returns default device configuration
func DefaultDeviceConfig() *DeviceConfig {
	return &DeviceConfig{
		RetryConfig: DefaultRetryConfig(),
		Timeout:     1 * time.Second,
	}
}

// Option configures a Device.
type Option func(*Device) error

// WithTimeout sets the transport timeout applied by New.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Device) error {
		if timeout <= 0 {
			return fmt.Errorf("timeout %v: %w", timeout, ErrInvalidParameter)
		}
		d.config.Timeout = timeout
		return nil
	}
}

// WithRetryConfig wraps the transport in a TransportWithRetry using config.
func WithRetryConfig(config *RetryConfig) Option {
	return func(d *Device) error {
		d.config.RetryConfig = config
		return nil
	}
}

// FirmwareVersion describes the answer to GetFirmwareVersion.
type FirmwareVersion struct {
	Version          string
	IC               byte
	SupportIso14443a bool
	SupportIso14443b bool
	SupportIso18092  bool
}

// Device represents a PN532 controller.
//
// A DEP link is driven by one goroutine at a time; Device does not order
// concurrent commands against each other.
type Device struct {
	transport       Transport
	config          *DeviceConfig
	firmwareVersion *FirmwareVersion
	mu              sync.Mutex
	target          byte
}

// New creates a Device on top of transport. Unless the retry config is nil
// the transport is wrapped in a TransportWithRetry.
func New(transport Transport, opts ...Option) (*Device, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport: %w", ErrInvalidParameter)
	}
	device := &Device{
		transport: transport,
		config:    DefaultDeviceConfig(),
	}
	for _, opt := range opts {
		if err := opt(device); err != nil {
			return nil, err
		}
	}
	if device.config.RetryConfig != nil {
		if _, wrapped := transport.(*TransportWithRetry); !wrapped {
			device.transport = NewTransportWithRetry(transport, device.config.RetryConfig)
		}
	}
	return device, nil
}

// Transport returns the underlying transport
func (d *Device) Transport() Transport {
	return d.transport
}

// Init checks the firmware, disables the SAM and bounds the passive
// activation retries so that InJumpForDEP cannot wait forever.
func (d *Device) Init(ctx context.Context) error {
	if err := d.transport.SetTimeout(d.config.Timeout); err != nil {
		return fmt.Errorf("failed to set transport timeout: %w", err)
	}

	fw, err := d.GetFirmwareVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get firmware version: %w", err)
	}
	if !fw.SupportIso18092 {
		return fmt.Errorf("firmware %s without ISO 18092: %w", fw.Version, ErrCommandNotSupported)
	}
	d.firmwareVersion = fw

	if err := d.SAMConfiguration(ctx, SAMModeNormal, 0x14, 0x01); err != nil {
		return fmt.Errorf("SAM configuration failed: %w", err)
	}
	if err := d.SetMaxRetries(ctx, DefaultATRRetries, DefaultPassiveActivationRetries); err != nil {
		Debugf("ignoring RFConfiguration failure: %v", err)
	}
	return nil
}

// FirmwareVersion returns the version read by Init, or nil before Init.
func (d *Device) FirmwareVersion() *FirmwareVersion {
	return d.firmwareVersion
}

// GetFirmwareVersion queries the PN532 firmware version.
func (d *Device) GetFirmwareVersion(ctx context.Context) (*FirmwareVersion, error) {
	res, err := d.transport.SendCommand(ctx, CmdGetFirmwareVersion, nil)
	if err != nil {
		return nil, err
	}
	Debugf("GetFirmwareVersion response: %s", formatHexBytes(res))

	if len(res) < 5 || res[0] != CmdGetFirmwareVersion+1 {
		return nil, fmt.Errorf("firmware version response % X: %w", res, ErrInvalidResponse)
	}
	if res[1] != 0x32 {
		return nil, fmt.Errorf("unexpected IC 0x%02X: %w", res[1], ErrDeviceNotFound)
	}
	return &FirmwareVersion{
		IC:               res[1],
		Version:          fmt.Sprintf("%d.%d", res[2], res[3]),
		SupportIso14443a: res[4]&0x01 != 0,
		SupportIso14443b: res[4]&0x02 != 0,
		SupportIso18092:  res[4]&0x04 != 0,
	}, nil
}

// SAMConfiguration sets the SAM mode. timeout is in 50ms units.
func (d *Device) SAMConfiguration(ctx context.Context, mode SAMMode, timeout, irq byte) error {
	res, err := d.transport.SendCommand(ctx, CmdSAMConfiguration, []byte{byte(mode), timeout, irq})
	if err != nil {
		return err
	}
	if len(res) == 0 || res[0] != CmdSAMConfiguration+1 {
		return fmt.Errorf("SAM configuration response % X: %w", res, ErrInvalidResponse)
	}
	return nil
}

// SetMaxRetries sets the ATR_REQ and passive activation retry counts
// (RFConfiguration item 0x05). 0xFF retries forever.
func (d *Device) SetMaxRetries(ctx context.Context, atr, passiveActivation byte) error {
	res, err := d.transport.SendCommand(ctx, CmdRFConfiguration, []byte{0x05, atr, 0x01, passiveActivation})
	if err != nil {
		return err
	}
	if len(res) == 0 || res[0] != CmdRFConfiguration+1 {
		return fmt.Errorf("RFConfiguration response % X: %w", res, ErrInvalidResponse)
	}
	return nil
}

// SetTimeout sets the default timeout for operations
func (d *Device) SetTimeout(timeout time.Duration) error {
	d.config.Timeout = timeout
	if err := d.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on transport: %w", err)
	}
	return nil
}

// Close closes the device connection
func (d *Device) Close() error {
	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

func (d *Device) setTarget(tg byte) {
	d.mu.Lock()
	d.target = tg
	d.mu.Unlock()
}

func (d *Device) currentTarget() byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target
}

// statusError converts a DEP response status byte into an error.
func statusError(command string, status byte) error {
	if code := status & statusErrorMask; code != 0 {
		return NewPN532Error(code, command, "")
	}
	return nil
}

// checkResponse validates the response code of res and returns the bytes
// after it.
func checkResponse(command string, cmd byte, res []byte, minLen int) ([]byte, error) {
	if len(res) < 1+minLen || res[0] != cmd+1 {
		return nil, fmt.Errorf("%s response % X: %w", command, res, ErrInvalidResponse)
	}
	return res[1:], nil
}
