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

package pn532

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Transport moves PN532 commands over a bus. SendCommand returns the
// response frame data starting with the response code (command + 1).
// UART, I2C and SPI backends implement it.
type Transport interface {
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)
	Close() error
	SetTimeout(timeout time.Duration) error
	IsConnected() bool
	Type() TransportType
}

// TransportType represents the type of transport
type TransportType string

const (
	TransportUART TransportType = "uart"
	TransportI2C  TransportType = "i2c"
	TransportSPI  TransportType = "spi"
	TransportMock TransportType = "mock"
)

// TransportWithRetry wraps a Transport with retry capabilities
type TransportWithRetry struct {
	transport Transport
	config    *RetryConfig
	mu        sync.RWMutex
}

// NewTransportWithRetry creates a new transport wrapper with retry logic
func NewTransportWithRetry(transport Transport, config *RetryConfig) *TransportWithRetry {
	if config == nil {
		config = DefaultRetryConfig()
	}
	return &TransportWithRetry{
		transport: transport,
		config:    config,
	}
}

// SendCommand sends cmd, retrying transient failures of commands that are
// safe to repeat.
func (t *TransportWithRetry) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	t.mu.RLock()
	config := RetryConfigForCommand(cmd, t.config)
	t.mu.RUnlock()

	var result []byte
	err := RetryWithConfig(ctx, config, func() error {
		var err error
		result, err = t.transport.SendCommand(ctx, cmd, args)
		if err == nil {
			return nil
		}
		if recoverable(err) && t.attemptRecovery(ctx, cmd) == nil {
			if result, err = t.transport.SendCommand(ctx, cmd, args); err == nil {
				return nil
			}
		}
		return err
	})
	return result, err
}

func recoverable(err error) bool {
	return errors.Is(err, ErrNACKReceived) || errors.Is(err, ErrFrameCorrupted)
}

// attemptRecovery resets the PN532 state with a SAM configuration and
// checks it answers a firmware query.
func (t *TransportWithRetry) attemptRecovery(ctx context.Context, originalCmd byte) error {
	if originalCmd == CmdSAMConfiguration || originalCmd == CmdGetFirmwareVersion {
		return errors.New("recovery command failed, skipping nested recovery")
	}
	if _, err := t.transport.SendCommand(ctx, CmdSAMConfiguration, []byte{byte(SAMModeNormal), 0x14, 0x01}); err != nil {
		return fmt.Errorf("recovery SAM configuration failed: %w", err)
	}
	if _, err := t.transport.SendCommand(ctx, CmdGetFirmwareVersion, nil); err != nil {
		return fmt.Errorf("recovery health check failed: %w", err)
	}
	return nil
}

// Close closes the transport connection
func (t *TransportWithRetry) Close() error {
	if err := t.transport.Close(); err != nil {
		return fmt.Errorf("failed to close underlying transport: %w", err)
	}
	return nil
}

// SetTimeout sets the read timeout for the transport
func (t *TransportWithRetry) SetTimeout(timeout time.Duration) error {
	if err := t.transport.SetTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set timeout on underlying transport: %w", err)
	}
	return nil
}

// IsConnected returns true if the transport is connected
func (t *TransportWithRetry) IsConnected() bool {
	return t.transport.IsConnected()
}

// Type returns the transport type
func (t *TransportWithRetry) Type() TransportType {
	return t.transport.Type()
}

// SetRetryConfig updates the retry configuration
func (t *TransportWithRetry) SetRetryConfig(config *RetryConfig) {
	t.mu.Lock()
	t.config = config
	t.mu.Unlock()
}

// MockCall is one command seen by a MockTransport.
type MockCall struct {
	Args []byte
	Cmd  byte
}

// MockTransport provides a scripted Transport for tests. Queued responses
// are returned in order before the fixed response of a command.
type MockTransport struct {
	responses map[byte][]byte
	queued    map[byte][][]byte
	errorMap  map[byte]error
	calls     []MockCall
	timeout   time.Duration
	mu        sync.Mutex
	connected bool
}

// NewMockTransport creates a new mock transport
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		timeout:   time.Second,
		responses: make(map[byte][]byte),
		queued:    make(map[byte][][]byte),
		errorMap:  make(map[byte]error),
	}
}

// SendCommand implements Transport.
func (m *MockTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, NewTransportError("send command", "mock", ErrTransportClosed, ErrorTypePermanent)
	}
	m.calls = append(m.calls, MockCall{Cmd: cmd, Args: append([]byte(nil), args...)})

	if err, ok := m.errorMap[cmd]; ok {
		return nil, err
	}
	if q := m.queued[cmd]; len(q) > 0 {
		m.queued[cmd] = q[1:]
		return q[0], nil
	}
	if res, ok := m.responses[cmd]; ok {
		return res, nil
	}
	return []byte{cmd + 1, 0x00}, nil
}

// Close implements Transport.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// SetTimeout implements Transport.
func (m *MockTransport) SetTimeout(timeout time.Duration) error {
	m.mu.Lock()
	m.timeout = timeout
	m.mu.Unlock()
	return nil
}

// IsConnected implements Transport.
func (m *MockTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Type implements Transport.
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Timeout returns the last timeout set.
func (m *MockTransport) Timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timeout
}

// SetResponse configures the fixed response for cmd.
func (m *MockTransport) SetResponse(cmd byte, response []byte) {
	m.mu.Lock()
	m.responses[cmd] = response
	m.mu.Unlock()
}

// QueueResponse appends one-shot responses for cmd.
func (m *MockTransport) QueueResponse(cmd byte, responses ...[]byte) {
	m.mu.Lock()
	m.queued[cmd] = append(m.queued[cmd], responses...)
	m.mu.Unlock()
}

// SetError configures an error to be returned for cmd.
func (m *MockTransport) SetError(cmd byte, err error) {
	m.mu.Lock()
	m.errorMap[cmd] = err
	m.mu.Unlock()
}

// ClearError removes error injection for cmd.
func (m *MockTransport) ClearError(cmd byte) {
	m.mu.Lock()
	delete(m.errorMap, cmd)
	m.mu.Unlock()
}

// Calls returns a copy of every command seen so far.
func (m *MockTransport) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// CallCount returns how many times cmd was sent.
func (m *MockTransport) CallCount(cmd byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Cmd == cmd {
			n++
		}
	}
	return n
}
