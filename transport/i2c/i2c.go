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

// Package i2c implements the PN532 host interface over I2C.
package i2c

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-llcp/internal/frame"
	"github.com/ZaparooProject/go-llcp/pn532"
)

const (
	// PN532 7-bit I2C address (0x48 >> 1).
	pn532Addr = 0x24

	// pn532Ready is the status byte the PN532 prepends to every read.
	pn532Ready = 0x01

	maxClockFreq   = 400 * physic.KiloHertz
	defaultTimeout = time.Second
	pollInterval   = time.Millisecond
)

// Transport talks to a PN532 on an I2C bus.
type Transport struct {
	dev     conn.Conn
	bus     i2c.BusCloser
	trace   *pn532.TraceBuffer
	busName string
	timeout time.Duration
	mu      sync.Mutex
}

// parseI2CPath strips an address suffix: "/dev/i2c-1:0x24" opens "/dev/i2c-1".
func parseI2CPath(path string) string {
	bus, _, _ := strings.Cut(path, ":")
	return bus
}

// New opens busName and addresses the PN532 on it.
func New(busName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	bus, err := i2creg.Open(parseI2CPath(busName))
	if err != nil {
		return nil, pn532.NewTransportError("open", busName, err, pn532.ErrorTypePermanent)
	}
	// not every adapter supports 400kHz; the default speed still works
	_ = bus.SetSpeed(maxClockFreq)

	t := NewWithConn(&i2c.Dev{Addr: pn532Addr, Bus: bus}, busName)
	t.bus = bus
	return t, nil
}

// NewWithConn uses an existing connection to the PN532.
func NewWithConn(dev conn.Conn, busName string) *Transport {
	return &Transport{
		dev:     dev,
		busName: busName,
		timeout: defaultTimeout,
		trace:   pn532.NewTraceBuffer("I2C", busName, 16),
	}
}

// sleepCtx performs a context-aware sleep.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isTransientACKError(err error) bool {
	return errors.Is(err, pn532.ErrNoACK) || errors.Is(err, pn532.ErrNACKReceived)
}

// SendCommand writes one command frame and returns the response data.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.dev == nil {
		return nil, pn532.NewTransportError("send", t.busName, pn532.ErrTransportClosed, pn532.ErrorTypePermanent)
	}

	t.trace.Clear()
	res, err := t.exchange(ctx, cmd, args)
	if err != nil {
		pn532.Debugf("i2c %s: command 0x%02X failed: %v", t.busName, cmd, err)
		return nil, t.trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) exchange(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	out, err := frame.Build(cmd, args)
	if err != nil {
		return nil, err
	}
	if err := t.sendWithACKRetry(ctx, cmd, out); err != nil {
		return nil, err
	}

	f, err := t.receive(ctx)
	if err != nil {
		t.abort()
		return nil, err
	}
	if err := t.write(frame.AckFrame, "ACK"); err != nil {
		return nil, err
	}
	return frame.Response(f, cmd)
}

// sendWithACKRetry writes the frame until the PN532 acknowledges it.
func (t *Transport) sendWithACKRetry(ctx context.Context, cmd byte, out []byte) error {
	var lastErr error
	for attempt := range pn532.TransportACKRetries {
		if err := t.write(out, fmt.Sprintf("cmd 0x%02X", cmd)); err != nil {
			return err
		}
		err := t.waitAck(ctx)
		if err == nil || !isTransientACKError(err) {
			return err
		}
		lastErr = err

		if attempt < pn532.TransportACKRetries-1 {
			if err := sleepCtx(ctx, pn532.ACKDelay(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("send command failed after %d ACK retries: %w", pn532.TransportACKRetries, lastErr)
}

func (t *Transport) write(b []byte, note string) error {
	t.trace.RecordTX(b, note)
	if err := t.dev.Tx(b, nil); err != nil {
		return pn532.NewTransportError("write", t.busName, err, pn532.ErrorTypeTransient)
	}
	return nil
}

// read performs one read transaction. Every transaction restarts at the
// first byte of the PN532 output buffer, so a whole frame must be read at
// once.
func (t *Transport) read(buf []byte) (ready bool, err error) {
	if err := t.dev.Tx(nil, buf); err != nil {
		return false, pn532.NewTransportError("read", t.busName, err, pn532.ErrorTypeTransient)
	}
	return buf[0]&pn532Ready != 0, nil
}

func (t *Transport) waitAck(ctx context.Context) error {
	deadline := time.Now().Add(pn532.TransportACKTimeout)
	buf := make([]byte, 1+len(frame.AckFrame))

	for time.Now().Before(deadline) {
		ready, err := t.read(buf)
		if err != nil {
			return err
		}
		if ready {
			t.trace.RecordRX(buf[1:], "")
			f, _, perr := frame.Parse(buf[1:])
			switch {
			case perr == nil && f.Kind == frame.KindAck:
				return nil
			case perr == nil && f.Kind == frame.KindNack:
				return pn532.NewNACKReceivedError("wait ACK", t.busName)
			}
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}

	t.trace.RecordTimeout("ACK")
	return pn532.NewNoACKError("wait ACK", t.busName)
}

func (t *Transport) receive(ctx context.Context) (frame.Frame, error) {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	buf := frame.GetBuffer()
	defer frame.PutBuffer(buf)

	nacks := 0
	for {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		if !time.Now().Before(deadline) {
			t.trace.RecordTimeout("response")
			return frame.Frame{}, pn532.NewTimeoutError("receive", t.busName)
		}

		ready, err := t.read(buf)
		if err != nil {
			return frame.Frame{}, err
		}
		if !ready {
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return frame.Frame{}, err
			}
			continue
		}

		f, consumed, err := frame.Parse(buf[1:])
		switch {
		case errors.Is(err, frame.ErrIncomplete):
			t.trace.RecordRX(buf[1:], "truncated")
			return frame.Frame{}, pn532.NewFrameCorruptedError("receive", t.busName)
		case errors.Is(err, pn532.ErrChecksumMismatch):
			t.trace.RecordRX(buf[1:1+consumed], "bad checksum")
			if nacks >= pn532.TransportACKRetries {
				return frame.Frame{}, err
			}
			nacks++
			if err := t.write(frame.NackFrame, "NACK"); err != nil {
				return frame.Frame{}, err
			}
			continue
		case err != nil:
			return frame.Frame{}, err
		}

		t.trace.RecordRX(buf[1:1+consumed], "")
		if f.Kind == frame.KindAck {
			continue
		}
		return f, nil
	}
}

// abort cancels the pending command.
func (t *Transport) abort() {
	_ = t.write(frame.AckFrame, "abort")
}

// SetTimeout sets the response timeout.
func (t *Transport) SetTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		return pn532.ErrInvalidParameter
	}
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return nil
}

// Close releases the bus. Leaking the descriptor can wedge the bus when the
// transport is recreated quickly.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dev = nil
	if t.bus == nil {
		return nil
	}
	err := t.bus.Close()
	t.bus = nil
	if err != nil {
		return fmt.Errorf("failed to close I2C bus: %w", err)
	}
	return nil
}

// IsConnected reports whether the bus is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev != nil
}

// Type returns pn532.TransportI2C.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportI2C
}

var _ pn532.Transport = (*Transport)(nil)
