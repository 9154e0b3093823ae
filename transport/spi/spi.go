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

// Package spi implements the PN532 host interface over SPI. The PN532
// shifts bytes LSB first, so every byte is bit reversed on the wire.
package spi

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/ZaparooProject/go-llcp/internal/frame"
	"github.com/ZaparooProject/go-llcp/pn532"
)

const (
	spiStatRead  = 0x02
	spiDataWrite = 0x01
	spiDataRead  = 0x03
	spiReady     = 0x01

	defaultFreq    = 1 * physic.MegaHertz
	defaultTimeout = time.Second
	pollInterval   = time.Millisecond
)

// Transport talks to a PN532 over SPI.
type Transport struct {
	conn     conn.Conn
	port     spi.PortCloser
	trace    *pn532.TraceBuffer
	portName string
	timeout  time.Duration
	mu       sync.Mutex
}

// New opens portName in mode 0 at 1MHz.
func New(portName string) (*Transport, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	port, err := spireg.Open(portName)
	if err != nil {
		return nil, pn532.NewTransportError("open", portName, err, pn532.ErrorTypePermanent)
	}
	c, err := port.Connect(defaultFreq, spi.Mode0, 8)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	t := NewWithConn(c, portName)
	t.port = port
	t.wakeup()
	return t, nil
}

// NewWithConn uses an existing connection to the PN532.
func NewWithConn(c conn.Conn, portName string) *Transport {
	return &Transport{
		conn:     c,
		portName: portName,
		timeout:  defaultTimeout,
		trace:    pn532.NewTraceBuffer("SPI", portName, 16),
	}
}

// wakeup toggles chip select with a dummy byte.
func (t *Transport) wakeup() {
	time.Sleep(time.Millisecond)
	_ = t.conn.Tx([]byte{0x00}, nil)
	time.Sleep(time.Millisecond)
}

// reverseBit reverses the bits in a byte (LSB <-> MSB).
func reverseBit(b byte) byte {
	var result byte
	for range 8 {
		result <<= 1
		result |= b & 1
		b >>= 1
	}
	return result
}

func reverseBytes(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = reverseBit(b)
	}
	return out
}

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

// SendCommand writes one command frame and returns the response data.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, pn532.NewTransportError("send", t.portName, pn532.ErrTransportClosed, pn532.ErrorTypePermanent)
	}

	t.trace.Clear()
	res, err := t.exchange(ctx, cmd, args)
	if err != nil {
		pn532.Debugf("spi %s: command 0x%02X failed: %v", t.portName, cmd, err)
		return nil, t.trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) exchange(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	out, err := frame.Build(cmd, args)
	if err != nil {
		return nil, err
	}
	if err := t.write(out, fmt.Sprintf("cmd 0x%02X", cmd)); err != nil {
		return nil, err
	}
	if err := t.waitAck(ctx); err != nil {
		return nil, err
	}

	f, err := t.receive(ctx)
	if err != nil {
		t.abort()
		return nil, err
	}
	return frame.Response(f, cmd)
}

func (t *Transport) write(b []byte, note string) error {
	t.trace.RecordTX(b, note)
	w := append([]byte{reverseBit(spiDataWrite)}, reverseBytes(b)...)
	if err := t.conn.Tx(w, nil); err != nil {
		return pn532.NewTransportError("write", t.portName, err, pn532.ErrorTypeTransient)
	}
	return nil
}

// read clocks n bytes out of the PN532 in one transaction.
func (t *Transport) read(n int) ([]byte, error) {
	w := make([]byte, 1+n)
	w[0] = reverseBit(spiDataRead)
	r := make([]byte, 1+n)
	if err := t.conn.Tx(w, r); err != nil {
		return nil, pn532.NewTransportError("read", t.portName, err, pn532.ErrorTypeTransient)
	}
	return reverseBytes(r[1:]), nil
}

func (t *Transport) ready() (bool, error) {
	w := []byte{reverseBit(spiStatRead), 0x00}
	r := make([]byte, 2)
	if err := t.conn.Tx(w, r); err != nil {
		return false, pn532.NewTransportError("status", t.portName, err, pn532.ErrorTypeTransient)
	}
	return reverseBit(r[1])&spiReady != 0, nil
}

func (t *Transport) waitReady(ctx context.Context, deadline time.Time) error {
	for {
		ok, err := t.ready()
		if err != nil || ok {
			return err
		}
		if !time.Now().Before(deadline) {
			return pn532.NewTimeoutError("wait ready", t.portName)
		}
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}
}

func (t *Transport) waitAck(ctx context.Context) error {
	if err := t.waitReady(ctx, time.Now().Add(pn532.TransportACKTimeout)); err != nil {
		if errors.Is(err, pn532.ErrTransportTimeout) {
			t.trace.RecordTimeout("ACK")
			return pn532.NewNoACKError("wait ACK", t.portName)
		}
		return err
	}

	ack, err := t.read(len(frame.AckFrame))
	if err != nil {
		return err
	}
	t.trace.RecordRX(ack, "")
	f, _, err := frame.Parse(ack)
	switch {
	case err == nil && f.Kind == frame.KindAck:
		return nil
	case err == nil && f.Kind == frame.KindNack:
		return pn532.NewNACKReceivedError("wait ACK", t.portName)
	}
	return pn532.NewInvalidResponseError("wait ACK", t.portName)
}

func (t *Transport) receive(ctx context.Context) (frame.Frame, error) {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for nacks := 0; ; nacks++ {
		if err := t.waitReady(ctx, deadline); err != nil {
			if errors.Is(err, pn532.ErrTransportTimeout) {
				t.trace.RecordTimeout("response")
			}
			return frame.Frame{}, err
		}

		buf, err := t.read(frame.MaxFrameLength - 1)
		if err != nil {
			return frame.Frame{}, err
		}
		f, consumed, err := frame.Parse(buf)
		switch {
		case errors.Is(err, frame.ErrIncomplete):
			t.trace.RecordRX(buf, "truncated")
			return frame.Frame{}, pn532.NewFrameCorruptedError("receive", t.portName)
		case errors.Is(err, pn532.ErrChecksumMismatch):
			t.trace.RecordRX(buf[:consumed], "bad checksum")
			if nacks >= pn532.TransportACKRetries {
				return frame.Frame{}, err
			}
			if err := t.write(frame.NackFrame, "NACK"); err != nil {
				return frame.Frame{}, err
			}
			continue
		case err != nil:
			return frame.Frame{}, err
		}
		t.trace.RecordRX(buf[:consumed], "")
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

// Close releases the SPI port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = nil
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("SPI close failed: %w", err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Type returns pn532.TransportSPI.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportSPI
}

var _ pn532.Transport = (*Transport)(nil)
