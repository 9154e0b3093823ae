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

// Package uart implements the PN532 host interface over a serial port
// (HSU mode, 115200 8N1).
package uart

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.bug.st/serial"

	"github.com/ZaparooProject/go-llcp/internal/frame"
	"github.com/ZaparooProject/go-llcp/pn532"
)

const (
	baudRate       = 115200
	defaultTimeout = time.Second
	traceEntries   = 16
)

// readTimeout is the poll interval of a single port read. Windows serial
// drivers round short timeouts up, so it gets a longer one.
func readTimeout() time.Duration {
	if runtime.GOOS == "windows" {
		return 100 * time.Millisecond
	}
	return 50 * time.Millisecond
}

// wakeupPreamble takes the PN532 out of power-down: 0x55 followed by
// enough zeros to cover the oscillator start.
var wakeupPreamble = append([]byte{0x55, 0x55}, make([]byte, 14)...)

// Port is the part of serial.Port the transport needs.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

// Transport talks to a PN532 over UART.
type Transport struct {
	port     Port
	trace    *pn532.TraceBuffer
	portName string
	rx       []byte
	timeout  time.Duration
	mu       sync.Mutex
	awake    bool
}

// New opens portName at 115200 baud.
func New(portName string) (*Transport, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, pn532.NewTransportError("open", portName, err, pn532.ErrorTypePermanent)
	}
	t, err := NewWithPort(port, portName)
	if err != nil {
		_ = port.Close()
		return nil, err
	}
	return t, nil
}

// NewWithPort wraps an already opened port.
func NewWithPort(port Port, portName string) (*Transport, error) {
	if port == nil {
		return nil, pn532.ErrInvalidParameter
	}
	if err := port.SetReadTimeout(readTimeout()); err != nil {
		return nil, fmt.Errorf("set read timeout on %s: %w", portName, err)
	}
	return &Transport{
		port:     port,
		portName: portName,
		timeout:  defaultTimeout,
		trace:    pn532.NewTraceBuffer("UART", portName, traceEntries),
	}, nil
}

// SendCommand writes one command frame and returns the response data.
func (t *Transport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil, pn532.NewTransportError("send", t.portName, pn532.ErrTransportClosed, pn532.ErrorTypePermanent)
	}

	t.trace.Clear()
	res, err := t.exchange(ctx, cmd, args)
	if err != nil {
		pn532.Debugf("uart %s: command 0x%02X failed: %v", t.portName, cmd, err)
		return nil, t.trace.WrapError(err)
	}
	return res, nil
}

func (t *Transport) exchange(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	out, err := frame.Build(cmd, args)
	if err != nil {
		return nil, err
	}

	if err := t.wakeUp(); err != nil {
		return nil, err
	}
	t.rx = t.rx[:0]
	if err := t.write(out, fmt.Sprintf("cmd 0x%02X", cmd)); err != nil {
		return nil, err
	}

	early, err := t.waitAck(ctx)
	if err != nil {
		t.abort()
		return nil, err
	}

	f := early
	if f == nil {
		if f, err = t.receive(ctx); err != nil {
			t.abort()
			return nil, err
		}
	}
	if err := t.write(frame.AckFrame, "ACK"); err != nil {
		return nil, err
	}
	return frame.Response(*f, cmd)
}

// wakeUp sends the wake preamble before the first command after open.
func (t *Transport) wakeUp() error {
	if t.awake {
		return nil
	}
	if err := t.write(wakeupPreamble, "wakeup"); err != nil {
		return err
	}
	time.Sleep(pn532.UARTWakeupDelay1)
	if err := t.port.ResetInputBuffer(); err != nil {
		return pn532.NewTransportError("wakeup", t.portName, err, pn532.ErrorTypeTransient)
	}
	t.awake = true
	return nil
}

func (t *Transport) write(b []byte, note string) error {
	t.trace.RecordTX(b, note)
	if _, err := t.port.Write(b); err != nil {
		return pn532.NewTransportError("write", t.portName, err, pn532.ErrorTypeTransient)
	}
	if err := drainWithRetry(t.port); err != nil {
		return pn532.NewTransportError("drain", t.portName, err, pn532.ErrorTypeTransient)
	}
	return nil
}

// waitAck reads until an ACK arrives. Some firmware skips the ACK when the
// response is ready immediately; an information frame is then returned.
func (t *Transport) waitAck(ctx context.Context) (*frame.Frame, error) {
	deadline := time.Now().Add(pn532.TransportACKTimeout)
	for {
		f, err := t.next(ctx, deadline)
		switch {
		case errors.Is(err, pn532.ErrTransportTimeout):
			t.trace.RecordTimeout("ACK")
			t.awake = false
			return nil, pn532.NewNoACKError("wait ACK", t.portName)
		case errors.Is(err, pn532.ErrChecksumMismatch):
			continue
		case err != nil:
			return nil, err
		}

		switch f.Kind {
		case frame.KindAck:
			return nil, nil
		case frame.KindNack:
			return nil, pn532.NewNACKReceivedError("wait ACK", t.portName)
		default:
			return &f, nil
		}
	}
}

// receive reads the response frame, asking for a resend on checksum errors.
func (t *Transport) receive(ctx context.Context) (*frame.Frame, error) {
	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	nacks := 0
	for {
		f, err := t.next(ctx, deadline)
		switch {
		case errors.Is(err, pn532.ErrChecksumMismatch):
			if nacks >= pn532.TransportACKRetries {
				return nil, err
			}
			nacks++
			t.rx = t.rx[:0]
			if werr := t.write(frame.NackFrame, "NACK"); werr != nil {
				return nil, werr
			}
			continue
		case errors.Is(err, pn532.ErrTransportTimeout):
			t.trace.RecordTimeout("response")
			return nil, err
		case err != nil:
			return nil, err
		}
		if f.Kind == frame.KindAck {
			continue
		}
		return &f, nil
	}
}

// next returns the next complete frame from the receive buffer, reading
// more bytes as needed.
func (t *Transport) next(ctx context.Context, deadline time.Time) (frame.Frame, error) {
	for {
		f, consumed, err := frame.Parse(t.rx)
		if !errors.Is(err, frame.ErrIncomplete) {
			t.rx = t.rx[consumed:]
			return f, err
		}
		t.rx = t.rx[consumed:]

		if err := t.readMore(ctx, deadline); err != nil {
			return frame.Frame{}, err
		}
	}
}

func (t *Transport) readMore(ctx context.Context, deadline time.Time) error {
	buf := frame.GetBuffer()
	defer frame.PutBuffer(buf)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return pn532.NewTimeoutError("read", t.portName)
		}

		n, err := t.port.Read(buf)
		if err != nil {
			return pn532.NewTransportError("read", t.portName, err, pn532.ErrorTypeTransient)
		}
		if n > 0 {
			t.trace.RecordRX(buf[:n], "")
			t.rx = append(t.rx, buf[:n]...)
			return nil
		}
	}
}

// abort cancels the pending command. The PN532 drops the current command
// when it receives an ACK from the host.
func (t *Transport) abort() {
	_ = t.write(frame.AckFrame, "abort")
	t.rx = t.rx[:0]
}

// drainWithRetry flushes the write buffer, retrying on EINTR which some
// Linux serial drivers return when a signal arrives mid-drain.
func drainWithRetry(p Port) error {
	const attempts = 3
	var err error
	for attempt := range attempts {
		if err = p.Drain(); err == nil || !isInterrupted(err) {
			return err
		}
		time.Sleep(2 * time.Millisecond << attempt)
	}
	return err
}

func isInterrupted(err error) bool {
	if errors.Is(err, syscall.EINTR) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "interrupted system call")
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

// Close releases the serial port.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", t.portName, err)
	}
	return nil
}

// IsConnected reports whether the port is open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Type returns pn532.TransportUART.
func (*Transport) Type() pn532.TransportType {
	return pn532.TransportUART
}

var _ pn532.Transport = (*Transport)(nil)
