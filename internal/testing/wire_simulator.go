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

package testing

import (
	"context"
	"errors"
	"time"

	"github.com/ZaparooProject/go-llcp/internal/frame"
	"github.com/ZaparooProject/go-llcp/internal/syncutil"
	"github.com/ZaparooProject/go-llcp/pn532"
)

// Commander executes one PN532 command. *SimulatorTransport and
// *pn532.MockTransport implement it.
type Commander interface {
	SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error)
}

// errorFrame is the PN532 application level error frame.
var errorFrame = []byte{0x00, 0x00, 0xFF, 0x01, 0xFF, frame.ErrorTFI, 0x81, 0x00}

// VirtualPN532 is a PN532 at the wire level. It decodes host frames,
// acknowledges them and answers with frames built from a command level
// backend. It implements io.ReadWriter and the serial port methods the
// UART transport uses.
type VirtualPN532 struct {
	backend      Commander
	cancel       context.CancelFunc
	rx           []byte
	tx           []byte
	lastResponse []byte
	mu           syncutil.Mutex
	inFlight     uint64
	commands     int
	corruptNext  bool
	dropNextACK  bool
	closed       bool
}

// NewVirtualPN532 returns a wire simulator answering through backend.
func NewVirtualPN532(backend Commander) *VirtualPN532 {
	return &VirtualPN532{backend: backend}
}

// Write receives bytes from the host.
func (v *VirtualPN532) Write(data []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.rx = append(v.rx, data...)
	for {
		f, consumed, err := frame.Parse(v.rx)
		v.rx = v.rx[consumed:]
		switch {
		case errors.Is(err, frame.ErrIncomplete):
			return len(data), nil
		case err != nil:
			// the PN532 ignores frames it cannot decode
			continue
		}
		v.handleFrame(f)
	}
}

func (v *VirtualPN532) handleFrame(f frame.Frame) {
	switch f.Kind {
	case frame.KindAck:
		// an ACK from the host aborts the running command
		if v.cancel != nil {
			v.cancel()
			v.cancel = nil
			v.inFlight++
		}
		return
	case frame.KindNack:
		v.tx = append(v.tx, v.lastResponse...)
		return
	}

	if f.TFI != frame.HostToPn532 || len(f.Data) == 0 {
		v.tx = append(v.tx, errorFrame...)
		return
	}
	if v.dropNextACK {
		v.dropNextACK = false
	} else {
		v.tx = append(v.tx, frame.AckFrame...)
	}

	v.commands++
	v.inFlight++
	id := v.inFlight
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	go v.run(ctx, id, f.Data[0], f.Data[1:])
}

func (v *VirtualPN532) run(ctx context.Context, id uint64, cmd byte, args []byte) {
	res, err := v.backend.SendCommand(ctx, cmd, args)

	v.mu.Lock()
	defer v.mu.Unlock()
	if id != v.inFlight || v.closed {
		return
	}
	v.cancel = nil

	out := errorFrame
	if err == nil {
		if out, err = frame.Encode(frame.Pn532ToHost, res); err != nil {
			out = errorFrame
		}
	}
	v.lastResponse = out
	if v.corruptNext {
		v.corruptNext = false
		bad := append([]byte(nil), out...)
		bad[len(bad)-2] ^= 0xFF
		out = bad
	}
	v.tx = append(v.tx, out...)
}

// Read returns bytes for the host. With nothing to send it behaves like a
// serial read timeout.
func (v *VirtualPN532) Read(buf []byte) (int, error) {
	v.mu.Lock()
	if len(v.tx) == 0 {
		v.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(buf, v.tx)
	v.tx = v.tx[n:]
	v.mu.Unlock()
	return n, nil
}

// InjectChecksumError corrupts the data checksum of the next response.
// A NACK from the host retrieves the intact frame.
func (v *VirtualPN532) InjectChecksumError() {
	v.mu.Lock()
	v.corruptNext = true
	v.mu.Unlock()
}

// DropNextACK suppresses the ACK of the next command.
func (v *VirtualPN532) DropNextACK() {
	v.mu.Lock()
	v.dropNextACK = true
	v.mu.Unlock()
}

// Commands returns the number of information frames received.
func (v *VirtualPN532) Commands() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commands
}

// Drain is a no-op.
func (*VirtualPN532) Drain() error { return nil }

// SetReadTimeout is a no-op; empty reads return after a millisecond.
func (*VirtualPN532) SetReadTimeout(time.Duration) error { return nil }

// ResetInputBuffer discards unread output.
func (v *VirtualPN532) ResetInputBuffer() error {
	v.mu.Lock()
	v.tx = nil
	v.mu.Unlock()
	return nil
}

// Close aborts the running command.
func (v *VirtualPN532) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
	return nil
}

var _ Commander = (*pn532.MockTransport)(nil)
