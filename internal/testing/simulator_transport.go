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
	"sync"
	"time"

	"github.com/ZaparooProject/go-llcp/pn532"
)

// PN532 status codes the simulator reports.
const (
	statusOK           = 0x00
	statusTimeout      = 0x01
	statusInvalidState = 0x25
	statusReleased     = 0x29
	statusMI           = 0x40

	maxChunk = 252
)

// Field is the RF field shared by one simulated initiator and one simulated
// target PN532. DEP frames cross it as whole payloads.
type Field struct {
	listen chan *atrExchange
	link   *depLink
	mu     sync.Mutex
}

type atrExchange struct {
	reply    chan []byte
	targetGB []byte
}

// depLink is one activation. lost is closed when the link is released or
// broken.
type depLink struct {
	down chan []byte
	up   chan []byte
	lost chan struct{}
	once sync.Once
}

func newDEPLink() *depLink {
	return &depLink{
		down: make(chan []byte, 1),
		up:   make(chan []byte, 1),
		lost: make(chan struct{}),
	}
}

func (l *depLink) drop() {
	l.once.Do(func() { close(l.lost) })
}

// NewField returns an empty field.
func NewField() *Field {
	return &Field{listen: make(chan *atrExchange)}
}

// Initiator returns a simulated PN532 acting as DEP initiator on f.
func (f *Field) Initiator() *SimulatorTransport {
	return newSimulatorTransport(f)
}

// Target returns a simulated PN532 acting as DEP target on f.
func (f *Field) Target() *SimulatorTransport {
	return newSimulatorTransport(f)
}

// Break drops the current DEP link as if the devices were pulled apart.
func (f *Field) Break() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.link != nil {
		f.link.drop()
	}
}

func (f *Field) activate() *depLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.link != nil {
		f.link.drop()
	}
	f.link = newDEPLink()
	return f.link
}

func (f *Field) current() *depLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.link
}

// CommandLogEntry records a command sent to the transport.
type CommandLogEntry struct {
	Timestamp time.Time
	Args      []byte
	Cmd       byte
}

// SimulatorTransport is a command level PN532 implementing pn532.Transport.
// It answers the initialisation commands and the NFC-DEP initiator and
// target commands against its Field.
type SimulatorTransport struct {
	field    *Field
	link     *depLink
	log      []CommandLogEntry
	pending  []byte
	chained  []byte
	timeout  time.Duration
	mu       sync.Mutex
	cmdMu    sync.Mutex
	closed   bool
	silentTg bool
}

func newSimulatorTransport(f *Field) *SimulatorTransport {
	return &SimulatorTransport{field: f, timeout: time.Second}
}

// SendCommand runs one command. Blocking commands wait at most the
// transport timeout.
func (t *SimulatorTransport) SendCommand(ctx context.Context, cmd byte, args []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, pn532.NewTransportError("send", "sim", pn532.ErrTransportClosed, pn532.ErrorTypePermanent)
	}
	t.log = append(t.log, CommandLogEntry{
		Cmd:       cmd,
		Args:      append([]byte(nil), args...),
		Timestamp: time.Now(),
	})
	timeout := t.timeout
	t.mu.Unlock()

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch cmd {
	case pn532.CmdGetFirmwareVersion:
		return BuildFirmwareVersionResponse(), nil
	case pn532.CmdSAMConfiguration, pn532.CmdRFConfiguration:
		return []byte{cmd + 1}, nil
	case pn532.CmdInJumpForDEP:
		return t.jumpForDEP(ctx, args)
	case pn532.CmdInDataExchange:
		return t.dataExchange(ctx, args)
	case pn532.CmdInRelease:
		return t.release(), nil
	case pn532.CmdTgInitAsTarget:
		return t.initAsTarget(ctx, args)
	case pn532.CmdTgGetData:
		return t.getData(ctx)
	case pn532.CmdTgSetMetaData:
		return t.setData(ctx, cmd, args, false)
	case pn532.CmdTgSetData:
		return t.setData(ctx, cmd, args, true)
	}
	return nil, pn532.NewTransportError("send", "sim", pn532.ErrSyntaxError, pn532.ErrorTypePermanent)
}

func (t *SimulatorTransport) jumpForDEP(ctx context.Context, args []byte) ([]byte, error) {
	gb, ok := jumpGeneralBytes(args)
	if !ok {
		return BuildStatusResponse(pn532.CmdInJumpForDEP, 0x10), nil
	}

	var x *atrExchange
	select {
	case x = <-t.field.listen:
	case <-ctx.Done():
		return BuildStatusResponse(pn532.CmdInJumpForDEP, statusTimeout), nil
	}

	t.link = t.field.activate()
	t.pending, t.chained = nil, nil
	x.reply <- append([]byte(nil), gb...)
	return BuildJumpForDEPResponse(x.targetGB), nil
}

// jumpGeneralBytes extracts Gi from InJumpForDEP arguments.
func jumpGeneralBytes(args []byte) ([]byte, bool) {
	if len(args) < 3 {
		return nil, false
	}
	off := 3
	if args[2]&0x01 != 0 {
		if args[1] == 0x00 {
			off += 4
		} else {
			off += 5
		}
	}
	if args[2]&0x02 != 0 {
		off += 10
	}
	if off > len(args) {
		return nil, false
	}
	if args[2]&0x04 == 0 {
		return nil, true
	}
	return args[off:], true
}

func (t *SimulatorTransport) dataExchange(ctx context.Context, args []byte) ([]byte, error) {
	const cmd = pn532.CmdInDataExchange
	link := t.link
	if link == nil || len(args) == 0 || args[0]&0x3F != 0x01 {
		return BuildStatusResponse(cmd, statusInvalidState), nil
	}
	if len(args) == 1 && len(t.pending) > 0 {
		return t.nextChunk(cmd), nil
	}

	t.chained = append(t.chained, args[1:]...)
	if args[0]&statusMI != 0 {
		return BuildStatusResponse(cmd, statusOK), nil
	}
	data := t.chained
	t.chained = nil

	select {
	case link.down <- data:
	case <-link.lost:
		return BuildStatusResponse(cmd, statusTimeout), nil
	case <-ctx.Done():
		return BuildStatusResponse(cmd, statusTimeout), nil
	}
	select {
	case res := <-link.up:
		t.pending = res
		return t.nextChunk(cmd), nil
	case <-link.lost:
	case <-ctx.Done():
	}
	return BuildStatusResponse(cmd, statusTimeout), nil
}

func (t *SimulatorTransport) release() []byte {
	if t.link != nil {
		t.link.drop()
		t.link = nil
	}
	t.pending, t.chained = nil, nil
	return BuildStatusResponse(pn532.CmdInRelease, statusOK)
}

func (t *SimulatorTransport) initAsTarget(ctx context.Context, args []byte) ([]byte, error) {
	if len(args) < 37 || len(args) < 37+int(args[35]) {
		return nil, pn532.NewTransportError("TgInitAsTarget", "sim", pn532.ErrSyntaxError, pn532.ErrorTypePermanent)
	}
	x := &atrExchange{
		targetGB: append([]byte(nil), args[36:36+int(args[35])]...),
		reply:    make(chan []byte, 1),
	}

	select {
	case t.field.listen <- x:
	case <-ctx.Done():
		return nil, pn532.NewTimeoutError("TgInitAsTarget", "sim")
	}
	gi := <-x.reply

	t.link = t.field.current()
	t.pending, t.chained = nil, nil
	res := []byte{pn532.CmdTgInitAsTarget + 1, 0x04}
	return append(res, BuildATRReq(gi)...), nil
}

func (t *SimulatorTransport) getData(ctx context.Context) ([]byte, error) {
	const cmd = pn532.CmdTgGetData
	if len(t.pending) > 0 {
		return t.nextChunk(cmd), nil
	}
	link := t.link
	if link == nil {
		return BuildStatusResponse(cmd, statusReleased), nil
	}

	select {
	case data := <-link.down:
		t.pending = data
		return t.nextChunk(cmd), nil
	case <-link.lost:
		return BuildStatusResponse(cmd, statusReleased), nil
	case <-ctx.Done():
		return nil, pn532.NewTimeoutError("TgGetData", "sim")
	}
}

func (t *SimulatorTransport) setData(ctx context.Context, cmd byte, args []byte, final bool) ([]byte, error) {
	link := t.link
	if link == nil {
		return BuildStatusResponse(cmd, statusReleased), nil
	}
	select {
	case <-link.lost:
		return BuildStatusResponse(cmd, statusReleased), nil
	default:
	}

	t.chained = append(t.chained, args...)
	if !final {
		return BuildStatusResponse(cmd, statusOK), nil
	}
	data := t.chained
	t.chained = nil

	t.mu.Lock()
	silent := t.silentTg
	t.mu.Unlock()
	if silent {
		return BuildStatusResponse(cmd, statusOK), nil
	}

	select {
	case link.up <- data:
		return BuildStatusResponse(cmd, statusOK), nil
	case <-link.lost:
		return BuildStatusResponse(cmd, statusReleased), nil
	case <-ctx.Done():
		return nil, pn532.NewTimeoutError("TgSetData", "sim")
	}
}

// nextChunk returns up to one PN532 frame of the pending payload, with MI
// set while more remains.
func (t *SimulatorTransport) nextChunk(cmd byte) []byte {
	n := min(len(t.pending), maxChunk)
	status := byte(statusOK)
	if len(t.pending) > maxChunk {
		status = statusMI
	}
	res := append(BuildStatusResponse(cmd, status), t.pending[:n]...)
	t.pending = t.pending[n:]
	return res
}

// SetSilent makes a target swallow its answers, as if they were lost on
// the air.
func (t *SimulatorTransport) SetSilent(silent bool) {
	t.mu.Lock()
	t.silentTg = silent
	t.mu.Unlock()
}

// Close closes the transport.
func (t *SimulatorTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// SetTimeout bounds blocking commands.
func (t *SimulatorTransport) SetTimeout(timeout time.Duration) error {
	t.mu.Lock()
	t.timeout = timeout
	t.mu.Unlock()
	return nil
}

// IsConnected reports whether Close has not been called.
func (t *SimulatorTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

// Type returns pn532.TransportMock.
func (*SimulatorTransport) Type() pn532.TransportType {
	return pn532.TransportMock
}

// CommandLog returns a copy of the commands sent so far.
func (t *SimulatorTransport) CommandLog() []CommandLogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]CommandLogEntry(nil), t.log...)
}

// CommandCount returns how many times cmd was sent.
func (t *SimulatorTransport) CommandCount(cmd byte) int {
	count := 0
	for _, entry := range t.CommandLog() {
		if entry.Cmd == cmd {
			count++
		}
	}
	return count
}

var _ pn532.Transport = (*SimulatorTransport)(nil)
