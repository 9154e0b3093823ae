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

package llcp

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ZaparooProject/go-llcp/internal/clock"
	"github.com/ZaparooProject/go-llcp/internal/logging"
)

// fakeMAC records transmitted frames.
type fakeMAC struct {
	err      error
	frames   [][]byte
	released []LinkReason
	mu       sync.Mutex
}

func (m *fakeMAC) Transmit(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, append([]byte(nil), frame...))
	return m.err
}

func (m *fakeMAC) LinkDeactivated(reason LinkReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, reason)
}

func (m *fakeMAC) take() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.frames
	m.frames = nil
	return out
}

func (m *fakeMAC) releases() []LinkReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LinkReason(nil), m.released...)
}

// recorder collects SAP events.
type recorder struct {
	events []Event
	mu     sync.Mutex
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) last(t EventType) (Event, bool) {
	events := r.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == t {
			return events[i], true
		}
	}
	return Event{}, false
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// logLine is one line written through captureLogger.
type logLine struct {
	fields map[string]any
	msg    string
}

// captureLogger keeps formatted lines with the fields they were tagged with.
type captureLogger struct {
	fields map[string]any
	sink   *logSink
}

type logSink struct {
	lines []logLine
	mu    sync.Mutex
}

func newCaptureLogger() *captureLogger {
	return &captureLogger{sink: &logSink{}}
}

func (c *captureLogger) write(msg string) {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	c.sink.lines = append(c.sink.lines, logLine{fields: c.fields, msg: msg})
}

func (c *captureLogger) Info(args ...any)  { c.write(fmt.Sprint(args...)) }
func (c *captureLogger) Debug(args ...any) { c.write(fmt.Sprint(args...)) }
func (c *captureLogger) Error(args ...any) { c.write(fmt.Sprint(args...)) }
func (c *captureLogger) Warn(args ...any)  { c.write(fmt.Sprint(args...)) }

func (c *captureLogger) Infof(format string, args ...any)  { c.write(fmt.Sprintf(format, args...)) }
func (c *captureLogger) Debugf(format string, args ...any) { c.write(fmt.Sprintf(format, args...)) }
func (c *captureLogger) Errorf(format string, args ...any) { c.write(fmt.Sprintf(format, args...)) }
func (c *captureLogger) Warnf(format string, args ...any)  { c.write(fmt.Sprintf(format, args...)) }

func (c *captureLogger) ChildLogger(tags map[string]any) logging.Logger {
	merged := make(map[string]any, len(c.fields)+len(tags))
	for k, v := range c.fields {
		merged[k] = v
	}
	for k, v := range tags {
		merged[k] = v
	}
	return &captureLogger{fields: merged, sink: c.sink}
}

func (c *captureLogger) WithFields(fields map[string]any) logging.Logger {
	return c.ChildLogger(fields)
}

// find returns the first line with the given message.
func (c *captureLogger) find(msg string) (logLine, bool) {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	for _, l := range c.sink.lines {
		if l.msg == msg {
			return l, true
		}
	}
	return logLine{}, false
}

type linkRecorder struct {
	events []LinkEvent
	mu     sync.Mutex
}

func (r *linkRecorder) handle(ev LinkEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *linkRecorder) all() []LinkEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LinkEvent(nil), r.events...)
}

func (r *linkRecorder) last() LinkEvent {
	events := r.all()
	if len(events) == 0 {
		return LinkEvent{}
	}
	return events[len(events)-1]
}

// scenarioGB is a peer advertising version 1.1, MIUX 0, WKS 0x0002, LTO 100ms
// and both link service classes.
var scenarioGB = []byte{
	0x46, 0x66, 0x6D,
	0x01, 0x01, 0x11,
	0x02, 0x02, 0x00, 0x00,
	0x03, 0x02, 0x00, 0x02,
	0x04, 0x01, 0x0A,
	0x07, 0x01, 0x03,
}

// peerGB builds general bytes for a peer with the given link MIU and a long
// link timeout.
func peerGB(miu int) []byte {
	return LinkParams{Version: LocalVersion, MIU: miu, WKS: 0x0001, LTO: 2550 * time.Millisecond, LSC: LSCBoth}.GeneralBytes()
}

type harness struct {
	e     *Engine
	mac   *fakeMAC
	clk   *clock.Fake
	links *linkRecorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{mac: &fakeMAC{}, clk: clock.NewFake(), links: &linkRecorder{}}
	base := []Option{WithClock(h.clk), WithLogger(logging.Nop()), WithLinkHandler(h.links.handle)}
	e, err := New(h.mac, append(base, opts...)...)
	require.NoError(t, err)
	h.e = e
	return h
}

// activate brings the engine up as initiator and consumes its first SYMM.
func (h *harness) activate(t *testing.T, gb []byte) {
	t.Helper()
	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: gb, Role: RoleInitiator}))
	frames := h.mac.take()
	require.Len(t, frames, 1)
	require.Equal(t, []byte{0x00, 0x00}, frames[0])
}

// deliver feeds one frame and returns what the engine sent in reply,
// running the symmetry timer if it held its turn.
func (h *harness) deliver(t *testing.T, frame []byte) []byte {
	t.Helper()
	require.NoError(t, h.e.Receive(frame))
	frames := h.mac.take()
	if len(frames) == 0 {
		h.clk.Advance(h.e.cfg.SymmetryDelay)
		frames = h.mac.take()
	}
	require.Len(t, frames, 1)
	return frames[0]
}

// symm is the peer's SYMM.
func symm() []byte {
	return []byte{0x00, 0x00}
}

func decode(t *testing.T, frame []byte) PDU {
	t.Helper()
	p, err := DecodePDU(frame)
	require.NoError(t, err)
	return p
}

func marshal(p PDU) []byte {
	return p.Marshal()
}

// connect brings up a data link from local to remote with the peer
// answering CC with the given parameters.
func (h *harness) connect(t *testing.T, local, remote SAP, peer ConnParams) {
	t.Helper()
	require.NoError(t, h.e.Connect(local, remote, ConnParams{}))
	p := decode(t, h.deliver(t, symm()))
	require.Equal(t, PTypeCONNECT, p.Type)
	reply := h.deliver(t, marshal(PDU{Type: PTypeCC, DSAP: local, SSAP: remote, Info: peer.appendTLVs(nil, false)}))
	require.Equal(t, symm(), reply)
}

// pair wires two engines back to back over fake MACs sharing one clock.
type pair struct {
	a, b   *Engine
	ma, mb *fakeMAC
	clk    *clock.Fake
	la, lb *linkRecorder
}

func newPair(t *testing.T, aOpts, bOpts []Option) *pair {
	t.Helper()
	p := &pair{ma: &fakeMAC{}, mb: &fakeMAC{}, clk: clock.NewFake(), la: &linkRecorder{}, lb: &linkRecorder{}}
	var err error
	p.a, err = New(p.ma, append([]Option{WithClock(p.clk), WithLogger(logging.Nop()), WithLinkHandler(p.la.handle)}, aOpts...)...)
	require.NoError(t, err)
	p.b, err = New(p.mb, append([]Option{WithClock(p.clk), WithLogger(logging.Nop()), WithLinkHandler(p.lb.handle)}, bOpts...)...)
	require.NoError(t, err)
	return p
}

func (p *pair) activate(t *testing.T) {
	t.Helper()
	require.NoError(t, p.b.Activate(ActivationParams{GeneralBytes: p.a.GeneralBytes(), Role: RoleTarget, WaitingTime: 14}))
	require.NoError(t, p.a.Activate(ActivationParams{GeneralBytes: p.b.GeneralBytes(), Role: RoleInitiator}))
}

// pump moves frames between the engines, advancing the clock whenever the
// line is quiet.
func (p *pair) pump(rounds int) {
	for range rounds {
		moved := false
		for _, f := range p.ma.take() {
			_ = p.b.Receive(f)
			moved = true
		}
		for _, f := range p.mb.take() {
			_ = p.a.Receive(f)
			moved = true
		}
		if !moved {
			p.clk.Advance(5 * time.Millisecond)
		}
	}
}
