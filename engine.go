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
	"time"

	"github.com/ZaparooProject/go-llcp/internal/logging"
	"github.com/ZaparooProject/go-llcp/internal/syncutil"
)

type turn uint8

const (
	turnRemote turn = iota
	turnLocal
)

// linkControl is the per-activation link state. It is reset on every
// activation.
type linkControl struct {
	peer       LinkParams
	timer      timerSlot
	inactivity timerSlot
	peerLTO    time.Duration
	symmDelay  time.Duration
	localMIU   int
	effMIU     int
	state      LinkState
	role       Role
	turn       turn
	version    Version

	// scheduling
	uiTurn    bool
	sapCursor int
	dlcCursor int

	// link DISC queued by a local deactivation
	discPending      bool
	discSent         bool
	deactivateReason LinkReason

	// reply to every frame with an invalid PDU until the RF link drops
	invalidReplies bool
}

func (l *linkControl) active() bool {
	return l.state == LinkActivated || l.state == LinkDeactivating
}

// Engine is an LLCP link engine for one NFC-DEP link.
//
// All methods are safe for concurrent use. Handlers and MAC transmissions
// run outside the engine lock, in the order they were produced.
type Engine struct {
	mac  MAC
	cfg  *Config
	log  logging.Logger
	saps [sapCount]*sapEntry
	dlcs []dlc
	sigQ [][]byte
	sdp  sdpState

	outbox []func()
	link   linkControl
	cong   congestion
	stats  Stats

	mu       syncutil.Mutex
	draining bool
	sending  bool
}

// New creates an engine transmitting through mac.
func New(mac MAC, opts ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.GetLogger().ChildLogger(map[string]any{"component": "llcp"})
	}

	e := &Engine{
		mac:  mac,
		cfg:  cfg,
		log:  cfg.Logger,
		dlcs: make([]dlc, cfg.MaxConnections),
	}
	e.sdp.init()
	e.updateLinkThresholds()
	return e, nil
}

// lock and unlock bracket every entry point. unlock delivers the side
// effects queued while the lock was held.
func (e *Engine) lock() {
	e.mu.Lock()
}

func (e *Engine) unlock() {
	e.mu.Unlock()
	e.drain()
}

// drain runs queued side effects outside the lock. Only one goroutine
// drains at a time; effects queued meanwhile are picked up by that one.
func (e *Engine) drain() {
	for {
		e.mu.Lock()
		if e.draining || len(e.outbox) == 0 {
			e.mu.Unlock()
			return
		}
		e.draining = true
		batch := e.outbox
		e.outbox = nil
		e.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}
}

func (e *Engine) post(fn func()) {
	e.outbox = append(e.outbox, fn)
}

func (e *Engine) notify(sap SAP, ev Event) {
	s := e.saps[sap]
	if s == nil || s.handler == nil {
		return
	}
	h := s.handler
	e.log.Debugf("event %s local=%02X remote=%02X", ev.Type, ev.LocalSAP, ev.RemoteSAP)
	e.post(func() { h(ev) })
}

func (e *Engine) notifyLink(state LinkState, reason LinkReason) {
	e.log.Infof("link %s (%s)", state, reason)
	if h := e.cfg.LinkHandler; h != nil {
		ev := LinkEvent{State: state, Reason: reason}
		e.post(func() { h(ev) })
	}
}

// logPDU writes the per-PDU debug line. inbound selects which address is
// local.
func (e *Engine) logPDU(inbound bool, p *PDU) {
	local, remote, dir := p.SSAP, p.DSAP, "tx"
	if inbound {
		local, remote, dir = p.DSAP, p.SSAP, "rx"
	}
	e.log.WithFields(map[string]any{
		"local":  fmt.Sprintf("%02X", uint8(local)),
		"remote": fmt.Sprintf("%02X", uint8(remote)),
		"ptype":  p.Type.String(),
	}).Debugf("%s %s", dir, p)
}

func (e *Engine) releaseMAC(reason LinkReason) {
	if obs, ok := e.mac.(LinkObserver); ok {
		e.post(func() { obs.LinkDeactivated(reason) })
	}
}

func (e *Engine) transmit(frame []byte) {
	e.stats.FramesTx++
	e.post(func() {
		if err := e.mac.Transmit(frame); err != nil {
			e.log.Warnf("transmit failed: %v", err)
			e.lock()
			if e.link.active() {
				e.deactivate(LinkReasonTransmitError)
			}
			e.unlock()
		}
	})
}

// timerSlot is a restartable timer. Stopping or restarting it bumps gen so
// a callback already in flight sees it is stale.
type timerSlot struct {
	t   Timer
	gen uint64
}

func (e *Engine) startTimer(s *timerSlot, d time.Duration, fn func()) {
	e.stopTimer(s)
	gen := s.gen
	s.t = e.cfg.Clock.AfterFunc(d, func() {
		e.lock()
		if s.gen == gen {
			s.t = nil
			fn()
		}
		e.unlock()
	})
}

func (e *Engine) stopTimer(s *timerSlot) {
	s.gen++
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
}
