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

	"github.com/pkg/errors"
)

// ConnState is the state of a data link connection.
type ConnState uint8

// Data link connection states. ConnIdle slots are free.
const (
	ConnIdle ConnState = iota
	ConnWaitRemoteResp
	ConnWaitLocalResp
	ConnConnected
	ConnWaitRemoteDisc
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnWaitRemoteResp:
		return "wait-remote-response"
	case ConnWaitLocalResp:
		return "wait-local-response"
	case ConnConnected:
		return "connected"
	case ConnWaitRemoteDisc:
		return "wait-remote-disconnect"
	default:
		return fmt.Sprintf("ConnState(%d)", uint8(s))
	}
}

// ConnInfo is a snapshot of one data link connection.
type ConnInfo struct {
	State       ConnState
	LocalSAP    SAP
	RemoteSAP   SAP
	LocalMIU    int
	RemoteMIU   int
	LocalRW     int
	RemoteRW    int
	TxQueued    int
	RxQueued    int
	TxCongested bool
	RxCongested bool
	RemoteBusy  bool
}

type dlc struct {
	txQ         [][]byte
	rxQ         rxQueue
	timer       timerSlot
	localMIU    int
	remoteMIU   int
	localRW     int
	remoteRW    int
	rxThreshold int
	state       ConnState
	local       SAP
	remote      SAP

	// sequence state, modulo 16
	vs  uint8
	vsa uint8
	vr  uint8
	vra uint8

	localBusy        bool
	remoteBusy       bool
	txCongested      bool
	rxCongested      bool
	pendingDisc      bool
	ackPending       bool
	notifyTxComplete bool
}

// outstanding counts I-PDUs queued or sent but not yet acknowledged.
func (d *dlc) outstanding() int {
	return len(d.txQ) + int(mod16(d.vs, d.vsa))
}

func (d *dlc) canSendI() bool {
	return d.state == ConnConnected && len(d.txQ) > 0 && !d.remoteBusy &&
		int(mod16(d.vs, d.vsa)) < d.remoteRW
}

func (d *dlc) drained() bool {
	return len(d.txQ) == 0 && d.vs == d.vsa
}

func (d *dlc) discReady() bool {
	return d.pendingDisc && d.state == ConnConnected && d.drained() && d.vr == d.vra
}

func (d *dlc) info() ConnInfo {
	return ConnInfo{
		State:       d.state,
		LocalSAP:    d.local,
		RemoteSAP:   d.remote,
		LocalMIU:    d.localMIU,
		RemoteMIU:   d.remoteMIU,
		LocalRW:     d.localRW,
		RemoteRW:    d.remoteRW,
		TxQueued:    d.outstanding(),
		RxQueued:    d.rxQ.len(),
		TxCongested: d.txCongested,
		RxCongested: d.rxCongested,
		RemoteBusy:  d.remoteBusy,
	}
}

type dlcEvent uint8

const (
	evConnectReq dlcEvent = iota
	evConnectInd
	evAccept
	evReject
	evDisconnectReq
	evPeerCC
	evPeerDM
	evPeerDISC
	evPeerI
	evPeerRR
	evPeerRNR
	evPeerFRMR
	evTimeout
	evLinkError
)

var dlcEventNames = [...]string{
	evConnectReq:    "connect-req",
	evConnectInd:    "connect-ind",
	evAccept:        "accept",
	evReject:        "reject",
	evDisconnectReq: "disconnect-req",
	evPeerCC:        "CC",
	evPeerDM:        "DM",
	evPeerDISC:      "DISC",
	evPeerI:         "I",
	evPeerRR:        "RR",
	evPeerRNR:       "RNR",
	evPeerFRMR:      "FRMR",
	evTimeout:       "timeout",
	evLinkError:     "link-error",
}

func (ev dlcEvent) String() string {
	if int(ev) < len(dlcEventNames) {
		return dlcEventNames[ev]
	}
	return fmt.Sprintf("dlcEvent(%d)", uint8(ev))
}

var pduEvents = map[PType]dlcEvent{
	PTypeCC:   evPeerCC,
	PTypeDM:   evPeerDM,
	PTypeDISC: evPeerDISC,
	PTypeI:    evPeerI,
	PTypeRR:   evPeerRR,
	PTypeRNR:  evPeerRNR,
	PTypeFRMR: evPeerFRMR,
}

type dlcInput struct {
	pdu    *PDU
	params ConnParams
	reason DisconnectReason
	flush  bool
}

// execute runs one event through the connection's state handler.
func (e *Engine) execute(d *dlc, ev dlcEvent, in dlcInput) error {
	e.log.Debugf("dlc %02X:%02X %s on %s", d.local, d.remote, d.state, ev)
	switch d.state {
	case ConnIdle:
		return e.onIdle(d, ev, in)
	case ConnWaitRemoteResp:
		return e.onWaitRemoteResp(d, ev, in)
	case ConnWaitLocalResp:
		return e.onWaitLocalResp(d, ev, in)
	case ConnConnected:
		return e.onConnected(d, ev, in)
	case ConnWaitRemoteDisc:
		return e.onWaitRemoteDisc(d, ev, in)
	default:
		return errors.Wrapf(ErrBadState, "state %s", d.state)
	}
}

func (e *Engine) unexpected(d *dlc, ev dlcEvent) error {
	e.log.Warnf("dlc %02X:%02X: unexpected %s in %s", d.local, d.remote, ev, d.state)
	return errors.Wrapf(ErrBadState, "%s in %s", ev, d.state)
}

func (e *Engine) onIdle(d *dlc, ev dlcEvent, in dlcInput) error {
	switch ev {
	case evConnectReq:
		d.localMIU = in.params.MIU
		d.localRW = in.params.RW
		e.queueSignal(&PDU{Type: PTypeCONNECT, DSAP: d.remote, SSAP: d.local,
			Info: in.params.appendTLVs(nil, true)})
		d.state = ConnWaitRemoteResp
		e.startConnTimer(d)
		return nil
	case evConnectInd:
		d.remoteMIU = in.params.MIU
		d.remoteRW = in.params.RW
		d.state = ConnWaitLocalResp
		e.startConnTimer(d)
		e.notifyConnection(d, Event{Type: EventConnectInd, Params: in.params})
		return nil
	default:
		return e.unexpected(d, ev)
	}
}

func (e *Engine) onWaitRemoteResp(d *dlc, ev dlcEvent, in dlcInput) error {
	switch ev {
	case evPeerCC:
		params, err := ParseConnParams(in.pdu.Info)
		if err != nil {
			e.log.Warnf("dlc %02X:%02X: bad CC parameters: %v", d.local, d.remote, err)
			e.frameReject(d, in.pdu, FRMRFlagI)
			return nil
		}
		if params.MIU > e.link.peer.MIU {
			if e.cfg.StrictMIU {
				e.log.Warnf("dlc %02X:%02X: CC miu %d above peer link miu %d, disconnecting",
					d.local, d.remote, params.MIU, e.link.peer.MIU)
				e.queueSignal(&PDU{Type: PTypeDISC, DSAP: d.remote, SSAP: d.local})
				e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonRejected})
				e.release(d)
				return nil
			}
			e.log.Warnf("dlc %02X:%02X: CC miu %d clamped to peer link miu %d",
				d.local, d.remote, params.MIU, e.link.peer.MIU)
			params.MIU = e.link.peer.MIU
		}
		d.remoteMIU = params.MIU
		d.remoteRW = params.RW
		e.stopTimer(&d.timer)
		d.state = ConnConnected
		e.updateRxThresholds()
		e.notifyConnection(d, Event{Type: EventConnected, Params: params})
		return nil
	case evPeerDM:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: DisconnectReason(in.pdu.Info[0])})
		e.release(d)
		return nil
	case evTimeout:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonTimeout})
		e.release(d)
		return nil
	case evDisconnectReq:
		e.sendDisc(d)
		return nil
	case evLinkError:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: in.reason})
		e.release(d)
		return nil
	default:
		return e.unexpected(d, ev)
	}
}

func (e *Engine) onWaitLocalResp(d *dlc, ev dlcEvent, in dlcInput) error {
	switch ev {
	case evAccept:
		d.localMIU = in.params.MIU
		d.localRW = in.params.RW
		if !e.queueSignal(&PDU{Type: PTypeCC, DSAP: d.remote, SSAP: d.local,
			Info: in.params.appendTLVs(nil, false)}) {
			e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonResourceUnavailable})
			e.release(d)
			return errors.Wrap(ErrNoResources, "signal queue full")
		}
		e.stopTimer(&d.timer)
		d.state = ConnConnected
		e.updateRxThresholds()
		return nil
	case evReject:
		e.sendDM(d.remote, d.local, in.reason)
		e.release(d)
		return nil
	case evDisconnectReq:
		e.sendDM(d.remote, d.local, ReasonRejected)
		e.release(d)
		return nil
	case evTimeout:
		e.sendDM(d.remote, d.local, ReasonRejected)
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonTimeout})
		e.release(d)
		return nil
	case evPeerDISC:
		e.sendDM(d.remote, d.local, ReasonDisconnected)
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonDisconnected})
		e.release(d)
		return nil
	case evLinkError:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: in.reason})
		e.release(d)
		return nil
	default:
		return e.unexpected(d, ev)
	}
}

func (e *Engine) onConnected(d *dlc, ev dlcEvent, in dlcInput) error {
	switch ev {
	case evDisconnectReq:
		if in.flush {
			e.cong.dlTx -= len(d.txQ)
			d.txQ = nil
			e.checkTxCongestion()
		}
		if in.flush || (d.drained() && d.vr == d.vra && !d.ackPending) {
			e.sendDisc(d)
		} else {
			d.pendingDisc = true
		}
		return nil
	case evPeerDISC:
		e.sendDM(d.remote, d.local, ReasonDisconnected)
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonDisconnected})
		e.release(d)
		return nil
	case evPeerDM:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: DisconnectReason(in.pdu.Info[0])})
		e.release(d)
		return nil
	case evPeerI:
		e.receiveI(d, in.pdu)
		return nil
	case evPeerRR, evPeerRNR:
		e.receiveAck(d, in.pdu)
		return nil
	case evPeerFRMR:
		if f, err := ParseFrameReject(in.pdu.Info); err == nil {
			e.log.Warnf("dlc %02X:%02X: peer rejected %s, flags 0x%02X", d.local, d.remote, f.PType, f.Flags)
		}
		e.stats.FRMRRx++
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonFrameError})
		e.release(d)
		return nil
	case evLinkError:
		e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: in.reason})
		e.release(d)
		return nil
	case evPeerCC, evConnectInd:
		e.frameReject(d, in.pdu, FRMRFlagW)
		return nil
	default:
		return e.unexpected(d, ev)
	}
}

func (e *Engine) onWaitRemoteDisc(d *dlc, ev dlcEvent, in dlcInput) error {
	switch ev {
	case evPeerDM:
		e.notifyConnection(d, Event{Type: EventDisconnectResp, Reason: DisconnectReason(in.pdu.Info[0])})
		e.release(d)
		return nil
	case evTimeout:
		e.notifyConnection(d, Event{Type: EventDisconnectResp, Reason: ReasonTimeout})
		e.release(d)
		return nil
	case evPeerDISC:
		e.sendDM(d.remote, d.local, ReasonDisconnected)
		return nil
	case evLinkError:
		e.notifyConnection(d, Event{Type: EventDisconnectResp, Reason: in.reason})
		e.release(d)
		return nil
	case evPeerI, evPeerRR, evPeerRNR, evPeerCC, evPeerFRMR:
		e.log.Debugf("dlc %02X:%02X: ignoring %s while disconnecting", d.local, d.remote, ev)
		return nil
	default:
		return e.unexpected(d, ev)
	}
}

// receiveI validates and queues an inbound I-PDU.
func (e *Engine) receiveI(d *dlc, p *PDU) {
	switch {
	case len(p.Info) > d.localMIU:
		e.frameReject(d, p, FRMRFlagI)
		return
	case p.NS != d.vr || int(mod16(p.NS, d.vra)) >= d.localRW:
		e.frameReject(d, p, FRMRFlagS)
		return
	case !validNR(p.NR, d.vsa, d.vs):
		e.frameReject(d, p, FRMRFlagR)
		return
	}

	d.vr = (d.vr + 1) & 0x0F
	e.acknowledge(d, p.NR)

	first := d.rxQ.len() == 0
	d.rxQ.push(0, p.Info)
	e.cong.dlRx++
	d.ackPending = true
	if !d.rxCongested && d.rxQ.len() >= d.rxThreshold {
		d.rxCongested = true
		e.log.Debugf("dlc %02X:%02X: receive congested at %d", d.local, d.remote, d.rxQ.len())
	}
	e.checkRxCongestion()
	if first && !d.localBusy {
		e.notifyConnection(d, Event{Type: EventData})
	}
}

func (e *Engine) receiveAck(d *dlc, p *PDU) {
	if !validNR(p.NR, d.vsa, d.vs) {
		e.frameReject(d, p, FRMRFlagR)
		return
	}
	d.remoteBusy = p.Type == PTypeRNR
	e.acknowledge(d, p.NR)
}

func (e *Engine) acknowledge(d *dlc, nr uint8) {
	d.vsa = nr
	e.checkTxComplete(d)
}

func (e *Engine) checkTxComplete(d *dlc) {
	if d.notifyTxComplete && d.drained() {
		d.notifyTxComplete = false
		e.notifyConnection(d, Event{Type: EventTxComplete})
	}
}

// frameReject answers a sequencing or format error with FRMR and tears the
// connection down.
func (e *Engine) frameReject(d *dlc, p *PDU, flags byte) {
	f := FrameReject{Flags: flags, PType: p.Type, VS: d.vs, VR: d.vr, VSA: d.vsa, VRA: d.vra}
	if p.Type.HasSequence() {
		f.Sequence = sequenceByte(p.NS, p.NR)
	}
	e.log.Warnf("dlc %02X:%02X: frame reject %s, flags 0x%02X", d.local, d.remote, p, flags)
	e.stats.FRMRTx++
	e.queueSignal(&PDU{Type: PTypeFRMR, DSAP: d.remote, SSAP: d.local, Info: f.Info()})
	e.notifyConnection(d, Event{Type: EventDisconnectInd, Reason: ReasonFrameError})
	e.release(d)
}

func (e *Engine) sendDisc(d *dlc) {
	if !e.queueSignal(&PDU{Type: PTypeDISC, DSAP: d.remote, SSAP: d.local}) {
		d.pendingDisc = true
		return
	}
	d.pendingDisc = false
	d.state = ConnWaitRemoteDisc
	e.startConnTimer(d)
}

func (e *Engine) sendDM(dsap, ssap SAP, reason DisconnectReason) {
	e.queueSignal(&PDU{Type: PTypeDM, DSAP: dsap, SSAP: ssap, Info: []byte{byte(reason)}})
}

// queueSignal appends a signalling PDU, sent ahead of data on the next turn.
func (e *Engine) queueSignal(p *PDU) bool {
	if len(e.sigQ) >= e.cfg.MaxSignalQueue {
		e.log.Warnf("signal queue full, dropping %s", p)
		return false
	}
	e.sigQ = append(e.sigQ, p.Marshal())
	return true
}

func (e *Engine) startConnTimer(d *dlc) {
	e.startTimer(&d.timer, e.cfg.ConnectionTimeout, func() {
		_ = e.execute(d, evTimeout, dlcInput{})
		e.trySend(false)
	})
}

func (e *Engine) notifyConnection(d *dlc, ev Event) {
	ev.LocalSAP = d.local
	ev.RemoteSAP = d.remote
	ev.LinkType = LinkTypeConnectionOriented
	e.notify(d.local, ev)
}

func (e *Engine) allocConnection(local, remote SAP) *dlc {
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state != ConnIdle {
			continue
		}
		gen := d.timer.gen
		*d = dlc{local: local, remote: remote, rxQ: newRxQueue(e.cfg.RxSegmentSize)}
		d.timer.gen = gen
		return d
	}
	return nil
}

// release returns a connection to the pool, dropping its queued data.
func (e *Engine) release(d *dlc) {
	wasConnected := d.state == ConnConnected
	e.stopTimer(&d.timer)
	e.cong.dlTx -= len(d.txQ)
	e.cong.dlRx -= d.rxQ.len()
	d.txQ = nil
	d.rxQ.reset()
	d.state = ConnIdle
	d.pendingDisc = false
	d.ackPending = false
	d.notifyTxComplete = false
	if wasConnected {
		e.updateRxThresholds()
	}
	e.checkTxCongestion()
	e.checkRxCongestion()
}

// releaseConnections drives every open connection to idle after a link error.
func (e *Engine) releaseConnections(reason DisconnectReason) {
	for i := range e.dlcs {
		if d := &e.dlcs[i]; d.state != ConnIdle {
			_ = e.execute(d, evLinkError, dlcInput{reason: reason})
		}
	}
}

// abandonConnection closes a connection whose SAP is going away. The peer
// is told where a PDU makes sense; the application is not.
func (e *Engine) abandonConnection(d *dlc) {
	switch d.state {
	case ConnConnected:
		e.queueSignal(&PDU{Type: PTypeDISC, DSAP: d.remote, SSAP: d.local})
	case ConnWaitLocalResp:
		e.sendDM(d.remote, d.local, ReasonRejected)
	default:
	}
	e.release(d)
}

func (e *Engine) findConnection(local, remote SAP) *dlc {
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state != ConnIdle && d.local == local && d.remote == remote {
			return d
		}
	}
	return nil
}

// findPendingByName finds a connect-by-name awaiting the CC that reveals
// the remote SAP.
func (e *Engine) findPendingByName(local SAP) *dlc {
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state == ConnWaitRemoteResp && d.local == local && d.remote == SAPSDP {
			return d
		}
	}
	return nil
}

// handleConnect processes an inbound CONNECT, resolving service names
// addressed to the SDP SAP.
func (e *Engine) handleConnect(p *PDU) {
	params, err := ParseConnParams(p.Info)
	if err != nil {
		e.stats.DecodeErrors++
		e.log.Warnf("bad CONNECT parameters from %02X: %v", p.SSAP, err)
		return
	}

	local := p.DSAP
	if local == SAPSDP {
		local = e.lookupName(params.ServiceName)
		if params.ServiceName == "" || local == 0 {
			e.log.Infof("CONNECT for unknown service %q", params.ServiceName)
			e.sendDM(p.SSAP, p.DSAP, ReasonNoService)
			return
		}
	}
	s := e.sap(local)
	if s == nil || !s.connectionOriented() {
		e.sendDM(p.SSAP, p.DSAP, ReasonNoService)
		return
	}
	if d := e.findConnection(local, p.SSAP); d != nil {
		_ = e.execute(d, evConnectInd, dlcInput{pdu: p, params: params})
		return
	}
	if params.MIU > e.link.peer.MIU {
		if e.cfg.StrictMIU {
			e.log.Warnf("CONNECT miu %d above peer link miu %d, rejecting", params.MIU, e.link.peer.MIU)
			e.sendDM(p.SSAP, p.DSAP, ReasonRejected)
			return
		}
		e.log.Warnf("CONNECT miu %d clamped to peer link miu %d", params.MIU, e.link.peer.MIU)
		params.MIU = e.link.peer.MIU
	}
	d := e.allocConnection(local, p.SSAP)
	if d == nil {
		e.log.Warnf("no free data link for CONNECT %02X->%02X", p.SSAP, local)
		e.sendDM(p.SSAP, p.DSAP, ReasonTemporaryRejectAll)
		return
	}
	_ = e.execute(d, evConnectInd, dlcInput{pdu: p, params: params})
}

// handleConnectionPDU routes a PDU addressed to an existing connection.
func (e *Engine) handleConnectionPDU(p *PDU) {
	ev, ok := pduEvents[p.Type]
	if !ok {
		e.log.Warnf("unhandled %s", p)
		return
	}
	d := e.findConnection(p.DSAP, p.SSAP)
	if d == nil && p.Type == PTypeCC {
		if d = e.findPendingByName(p.DSAP); d != nil {
			e.log.Debugf("dlc %02X: service resolved to remote sap %02X", d.local, p.SSAP)
			d.remote = p.SSAP
		}
	}
	if d == nil {
		if p.Type != PTypeDM && p.Type != PTypeFRMR {
			e.sendDM(p.SSAP, p.DSAP, ReasonNoConnection)
		}
		return
	}
	_ = e.execute(d, ev, dlcInput{pdu: p})
}
