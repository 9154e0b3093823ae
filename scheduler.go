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

// hasPending reports whether a transmission round would carry anything
// besides SYMM.
func (e *Engine) hasPending() bool {
	if e.link.discPending && !e.link.discSent {
		return true
	}
	if len(e.sigQ) > 0 || len(e.sdp.out) > 0 {
		return true
	}
	for _, s := range e.saps {
		if s != nil && len(s.txQ) > 0 {
			return true
		}
	}
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state != ConnConnected {
			continue
		}
		if d.canSendI() || d.ackPending || d.discReady() {
			return true
		}
	}
	return false
}

// trySend takes the local turn if it is ours. Unless forced it only does
// so when something is queued, leaving the symmetry timer to send SYMM.
// Calls made while a round is being built are no-ops: whatever they queued
// is picked up by that round.
func (e *Engine) trySend(force bool) {
	if e.sending || !e.link.active() || e.link.turn != turnLocal {
		return
	}
	if e.link.state == LinkDeactivating && e.link.discSent {
		return
	}
	if !force && !e.hasPending() {
		return
	}
	e.sending = true
	defer func() { e.sending = false }()

	e.stopTimer(&e.link.timer)
	e.sendUnit()
}

// sendUnit transmits one frame for the local turn and hands the turn over.
func (e *Engine) sendUnit() {
	e.link.turn = turnRemote

	if e.link.state == LinkDeactivating {
		e.link.discSent = true
		e.transmit((&PDU{Type: PTypeDISC}).Marshal())
		e.startTimer(&e.link.timer, e.cfg.DeactivateWait, e.linkTimeout)
		return
	}

	e.queueReadyDiscs()
	pdus := e.buildUnit()

	var frame []byte
	switch len(pdus) {
	case 0:
		frame = (&PDU{Type: PTypeSYMM}).Marshal()
		e.stats.SymmTx++
	case 1:
		frame = pdus[0]
	default:
		frame = AppendAggregate(make([]byte, 0, HeaderSize+AggregatedSize(sizes(pdus)...)), pdus...)
		e.stats.AggregatesTx++
	}
	e.stats.PDUsTx += uint64(len(pdus))
	if len(pdus) > 0 {
		e.restartInactivity()
	}

	e.transmit(frame)
	e.startTimer(&e.link.timer, e.link.peerLTO, e.linkTimeout)
	e.releaseCongestion()
	for i := range e.dlcs {
		if d := &e.dlcs[i]; d.state == ConnConnected {
			e.checkTxComplete(d)
		}
	}
}

func sizes(pdus [][]byte) []int {
	out := make([]int, len(pdus))
	for i, p := range pdus {
		out[i] = len(p)
	}
	return out
}

// buildUnit collects the PDUs for one frame. The first PDU is always taken;
// more are aggregated while the AGF information field stays within the
// effective MIU.
func (e *Engine) buildUnit() [][]byte {
	var out [][]byte
	used := 0
	for {
		room := -1
		if len(out) > 0 {
			room = e.link.effMIU - used - agfLengthSize
			if room < HeaderSize {
				break
			}
		}
		p := e.nextPDU(room)
		if p == nil {
			break
		}
		out = append(out, p)
		used += agfLengthSize + len(p)
		if used > e.link.effMIU {
			break
		}
	}
	return out
}

// fits reports whether a PDU of n bytes fits room; negative room is unbounded.
func fits(n, room int) bool {
	return room < 0 || n <= room
}

// nextPDU picks the next PDU: signalling first, then service discovery,
// then connection-less and connection-oriented traffic in alternation.
func (e *Engine) nextPDU(room int) []byte {
	if len(e.sigQ) > 0 && fits(len(e.sigQ[0]), room) {
		p := e.sigQ[0]
		e.sigQ[0] = nil
		e.sigQ = e.sigQ[1:]
		return p
	}
	if p := e.nextSNL(room); p != nil {
		return p
	}

	first, second := e.nextDataLink, e.nextConnectionless
	if e.link.uiTurn {
		first, second = second, first
	}
	if p := first(room); p != nil {
		e.link.uiTurn = !e.link.uiTurn
		return p
	}
	return second(room)
}

func (e *Engine) nextConnectionless(room int) []byte {
	for i := 1; i <= sapCount; i++ {
		idx := (e.link.sapCursor + i) % sapCount
		s := e.saps[idx]
		if s == nil || len(s.txQ) == 0 || !fits(HeaderSize+len(s.txQ[0].data), room) {
			continue
		}
		f := s.txQ[0]
		s.txQ[0] = uiFrame{}
		s.txQ = s.txQ[1:]
		e.cong.llTx--
		e.checkTxCongestion()
		e.link.sapCursor = idx

		p := PDU{Type: PTypeUI, DSAP: f.remote, SSAP: s.sap, Info: f.data}
		e.logPDU(false, &p)
		return p.Marshal()
	}
	return nil
}

func (e *Engine) nextDataLink(room int) []byte {
	n := len(e.dlcs)
	for i := 1; i <= n; i++ {
		idx := (e.link.dlcCursor + i) % n
		if p := e.dataLinkPDU(&e.dlcs[idx], room); p != nil {
			e.link.dlcCursor = idx
			return p
		}
	}
	return nil
}

// dataLinkPDU returns the connection's next I-PDU, or an RR/RNR when only
// an acknowledgement is owed.
func (e *Engine) dataLinkPDU(d *dlc, room int) []byte {
	if d.state != ConnConnected {
		return nil
	}
	if d.canSendI() && fits(HeaderSize+SequenceSize+len(d.txQ[0]), room) {
		data := d.txQ[0]
		d.txQ[0] = nil
		d.txQ = d.txQ[1:]
		e.cong.dlTx--
		e.checkTxCongestion()

		p := PDU{Type: PTypeI, DSAP: d.remote, SSAP: d.local, NS: d.vs, NR: d.vr, Info: data}
		d.vs = (d.vs + 1) & 0x0F
		d.vra = d.vr
		d.ackPending = false
		e.logPDU(false, &p)
		return p.Marshal()
	}
	if d.ackPending && fits(HeaderSize+SequenceSize, room) {
		t := PTypeRR
		if d.localBusy || d.rxCongested {
			t = PTypeRNR
		}
		p := PDU{Type: t, DSAP: d.remote, SSAP: d.local, NR: d.vr}
		d.vra = d.vr
		d.ackPending = false
		e.logPDU(false, &p)
		return p.Marshal()
	}
	return nil
}

// queueReadyDiscs sends the DISCs deferred until their connection drained.
func (e *Engine) queueReadyDiscs() {
	for i := range e.dlcs {
		if d := &e.dlcs[i]; d.discReady() {
			e.sendDisc(d)
		}
	}
}
