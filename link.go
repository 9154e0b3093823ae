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
	"time"

	"github.com/pkg/errors"
)

// rwtUnit is the NFC-DEP response waiting time for WT=0.
const rwtUnit = 302 * time.Microsecond

// GeneralBytes returns the local link parameters for the ATR_REQ or ATR_RES.
func (e *Engine) GeneralBytes() []byte {
	e.lock()
	defer e.unlock()
	return e.localParams().GeneralBytes()
}

func (e *Engine) localParams() LinkParams {
	wks := uint16(1<<SAPLinkManager | 1<<SAPSDP)
	for sap := SAPWellKnownFirst; sap <= SAPWellKnownLast; sap++ {
		if e.saps[sap] != nil {
			wks |= 1 << sap
		}
	}
	return LinkParams{
		Version: LocalVersion,
		MIU:     e.cfg.LocalMIU,
		WKS:     wks,
		LTO:     e.cfg.LinkTimeout,
		LSC:     e.cfg.ServiceClass,
	}
}

// Activate starts LLCP on a freshly activated NFC-DEP link.
func (e *Engine) Activate(p ActivationParams) error {
	e.lock()
	defer e.unlock()

	if e.link.active() {
		return ErrLinkActive
	}
	e.stopTimer(&e.link.timer)
	e.stopTimer(&e.link.inactivity)
	e.link = linkControl{
		role:       p.Role,
		state:      LinkDeactivated,
		timer:      e.link.timer,
		inactivity: e.link.inactivity,
	}
	e.sending = false
	e.stats.Activations++

	peer, err := ParseGeneralBytes(p.GeneralBytes)
	if err != nil {
		e.failActivation(LinkReasonBadGeneralBytes)
		return errors.Wrap(err, "activate")
	}
	version, ok := agreeVersion(LocalVersion, peer.Version)
	if !ok {
		e.failActivation(LinkReasonVersionMismatch)
		return errors.Wrapf(ErrVersionFailed, "peer version %s", peer.Version)
	}

	localMIU := e.cfg.LocalMIU
	if p.MaxPayload > 0 {
		localMIU = min(localMIU, max(p.MaxPayload-HeaderSize-SequenceSize, DefaultMIU))
	}
	symm := e.cfg.SymmetryDelay
	if p.Role == RoleTarget {
		rwt := rwtUnit << min(p.WaitingTime, 14)
		symm = min(symm, rwt/2)
	}

	e.link.peer = peer
	e.link.version = version
	e.link.localMIU = localMIU
	e.link.effMIU = min(localMIU, peer.MIU)
	e.link.peerLTO = peer.LTO + linkTimeoutMargin
	e.link.symmDelay = symm
	e.link.state = LinkActivated
	e.updateLinkThresholds()
	e.updateRxThresholds()

	e.log.Infof("activated as %s: version %s, miu local=%d peer=%d effective=%d, peer lto=%v, lsc=%s",
		p.Role, version, localMIU, peer.MIU, e.link.effMIU, peer.LTO, peer.LSC)
	e.notifyLink(LinkActivated, LinkReasonNone)
	e.restartInactivity()

	if p.Role == RoleInitiator {
		e.link.turn = turnLocal
		if e.cfg.DelayFirstPDU > 0 {
			e.startTimer(&e.link.timer, e.cfg.DelayFirstPDU, func() { e.trySend(true) })
		} else {
			e.trySend(true)
		}
		return nil
	}
	e.link.turn = turnRemote
	e.startTimer(&e.link.timer, e.link.peerLTO, e.linkTimeout)
	return nil
}

func (e *Engine) failActivation(reason LinkReason) {
	e.link.state = LinkActivationFailed
	e.stats.ActivationFailures++
	e.notifyLink(LinkActivationFailed, reason)
	if e.link.role == RoleTarget {
		e.link.invalidReplies = true
		return
	}
	e.releaseMAC(reason)
}

// Receive hands the engine one frame from the peer.
func (e *Engine) Receive(frame []byte) error {
	e.lock()
	defer e.unlock()

	if e.link.invalidReplies {
		e.transmit([]byte{invalidPDUValue})
		return nil
	}
	if !e.link.active() {
		return ErrLinkNotActivated
	}
	e.stats.FramesRx++
	if e.link.state == LinkDeactivating {
		// once the DISC is out only the DeactivateWait timer ends the link
		if !e.link.discSent {
			e.stopTimer(&e.link.timer)
			e.link.turn = turnLocal
			e.trySend(true)
		}
		return nil
	}
	e.stopTimer(&e.link.timer)
	e.link.turn = turnLocal

	e.sending = true
	busy := e.dispatchFrame(frame)
	e.sending = false
	if !e.link.active() {
		return nil
	}
	if busy {
		e.restartInactivity()
	}
	if e.hasPending() || e.link.symmDelay == 0 {
		e.trySend(true)
	} else {
		e.startTimer(&e.link.timer, e.link.symmDelay, func() { e.trySend(true) })
	}
	return nil
}

// dispatchFrame decodes one frame and routes its PDUs. It reports whether
// anything other than SYMM arrived.
func (e *Engine) dispatchFrame(frame []byte) bool {
	dsap, t, ssap, err := DecodeHeader(frame)
	if err != nil {
		e.stats.DecodeErrors++
		e.log.Warnf("dropping frame: %v", err)
		return false
	}
	if t != PTypeAGF {
		return e.dispatch(frame, false)
	}
	if dsap != SAPLinkManager || ssap != SAPLinkManager {
		e.log.Warnf("AGF addressed %02X<-%02X", dsap, ssap)
	}
	subs, err := SplitAggregate(frame[HeaderSize:])
	if err != nil {
		e.stats.DecodeErrors++
		e.log.Warnf("dropping AGF: %v", err)
		return false
	}
	e.stats.AggregatesRx++
	busy := false
	for _, sub := range subs {
		if e.dispatch(sub, true) {
			busy = true
		}
		if !e.link.active() || e.link.state == LinkDeactivating {
			break
		}
	}
	return busy
}

func (e *Engine) dispatch(b []byte, aggregated bool) bool {
	p, err := DecodePDU(b)
	if err != nil {
		e.stats.DecodeErrors++
		e.log.Warnf("dropping pdu: %v", err)
		return false
	}
	e.stats.PDUsRx++
	if p.Type != PTypeSYMM {
		e.logPDU(true, &p)
	}

	switch p.Type {
	case PTypeSYMM:
		if aggregated {
			e.log.Warnf("SYMM inside AGF")
			return false
		}
		e.stats.SymmRx++
		return false
	case PTypeAGF:
		e.log.Warnf("AGF inside AGF")
		return false
	case PTypePAX:
		e.handlePAX(&p)
	case PTypeUI:
		e.handleUI(&p)
	case PTypeSNL:
		e.handleSNL(&p)
	case PTypeCONNECT:
		e.handleConnect(&p)
	case PTypeDISC:
		if p.DSAP == SAPLinkManager && p.SSAP == SAPLinkManager {
			e.log.Infof("peer deactivated the link")
			e.finishDeactivation(LinkReasonRemote)
			return true
		}
		e.handleConnectionPDU(&p)
	default:
		e.handleConnectionPDU(&p)
	}
	return true
}

func (e *Engine) handlePAX(p *PDU) {
	params, err := ParseLinkParams(p.Info)
	if err != nil {
		e.log.Warnf("bad PAX: %v", err)
		return
	}
	e.log.Debugf("PAX ignored after activation: version %s miu %d", params.Version, params.MIU)
}

// LinkLost tells the engine the NFC-DEP link is gone.
func (e *Engine) LinkLost() {
	e.lock()
	defer e.unlock()

	e.link.invalidReplies = false
	if e.link.active() {
		e.finishDeactivation(LinkReasonRFLost)
		return
	}
	if e.link.state == LinkActivationFailed {
		e.link.state = LinkDeactivated
	}
}

// Deactivate sends the link DISC and takes the link down once it has had
// time to reach the peer.
func (e *Engine) Deactivate() error {
	e.lock()
	defer e.unlock()

	if e.link.state != LinkActivated {
		if e.link.state == LinkDeactivating {
			return nil
		}
		return ErrLinkNotActivated
	}
	e.deactivate(LinkReasonLocal)
	return nil
}

// deactivate starts a normal teardown for local reasons and an immediate
// one for link errors.
func (e *Engine) deactivate(reason LinkReason) {
	if reason != LinkReasonLocal && reason != LinkReasonInactivity {
		e.finishDeactivation(reason)
		return
	}
	e.log.Infof("deactivating link (%s)", reason)
	e.link.state = LinkDeactivating
	e.link.discPending = true
	e.stopTimer(&e.link.inactivity)
	e.releaseConnections(ReasonLinkDeactivated)
	e.flushQueues()
	e.link.deactivateReason = reason
	if e.link.turn == turnLocal {
		e.trySend(true)
	}
}

// finishDeactivation takes the link down and notifies everyone.
func (e *Engine) finishDeactivation(reason LinkReason) {
	if !e.link.active() {
		return
	}
	e.stopTimer(&e.link.timer)
	e.stopTimer(&e.link.inactivity)
	e.link.state = LinkDeactivated
	e.releaseConnections(ReasonLinkDeactivated)
	e.flushQueues()
	e.stats.Deactivations++
	e.notifyLink(LinkDeactivated, reason)
	e.releaseMAC(reason)
}

func (e *Engine) linkTimeout() {
	if !e.link.active() {
		return
	}
	if e.link.state == LinkDeactivating {
		e.finishDeactivation(e.link.deactivateReason)
		return
	}
	e.log.Warnf("no response from peer within %v", e.link.peerLTO)
	e.finishDeactivation(LinkReasonTimeout)
}

func (e *Engine) restartInactivity() {
	if e.cfg.InactivityTimeout <= 0 || e.link.state != LinkActivated {
		return
	}
	e.startTimer(&e.link.inactivity, e.cfg.InactivityTimeout, func() {
		if e.link.state == LinkActivated {
			e.log.Infof("link idle for %v", e.cfg.InactivityTimeout)
			e.deactivate(LinkReasonInactivity)
		}
	})
}

// LinkInfo returns a snapshot of the negotiated link parameters.
func (e *Engine) LinkInfo() LinkInfo {
	e.lock()
	defer e.unlock()

	return LinkInfo{
		State:        e.link.state,
		Role:         e.link.role,
		Version:      e.link.version,
		LocalMIU:     e.link.localMIU,
		PeerMIU:      e.link.peer.MIU,
		EffectiveMIU: e.link.effMIU,
		PeerWKS:      e.link.peer.WKS,
		PeerLTO:      e.link.peer.LTO,
		PeerLSC:      e.link.peer.LSC,
	}
}
