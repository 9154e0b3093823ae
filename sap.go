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
	"github.com/pkg/errors"
)

type uiFrame struct {
	data   []byte
	remote SAP
}

type sapEntry struct {
	handler     Handler
	name        string
	txQ         []uiFrame
	rxQ         rxQueue
	sap         SAP
	linkType    LinkType
	txCongested bool
}

func (s *sapEntry) connectionless() bool {
	return s.linkType&LinkTypeConnectionless != 0
}

func (s *sapEntry) connectionOriented() bool {
	return s.linkType&LinkTypeConnectionOriented != 0
}

// Register binds a well-known or server SAP. Pass SAPAuto to have one picked
// from the server range. A non-empty name makes the SAP discoverable.
func (e *Engine) Register(sap SAP, linkType LinkType, name string, h Handler) (SAP, error) {
	e.lock()
	defer e.unlock()

	if sap == SAPAuto {
		return e.register(SAPServerFirst, SAPServerLast, linkType, name, h)
	}
	if sap < SAPWellKnownFirst || sap > SAPServerLast {
		return 0, errors.Wrapf(ErrInvalidSAP, "sap %02X", sap)
	}
	return e.register(sap, sap, linkType, name, h)
}

// RegisterClient binds a SAP from the client range.
func (e *Engine) RegisterClient(linkType LinkType, h Handler) (SAP, error) {
	e.lock()
	defer e.unlock()
	return e.register(SAPClientFirst, SAPClientLast, linkType, "", h)
}

func (e *Engine) register(first, last SAP, linkType LinkType, name string, h Handler) (SAP, error) {
	if linkType&LinkTypeBoth == 0 {
		return 0, ErrNoCapabilities
	}
	if h == nil {
		return 0, errors.Wrap(ErrInvalidParams, "nil handler")
	}
	if len(name) > 255 {
		return 0, errors.Wrapf(ErrInvalidParams, "service name length %d", len(name))
	}
	if name != "" && (name == sdpServiceName || e.lookupName(name) != 0) {
		return 0, errors.Wrapf(ErrServiceNameInUse, "%q", name)
	}

	sap := SAP(0)
	for s := first; s <= last; s++ {
		if e.saps[s] == nil {
			sap = s
			break
		}
	}
	if sap == 0 {
		if first == last {
			return 0, errors.Wrapf(ErrSAPInUse, "sap %02X", first)
		}
		return 0, errors.Wrapf(ErrNoResources, "sap range %02X-%02X", first, last)
	}

	e.saps[sap] = &sapEntry{
		sap:      sap,
		linkType: linkType & LinkTypeBoth,
		name:     name,
		handler:  h,
		rxQ:      newRxQueue(e.cfg.RxSegmentSize),
	}
	e.updateLinkThresholds()
	e.log.Debugf("registered sap %02X (%s) %q", sap, linkType&LinkTypeBoth, name)
	return sap, nil
}

func (e *Engine) lookupName(name string) SAP {
	for _, s := range e.saps {
		if s != nil && s.name == name {
			return s.sap
		}
	}
	return 0
}

// Deregister releases a SAP, its queued data and every connection rooted
// at it.
func (e *Engine) Deregister(sap SAP) error {
	e.lock()
	defer e.unlock()

	s := e.sap(sap)
	if s == nil {
		return errors.Wrapf(ErrNotRegistered, "sap %02X", sap)
	}
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state != ConnIdle && d.local == sap {
			e.abandonConnection(d)
		}
	}
	e.flushSAP(s)
	e.saps[sap] = nil
	e.updateLinkThresholds()
	e.checkTxCongestion()
	e.log.Debugf("deregistered sap %02X", sap)
	return nil
}

func (e *Engine) sap(sap SAP) *sapEntry {
	if sap > SAPMax {
		return nil
	}
	return e.saps[sap]
}

func (e *Engine) flushSAP(s *sapEntry) int {
	e.cong.llTx -= len(s.txQ)
	e.cong.llRx -= s.rxQ.len()
	s.txQ = nil
	s.txCongested = false
	return s.rxQ.reset()
}

func (e *Engine) connectionlessSAP(sap SAP) (*sapEntry, error) {
	s := e.sap(sap)
	switch {
	case s == nil:
		return nil, errors.Wrapf(ErrNotRegistered, "sap %02X", sap)
	case !s.connectionless():
		return nil, errors.Wrapf(ErrCapabilityMismatch, "sap %02X is %s", sap, s.linkType)
	default:
		return s, nil
	}
}

// SendUI queues a connection-less PDU. StatusCongested is advisory: the
// data has been queued.
func (e *Engine) SendUI(local, remote SAP, data []byte) (Status, error) {
	e.lock()
	defer e.unlock()

	if e.link.state != LinkActivated {
		return StatusOK, ErrLinkNotActivated
	}
	s, err := e.connectionlessSAP(local)
	if err != nil {
		return StatusOK, err
	}
	if remote > SAPMax {
		return StatusOK, errors.Wrapf(ErrInvalidSAP, "remote sap %02X", remote)
	}
	if !e.link.peer.LSC.Supports(LinkTypeConnectionless) {
		return StatusOK, errors.Wrapf(ErrUnsupportedLinkService, "peer lsc %s", e.link.peer.LSC)
	}
	if len(data) > e.link.effMIU {
		return StatusOK, errors.Wrapf(ErrDataTooLarge, "%d bytes, miu %d", len(data), e.link.effMIU)
	}

	s.txQ = append(s.txQ, uiFrame{remote: remote, data: append([]byte(nil), data...)})
	e.cong.llTx++
	e.checkTxCongestion()

	if len(s.txQ) >= e.cong.llTxStart || e.cong.llTx >= e.cong.llTxBudget {
		s.txCongested = true
	}
	status := StatusOK
	if s.txCongested || e.cong.txCongested {
		status = StatusCongested
	}
	e.trySend(false)
	return status, nil
}

// ReadUI returns the oldest connection-less payload received on sap, cut
// to maxLen bytes. more reports whether further payloads are waiting.
func (e *Engine) ReadUI(sap SAP, maxLen int) (remote SAP, data []byte, more bool, err error) {
	e.lock()
	defer e.unlock()

	s, err := e.connectionlessSAP(sap)
	if err != nil {
		return 0, nil, false, err
	}
	if maxLen <= 0 {
		return 0, nil, false, errors.Wrapf(ErrInvalidParams, "read length %d", maxLen)
	}
	aux, data, ok := s.rxQ.pop(maxLen)
	if !ok {
		return 0, nil, false, nil
	}
	e.cong.llRx--
	e.checkRxCongestion()
	return SAP(aux), data, s.rxQ.len() > 0, nil
}

// FlushUI discards the connection-less data waiting on sap and returns the
// number of bytes dropped.
func (e *Engine) FlushUI(sap SAP) (int, error) {
	e.lock()
	defer e.unlock()

	s, err := e.connectionlessSAP(sap)
	if err != nil {
		return 0, err
	}
	e.cong.llRx -= s.rxQ.len()
	n := s.rxQ.reset()
	e.checkRxCongestion()
	return n, nil
}

// UICongested reports whether connection-less sends on sap are congested.
func (e *Engine) UICongested(sap SAP) (bool, error) {
	e.lock()
	defer e.unlock()

	s, err := e.connectionlessSAP(sap)
	if err != nil {
		return false, err
	}
	return s.txCongested || e.cong.txCongested, nil
}

func (e *Engine) handleUI(p *PDU) {
	s := e.sap(p.DSAP)
	if s == nil || !s.connectionless() {
		e.stats.UIDropped++
		e.log.Debugf("UI for unbound sap %02X dropped", p.DSAP)
		return
	}
	if len(p.Info) > e.link.localMIU {
		e.stats.UIDropped++
		e.log.Warnf("UI of %d bytes exceeds miu %d", len(p.Info), e.link.localMIU)
		return
	}
	if e.cong.rxCongested || s.rxQ.len() >= e.cong.llRxStart {
		e.stats.UIDropped++
		e.log.Debugf("UI for sap %02X dropped: receive congested", p.DSAP)
		return
	}
	first := s.rxQ.len() == 0
	s.rxQ.push(byte(p.SSAP), p.Info)
	e.cong.llRx++
	e.checkRxCongestion()
	if first {
		e.notify(s.sap, Event{
			Type:      EventData,
			LocalSAP:  s.sap,
			RemoteSAP: p.SSAP,
			LinkType:  LinkTypeConnectionless,
		})
	}
}
