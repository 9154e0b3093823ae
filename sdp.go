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

// sdpServiceName is the well-known name of the service discovery SAP.
const sdpServiceName = "urn:nfc:sn:sdp"

// DiscoveryHandler receives the result of DiscoverService. sap is zero
// when the peer has no such service or the link went down first.
type DiscoveryHandler func(name string, sap SAP)

type sdpRequest struct {
	cb   DiscoveryHandler
	name string
}

// sdpState holds the outbound SNL entries and the requests awaiting an
// answer, keyed by transaction id.
type sdpState struct {
	waiting map[uint8]sdpRequest
	out     []ServiceDiscovery
	nextTID uint8
}

func (s *sdpState) init() {
	s.waiting = make(map[uint8]sdpRequest)
}

func (s *sdpState) reset() []sdpRequest {
	var dropped []sdpRequest
	for tid, req := range s.waiting {
		dropped = append(dropped, req)
		delete(s.waiting, tid)
	}
	s.out = nil
	return dropped
}

func (s *sdpState) allocTID() (uint8, bool) {
	for range 256 {
		tid := s.nextTID
		s.nextTID++
		if _, busy := s.waiting[tid]; !busy {
			return tid, true
		}
	}
	return 0, false
}

// DiscoverService asks the peer which SAP serves name.
func (e *Engine) DiscoverService(name string, cb DiscoveryHandler) error {
	e.lock()
	defer e.unlock()

	if e.link.state != LinkActivated {
		return ErrLinkNotActivated
	}
	if name == "" || len(name) > 254 || cb == nil {
		return errors.Wrapf(ErrInvalidParams, "service name %q", name)
	}
	if e.link.peer.Version < MakeVersion(1, 1) {
		e.log.Debugf("peer version %s may not answer SDREQ", e.link.peer.Version)
	}
	tid, ok := e.sdp.allocTID()
	if !ok {
		return errors.Wrap(ErrNoResources, "no free transaction id")
	}
	e.sdp.waiting[tid] = sdpRequest{name: name, cb: cb}
	e.sdp.out = append(e.sdp.out, ServiceDiscovery{Type: ParamSDREQ, TID: tid, Name: name})
	e.trySend(false)
	return nil
}

func (e *Engine) handleSNL(p *PDU) {
	if p.DSAP != SAPSDP || p.SSAP != SAPSDP {
		e.log.Warnf("SNL addressed %02X<-%02X", p.DSAP, p.SSAP)
		return
	}
	entries, err := ParseSNL(p.Info)
	if err != nil {
		e.stats.DecodeErrors++
		e.log.Warnf("bad SNL: %v", err)
		return
	}
	for _, ent := range entries {
		switch ent.Type {
		case ParamSDREQ:
			sap := e.resolveService(ent.Name)
			e.log.Debugf("SDREQ tid=%d %q -> %02X", ent.TID, ent.Name, sap)
			e.sdp.out = append(e.sdp.out, ServiceDiscovery{Type: ParamSDRES, TID: ent.TID, SAP: sap})
		case ParamSDRES:
			req, ok := e.sdp.waiting[ent.TID]
			if !ok {
				e.log.Debugf("SDRES for unknown tid %d", ent.TID)
				continue
			}
			delete(e.sdp.waiting, ent.TID)
			e.log.Debugf("SDRES tid=%d %q -> %02X", ent.TID, req.name, ent.SAP)
			cb, name, sap := req.cb, req.name, ent.SAP
			e.post(func() { cb(name, sap) })
		default:
		}
	}
}

func (e *Engine) resolveService(name string) SAP {
	if name == sdpServiceName {
		return SAPSDP
	}
	return e.lookupName(name)
}

// nextSNL packs as many queued SDREQ/SDRES entries as fit into one SNL PDU.
func (e *Engine) nextSNL(room int) []byte {
	if len(e.sdp.out) == 0 {
		return nil
	}
	limit := HeaderSize + e.link.effMIU
	if room >= 0 {
		limit = min(limit, room)
	}
	if HeaderSize+e.sdp.out[0].tlvLen() > limit {
		return nil
	}
	b := appendHeader(nil, SAPSDP, PTypeSNL, SAPSDP)
	n := 0
	for n < len(e.sdp.out) && len(b)+e.sdp.out[n].tlvLen() <= limit {
		b = e.sdp.out[n].appendTLV(b)
		n++
	}
	e.sdp.out = e.sdp.out[n:]
	return b
}

// flushQueues drops every queued PDU and pending discovery after the link
// goes down.
func (e *Engine) flushQueues() {
	e.sigQ = nil
	for _, req := range e.sdp.reset() {
		cb, name := req.cb, req.name
		e.post(func() { cb(name, 0) })
	}
	for _, s := range e.saps {
		if s != nil {
			e.flushSAP(s)
		}
	}
	e.cong.llTx, e.cong.llRx, e.cong.dlTx, e.cong.dlRx = 0, 0, 0, 0
	e.cong.txCongested = false
	e.cong.rxCongested = false
}
