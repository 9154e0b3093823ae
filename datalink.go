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

func (e *Engine) connectionOrientedSAP(sap SAP) (*sapEntry, error) {
	s := e.sap(sap)
	switch {
	case s == nil:
		return nil, errors.Wrapf(ErrNotRegistered, "sap %02X", sap)
	case !s.connectionOriented():
		return nil, errors.Wrapf(ErrCapabilityMismatch, "sap %02X is %s", sap, s.linkType)
	default:
		return s, nil
	}
}

// resolveParams fills defaults and checks local connection parameters.
func (e *Engine) resolveParams(p ConnParams) (ConnParams, error) {
	if p.MIU == 0 {
		p.MIU = e.link.localMIU
	}
	if p.RW == 0 {
		p.RW = e.cfg.DefaultRW
	}
	if err := p.validate(e.link.localMIU); err != nil {
		return ConnParams{}, err
	}
	return p, nil
}

func (e *Engine) connection(local, remote SAP) (*dlc, error) {
	if _, err := e.connectionOrientedSAP(local); err != nil {
		return nil, err
	}
	d := e.findConnection(local, remote)
	if d == nil {
		return nil, errors.Wrapf(ErrNoConnection, "%02X:%02X", local, remote)
	}
	return d, nil
}

// Connect opens a data link connection from local to remote. To connect by
// service name pass SAPSDP as remote and set params.ServiceName; the
// connection is rekeyed to the resolved SAP when the peer confirms.
func (e *Engine) Connect(local, remote SAP, params ConnParams) error {
	e.lock()
	defer e.unlock()

	if e.link.state != LinkActivated {
		return ErrLinkNotActivated
	}
	if _, err := e.connectionOrientedSAP(local); err != nil {
		return err
	}
	if remote < SAPSDP || remote > SAPMax {
		return errors.Wrapf(ErrInvalidSAP, "remote sap %02X", remote)
	}
	if remote == SAPSDP && params.ServiceName == "" {
		return errors.Wrap(ErrInvalidParams, "connect by name without a service name")
	}
	if !e.link.peer.LSC.Supports(LinkTypeConnectionOriented) {
		return errors.Wrapf(ErrUnsupportedLinkService, "peer lsc %s", e.link.peer.LSC)
	}
	params, err := e.resolveParams(params)
	if err != nil {
		return err
	}
	if e.findConnection(local, remote) != nil {
		return errors.Wrapf(ErrConnectionExists, "%02X:%02X", local, remote)
	}
	if len(e.sigQ) >= e.cfg.MaxSignalQueue {
		return errors.Wrap(ErrNoResources, "signal queue full")
	}
	d := e.allocConnection(local, remote)
	if d == nil {
		return errors.Wrap(ErrNoResources, "no free data link")
	}
	if err := e.execute(d, evConnectReq, dlcInput{params: params}); err != nil {
		return err
	}
	e.trySend(false)
	return nil
}

// AcceptConnect confirms a connection announced by EventConnectInd.
func (e *Engine) AcceptConnect(local, remote SAP, params ConnParams) error {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return err
	}
	if d.state != ConnWaitLocalResp {
		return errors.Wrapf(ErrBadState, "accept in %s", d.state)
	}
	params, err = e.resolveParams(params)
	if err != nil {
		return err
	}
	if err := e.execute(d, evAccept, dlcInput{params: params}); err != nil {
		return err
	}
	e.trySend(false)
	return nil
}

// RejectConnect refuses a connection announced by EventConnectInd. reason
// must be one of the DM reject codes.
func (e *Engine) RejectConnect(local, remote SAP, reason DisconnectReason) error {
	e.lock()
	defer e.unlock()

	if !reason.IsReject() {
		return errors.Wrapf(ErrInvalidParams, "reason %s", reason)
	}
	d, err := e.connection(local, remote)
	if err != nil {
		return err
	}
	if d.state != ConnWaitLocalResp {
		return errors.Wrapf(ErrBadState, "reject in %s", d.state)
	}
	if err := e.execute(d, evReject, dlcInput{reason: reason}); err != nil {
		return err
	}
	e.trySend(false)
	return nil
}

// Disconnect closes a data link connection. Without flush, DISC waits until
// queued data has been sent and acknowledged.
func (e *Engine) Disconnect(local, remote SAP, flush bool) error {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return err
	}
	if d.state == ConnWaitRemoteDisc {
		return nil
	}
	if err := e.execute(d, evDisconnectReq, dlcInput{flush: flush}); err != nil {
		return err
	}
	e.trySend(false)
	return nil
}

// SendData queues one I-PDU payload. StatusCongested is advisory: the data
// has been queued.
func (e *Engine) SendData(local, remote SAP, data []byte) (Status, error) {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return StatusOK, err
	}
	if d.state != ConnConnected || d.pendingDisc {
		return StatusOK, errors.Wrapf(ErrNotConnected, "%02X:%02X %s", local, remote, d.state)
	}
	if d.remoteRW == 0 {
		return StatusOK, errors.Wrapf(ErrRemoteWindowZero, "%02X:%02X", local, remote)
	}
	if limit := min(d.remoteMIU, e.link.effMIU); len(data) > limit {
		return StatusOK, errors.Wrapf(ErrDataTooLarge, "%d bytes, miu %d", len(data), limit)
	}

	d.txQ = append(d.txQ, append([]byte(nil), data...))
	e.cong.dlTx++
	e.checkTxCongestion()
	e.trySend(false)

	if d.state == ConnConnected && (d.outstanding() >= d.remoteRW || e.cong.txCongested) {
		d.txCongested = true
	}
	if d.txCongested {
		return StatusCongested, nil
	}
	return StatusOK, nil
}

// ReadData returns the oldest I-PDU payload received on the connection, cut
// to maxLen bytes. more reports whether further payloads are waiting.
func (e *Engine) ReadData(local, remote SAP, maxLen int) (data []byte, more bool, err error) {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return nil, false, err
	}
	if maxLen <= 0 {
		return nil, false, errors.Wrapf(ErrInvalidParams, "read length %d", maxLen)
	}
	_, data, ok := d.rxQ.pop(maxLen)
	if !ok {
		return nil, false, nil
	}
	e.cong.dlRx--
	e.checkRxCongestion()
	e.checkConnectionRx(d)
	e.trySend(false)
	return data, d.rxQ.len() > 0, nil
}

// FlushData discards the data waiting on the connection and returns the
// number of bytes dropped.
func (e *Engine) FlushData(local, remote SAP) (int, error) {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return 0, err
	}
	e.cong.dlRx -= d.rxQ.len()
	n := d.rxQ.reset()
	e.checkRxCongestion()
	e.checkConnectionRx(d)
	e.trySend(false)
	return n, nil
}

// DataCongested reports whether sends on the connection are congested.
func (e *Engine) DataCongested(local, remote SAP) (bool, error) {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return false, err
	}
	return d.txCongested || e.cong.txCongested, nil
}

// SetLocalBusy makes the connection answer with RNR until cleared. Clearing
// it re-announces data that arrived meanwhile.
func (e *Engine) SetLocalBusy(local, remote SAP, busy bool) error {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return err
	}
	if d.state != ConnConnected {
		return errors.Wrapf(ErrNotConnected, "%02X:%02X %s", local, remote, d.state)
	}
	if d.localBusy == busy {
		return nil
	}
	d.localBusy = busy
	d.ackPending = true
	if !busy && d.rxQ.len() > 0 {
		e.notifyConnection(d, Event{Type: EventData})
	}
	e.trySend(false)
	return nil
}

// NotifyTxComplete asks for EventTxComplete once everything queued on the
// connection has been sent and acknowledged.
func (e *Engine) NotifyTxComplete(local, remote SAP) error {
	e.lock()
	defer e.unlock()

	d, err := e.connection(local, remote)
	if err != nil {
		return err
	}
	if d.state != ConnConnected {
		return errors.Wrapf(ErrNotConnected, "%02X:%02X %s", local, remote, d.state)
	}
	d.notifyTxComplete = true
	e.checkTxComplete(d)
	return nil
}

// Connection returns a snapshot of a data link connection.
func (e *Engine) Connection(local, remote SAP) (ConnInfo, error) {
	e.lock()
	defer e.unlock()

	d := e.findConnection(local, remote)
	if d == nil {
		return ConnInfo{}, errors.Wrapf(ErrNoConnection, "%02X:%02X", local, remote)
	}
	return d.info(), nil
}
