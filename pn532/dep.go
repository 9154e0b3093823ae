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

package pn532

import (
	"context"
	"fmt"
)

const (
	// maxDataChunk is the DEP payload sent per InDataExchange or TgSetData.
	maxDataChunk = 252
	// maxGeneralBytes is the ATR general bytes limit of the PN532.
	maxGeneralBytes = 47
	// depHeaderLen covers CMD0, CMD1 and PFB of a DEP_REQ/DEP_RES.
	depHeaderLen = 3
	nfcid3Len    = 10
	// atrReqLen is the fixed part of ATR_REQ after the length byte.
	atrReqLen = 16
)

// Next byte flags of InJumpForDEP.
const (
	jumpPassiveInitiatorData = 0x01
	jumpNFCID3               = 0x02
	jumpGeneralBytes         = 0x04
)

// lengthReduction maps the LR bits of PP to the DEP frame size.
func lengthReduction(pp byte) int {
	return [...]int{64, 128, 192, 254}[(pp>>4)&0x03]
}

func maxPayload(pp, did byte) int {
	n := lengthReduction(pp) - depHeaderLen
	if did != 0 {
		n--
	}
	return n
}

// JumpForDEPParams selects how InJumpForDEP activates a target.
type JumpForDEPParams struct {
	// GeneralBytes are sent in ATR_REQ.
	GeneralBytes []byte
	// NFCID3 is optional; the PN532 generates one when empty.
	NFCID3 []byte
	// PassiveInitiatorData is the NFCID1 (106kbps) or polling request
	// (212/424kbps). A default polling request is used at 212/424kbps.
	PassiveInitiatorData []byte
	BaudRate             BaudRate
	Active               bool
}

// DEPTarget is the target activated by JumpForDEP, described by its ATR_RES.
type DEPTarget struct {
	NFCID3       []byte
	GeneralBytes []byte
	Number       byte
	DID          byte
	BS           byte
	BR           byte
	TO           byte
	PP           byte
}

// WaitingTime returns the target's WT (0..14).
func (t *DEPTarget) WaitingTime() uint8 {
	return t.TO & 0x0F
}

// MaxPayload returns the DEP payload limit announced by the target.
func (t *DEPTarget) MaxPayload() int {
	return maxPayload(t.PP, t.DID)
}

// JumpForDEP activates a peer in NFC-DEP mode as initiator (InJumpForDEP).
func (d *Device) JumpForDEP(ctx context.Context, p JumpForDEPParams) (*DEPTarget, error) {
	if len(p.GeneralBytes) > maxGeneralBytes {
		return nil, fmt.Errorf("%d general bytes: %w", len(p.GeneralBytes), ErrDataTooLarge)
	}
	if len(p.NFCID3) != 0 && len(p.NFCID3) != nfcid3Len {
		return nil, fmt.Errorf("NFCID3 of %d bytes: %w", len(p.NFCID3), ErrInvalidParameter)
	}
	if p.BaudRate > BaudRate424 {
		return nil, fmt.Errorf("baud rate %d: %w", p.BaudRate, ErrInvalidParameter)
	}

	pid := p.PassiveInitiatorData
	if !p.Active && pid == nil && p.BaudRate != BaudRate106 {
		pid = []byte{0x00, 0xFF, 0xFF, 0x00, 0x00}
	}

	actPass := byte(0x00)
	if p.Active {
		actPass = 0x01
	}
	args := []byte{actPass, byte(p.BaudRate), 0x00}
	if len(pid) > 0 && !p.Active {
		args[2] |= jumpPassiveInitiatorData
		args = append(args, pid...)
	}
	if len(p.NFCID3) > 0 {
		args[2] |= jumpNFCID3
		args = append(args, p.NFCID3...)
	}
	if len(p.GeneralBytes) > 0 {
		args[2] |= jumpGeneralBytes
		args = append(args, p.GeneralBytes...)
	}

	res, err := d.transport.SendCommand(ctx, CmdInJumpForDEP, args)
	if err != nil {
		return nil, err
	}
	body, err := checkResponse("InJumpForDEP", CmdInJumpForDEP, res, 1)
	if err != nil {
		return nil, err
	}
	if err := statusError("InJumpForDEP", body[0]); err != nil {
		return nil, err
	}
	if len(body) < 2+nfcid3Len+5 {
		return nil, fmt.Errorf("short InJumpForDEP response % X: %w", res, ErrInvalidResponse)
	}

	atr := body[2+nfcid3Len:]
	tg := &DEPTarget{
		Number:       body[1],
		NFCID3:       append([]byte(nil), body[2:2+nfcid3Len]...),
		DID:          atr[0],
		BS:           atr[1],
		BR:           atr[2],
		TO:           atr[3],
		PP:           atr[4],
		GeneralBytes: append([]byte(nil), atr[5:]...),
	}
	d.setTarget(tg.Number)
	Debugf("DEP target %d activated, %d general bytes, LR %d, WT %d",
		tg.Number, len(tg.GeneralBytes), lengthReduction(tg.PP), tg.WaitingTime())
	return tg, nil
}

// DataExchange sends data to the activated target and returns its answer
// (InDataExchange). Payloads above one PN532 frame are chained with MI.
func (d *Device) DataExchange(ctx context.Context, data []byte) ([]byte, error) {
	tg := d.currentTarget()
	if tg == 0 {
		return nil, ErrNoDEPTarget
	}

	for len(data) > maxDataChunk {
		if _, _, err := d.inDataExchange(ctx, tg|statusMI, data[:maxDataChunk]); err != nil {
			return nil, err
		}
		data = data[maxDataChunk:]
	}

	out, more, err := d.inDataExchange(ctx, tg, data)
	for err == nil && more {
		var next []byte
		next, more, err = d.inDataExchange(ctx, tg, nil)
		out = append(out, next...)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Device) inDataExchange(ctx context.Context, tg byte, data []byte) ([]byte, bool, error) {
	res, err := d.transport.SendCommand(ctx, CmdInDataExchange, append([]byte{tg}, data...))
	if err != nil {
		return nil, false, err
	}
	body, err := checkResponse("InDataExchange", CmdInDataExchange, res, 1)
	if err != nil {
		return nil, false, err
	}
	if err := statusError("InDataExchange", body[0]); err != nil {
		return nil, false, err
	}
	return append([]byte(nil), body[1:]...), body[0]&statusMI != 0, nil
}

// Release releases the activated target (InRelease). It is a no-op when no
// target is active.
func (d *Device) Release(ctx context.Context) error {
	tg := d.currentTarget()
	if tg == 0 {
		return nil
	}
	d.setTarget(0)

	res, err := d.transport.SendCommand(ctx, CmdInRelease, []byte{tg})
	if err != nil {
		return err
	}
	body, err := checkResponse("InRelease", CmdInRelease, res, 1)
	if err != nil {
		return err
	}
	return statusError("InRelease", body[0])
}

// Target mode flags of TgInitAsTarget.
const (
	TargetPassiveOnly byte = 0x01
	TargetDEPOnly     byte = 0x02
	TargetPICCOnly    byte = 0x04
)

// TargetParams configure the emulated target of TgInitAsTarget.
type TargetParams struct {
	// GeneralBytes are returned in ATR_RES.
	GeneralBytes []byte
	NFCID3       [10]byte
	NFCID2       [8]byte
	SensRes      [2]byte
	NFCID1       [3]byte
	SystemCode   [2]byte
	Mode         byte
	SelRes       byte
	// WaitingTime is the WT the firmware announces in ATR_RES.
	WaitingTime uint8
}

// DefaultTargetParams returns a DEP-only target answering both NFC-A and
// NFC-F polling.
func DefaultTargetParams() TargetParams {
	p := TargetParams{
		Mode:        TargetDEPOnly,
		SensRes:     [2]byte{0x04, 0x00},
		NFCID1:      [3]byte{0x12, 0x34, 0x56},
		SelRes:      0x40,
		NFCID2:      [8]byte{0x01, 0xFE, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7},
		SystemCode:  [2]byte{0xFF, 0xFF},
		WaitingTime: 14,
	}
	copy(p.NFCID3[:], p.NFCID2[:])
	return p
}

// TargetActivation describes the ATR_REQ that activated the PN532 as target.
type TargetActivation struct {
	NFCID3       []byte
	GeneralBytes []byte
	Mode         byte
	PP           byte
	DID          byte
	BaudRate     BaudRate
	WaitingTime  uint8
	Active       bool
}

// MaxPayload returns the DEP payload limit announced by the initiator.
func (a *TargetActivation) MaxPayload() int {
	return maxPayload(a.PP, a.DID)
}

// InitAsTarget waits for an initiator and returns its ATR_REQ
// (TgInitAsTarget). The call blocks until activation or ctx expiry, as far
// as the transport honours ctx.
func (d *Device) InitAsTarget(ctx context.Context, p TargetParams) (*TargetActivation, error) {
	if len(p.GeneralBytes) > maxGeneralBytes {
		return nil, fmt.Errorf("%d general bytes: %w", len(p.GeneralBytes), ErrDataTooLarge)
	}

	args := make([]byte, 0, 37+len(p.GeneralBytes))
	args = append(args, p.Mode)
	args = append(args, p.SensRes[:]...)
	args = append(args, p.NFCID1[:]...)
	args = append(args, p.SelRes)
	args = append(args, p.NFCID2[:]...)
	args = append(args, make([]byte, 8)...)
	args = append(args, p.SystemCode[:]...)
	args = append(args, p.NFCID3[:]...)
	args = append(args, byte(len(p.GeneralBytes)))
	args = append(args, p.GeneralBytes...)
	args = append(args, 0x00)

	res, err := d.transport.SendCommand(ctx, CmdTgInitAsTarget, args)
	if err != nil {
		return nil, err
	}
	body, err := checkResponse("TgInitAsTarget", CmdTgInitAsTarget, res, 1)
	if err != nil {
		return nil, err
	}
	mode := body[0]
	if mode&0x04 == 0 {
		return nil, fmt.Errorf("activation mode 0x%02X: %w", mode, ErrNotDEP)
	}

	atr := body[1:]
	if len(atr) > 0 && atr[0] == 0xF0 {
		atr = atr[1:]
	}
	if len(atr) < 1+atrReqLen || atr[1] != 0xD4 || atr[2] != 0x00 {
		return nil, fmt.Errorf("initiator command % X: %w", atr, ErrNotDEP)
	}
	n := min(int(atr[0]), len(atr))
	if n < 1+atrReqLen {
		return nil, fmt.Errorf("ATR_REQ length %d: %w", atr[0], ErrNotDEP)
	}

	act := &TargetActivation{
		Mode:         mode,
		Active:       mode&0x03 == 0x01,
		BaudRate:     BaudRate((mode >> 4) & 0x07),
		NFCID3:       append([]byte(nil), atr[3:3+nfcid3Len]...),
		DID:          atr[13],
		PP:           atr[16],
		GeneralBytes: append([]byte(nil), atr[17:n]...),
		WaitingTime:  p.WaitingTime,
	}
	Debugf("activated as DEP target at %s, %d general bytes", act.BaudRate, len(act.GeneralBytes))
	return act, nil
}

// TargetGetData returns the next DEP payload from the initiator
// (TgGetData), gathering MI chained frames.
func (d *Device) TargetGetData(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		res, err := d.transport.SendCommand(ctx, CmdTgGetData, nil)
		if err != nil {
			return nil, err
		}
		body, err := checkResponse("TgGetData", CmdTgGetData, res, 1)
		if err != nil {
			return nil, err
		}
		if err := statusError("TgGetData", body[0]); err != nil {
			return nil, err
		}
		out = append(out, body[1:]...)
		if body[0]&statusMI == 0 {
			return out, nil
		}
	}
}

// TargetSetData answers the initiator with data (TgSetData), chaining
// long payloads through TgSetMetaData.
func (d *Device) TargetSetData(ctx context.Context, data []byte) error {
	for len(data) > maxDataChunk {
		if err := d.targetSend(ctx, CmdTgSetMetaData, "TgSetMetaData", data[:maxDataChunk]); err != nil {
			return err
		}
		data = data[maxDataChunk:]
	}
	return d.targetSend(ctx, CmdTgSetData, "TgSetData", data)
}

func (d *Device) targetSend(ctx context.Context, cmd byte, name string, data []byte) error {
	res, err := d.transport.SendCommand(ctx, cmd, data)
	if err != nil {
		return err
	}
	body, err := checkResponse(name, cmd, res, 1)
	if err != nil {
		return err
	}
	return statusError(name, body[0])
}
