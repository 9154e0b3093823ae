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
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// PType is the 4-bit LLCP PDU type carried in the header.
type PType uint8

// PDU types.
const (
	PTypeSYMM    PType = 0x0
	PTypePAX     PType = 0x1
	PTypeAGF     PType = 0x2
	PTypeUI      PType = 0x3
	PTypeCONNECT PType = 0x4
	PTypeDISC    PType = 0x5
	PTypeCC      PType = 0x6
	PTypeDM      PType = 0x7
	PTypeFRMR    PType = 0x8
	PTypeSNL     PType = 0x9
	PTypeI       PType = 0xC
	PTypeRR      PType = 0xD
	PTypeRNR     PType = 0xE
)

var ptypeNames = map[PType]string{
	PTypeSYMM:    "SYMM",
	PTypePAX:     "PAX",
	PTypeAGF:     "AGF",
	PTypeUI:      "UI",
	PTypeCONNECT: "CONNECT",
	PTypeDISC:    "DISC",
	PTypeCC:      "CC",
	PTypeDM:      "DM",
	PTypeFRMR:    "FRMR",
	PTypeSNL:     "SNL",
	PTypeI:       "I",
	PTypeRR:      "RR",
	PTypeRNR:     "RNR",
}

func (t PType) String() string {
	if s, ok := ptypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PType(0x%X)", uint8(t))
}

// Valid reports whether t is a defined PDU type.
func (t PType) Valid() bool {
	_, ok := ptypeNames[t]
	return ok
}

// HasSequence reports whether PDUs of this type carry an N(S)/N(R) byte.
func (t PType) HasSequence() bool {
	return t == PTypeI || t == PTypeRR || t == PTypeRNR
}

// SAP is a 6-bit service access point address.
type SAP uint8

// Reserved and range-delimiting SAP values.
const (
	SAPLinkManager SAP = 0x00
	SAPSDP         SAP = 0x01
	SAPSNEP        SAP = 0x04

	SAPWellKnownFirst SAP = 0x02
	SAPWellKnownLast  SAP = 0x0F
	SAPServerFirst    SAP = 0x10
	SAPServerLast     SAP = 0x1F
	SAPClientFirst    SAP = 0x20
	SAPClientLast     SAP = 0x3F
	SAPMax            SAP = 0x3F

	// SAPAuto asks Register to pick a free SAP.
	SAPAuto SAP = 0xFF
)

const sapCount = int(SAPMax) + 1

// Wire sizes.
const (
	HeaderSize      = 2
	SequenceSize    = 1
	frmrInfoSize    = 4
	dmInfoSize      = 1
	agfLengthSize   = 2
	invalidPDUValue = 0x00
)

// PDU is a decoded LLCP protocol data unit. Info aliases the decoded buffer.
type PDU struct {
	Info []byte
	DSAP SAP
	SSAP SAP
	Type PType
	NS   uint8
	NR   uint8
}

// Len returns the encoded size of the PDU.
func (p *PDU) Len() int {
	n := HeaderSize + len(p.Info)
	if p.Type.HasSequence() {
		n += SequenceSize
	}
	return n
}

// AppendTo encodes the PDU onto b.
func (p *PDU) AppendTo(b []byte) []byte {
	b = appendHeader(b, p.DSAP, p.Type, p.SSAP)
	switch p.Type {
	case PTypeI:
		b = append(b, sequenceByte(p.NS, p.NR))
	case PTypeRR, PTypeRNR:
		b = append(b, sequenceByte(0, p.NR))
	default:
	}
	return append(b, p.Info...)
}

// Marshal encodes the PDU into a fresh buffer.
func (p *PDU) Marshal() []byte {
	return p.AppendTo(make([]byte, 0, p.Len()))
}

func (p *PDU) String() string {
	switch p.Type {
	case PTypeI:
		return fmt.Sprintf("I(%02X<-%02X ns=%d nr=%d len=%d)", p.DSAP, p.SSAP, p.NS, p.NR, len(p.Info))
	case PTypeRR, PTypeRNR:
		return fmt.Sprintf("%s(%02X<-%02X nr=%d)", p.Type, p.DSAP, p.SSAP, p.NR)
	default:
		return fmt.Sprintf("%s(%02X<-%02X len=%d)", p.Type, p.DSAP, p.SSAP, len(p.Info))
	}
}

func appendHeader(b []byte, dsap SAP, t PType, ssap SAP) []byte {
	return append(b,
		byte(dsap&0x3F)<<2|byte(t)>>2,
		byte(t&0x03)<<6|byte(ssap&0x3F))
}

func sequenceByte(ns, nr uint8) byte {
	return (ns&0x0F)<<4 | nr&0x0F
}

func splitSequence(b byte) (ns, nr uint8) {
	return b >> 4, b & 0x0F
}

// DecodeHeader returns the DSAP, type and SSAP of an encoded PDU.
func DecodeHeader(b []byte) (dsap SAP, t PType, ssap SAP, err error) {
	if len(b) < HeaderSize {
		return 0, 0, 0, &PDUError{Op: "decode header", Err: ErrPDUTooShort}
	}
	dsap = SAP(b[0] >> 2)
	t = PType((b[0]&0x03)<<2 | b[1]>>6)
	ssap = SAP(b[1] & 0x3F)
	return dsap, t, ssap, nil
}

// DecodePDU parses one PDU. It never panics on malformed input.
func DecodePDU(b []byte) (PDU, error) {
	dsap, t, ssap, err := DecodeHeader(b)
	if err != nil {
		return PDU{}, err
	}
	if !t.Valid() {
		return PDU{}, &PDUError{Op: "decode", PType: t, Err: ErrUnknownPType}
	}

	p := PDU{DSAP: dsap, Type: t, SSAP: ssap}
	body := b[HeaderSize:]
	switch t {
	case PTypeI, PTypeRR, PTypeRNR:
		if len(body) < SequenceSize {
			return PDU{}, &PDUError{Op: "decode", PType: t, Err: ErrPDUTooShort}
		}
		p.NS, p.NR = splitSequence(body[0])
		if t != PTypeI {
			p.NS = 0
		}
		body = body[SequenceSize:]
	case PTypeDM:
		if len(body) < dmInfoSize {
			return PDU{}, &PDUError{Op: "decode", PType: t, Err: ErrPDUTooShort}
		}
	case PTypeFRMR:
		if len(body) < frmrInfoSize {
			return PDU{}, &PDUError{Op: "decode", PType: t, Err: ErrPDUTooShort}
		}
	default:
	}
	p.Info = body
	return p, nil
}

// Frame reject flags (high nibble of the first FRMR info byte).
const (
	FRMRFlagW byte = 0x80 // PDU type not expected in the current state
	FRMRFlagI byte = 0x40 // information field too long or not allowed
	FRMRFlagR byte = 0x20 // invalid N(R)
	FRMRFlagS byte = 0x10 // invalid N(S)
)

// FrameReject is the information field of an FRMR PDU.
type FrameReject struct {
	Flags    byte
	PType    PType
	Sequence byte
	VS       uint8
	VR       uint8
	VSA      uint8
	VRA      uint8
}

// Info encodes the four FRMR information bytes.
func (f FrameReject) Info() []byte {
	return []byte{
		f.Flags&0xF0 | byte(f.PType)&0x0F,
		f.Sequence,
		sequenceByte(f.VS, f.VR),
		sequenceByte(f.VSA, f.VRA),
	}
}

// ParseFrameReject decodes an FRMR information field.
func ParseFrameReject(info []byte) (FrameReject, error) {
	if len(info) < frmrInfoSize {
		return FrameReject{}, &PDUError{Op: "parse frmr", PType: PTypeFRMR, Err: ErrPDUTooShort}
	}
	f := FrameReject{
		Flags:    info[0] & 0xF0,
		PType:    PType(info[0] & 0x0F),
		Sequence: info[1],
	}
	f.VS, f.VR = splitSequence(info[2])
	f.VSA, f.VRA = splitSequence(info[3])
	return f, nil
}

// AggregatedSize returns the AGF information length needed for PDUs of the given sizes.
func AggregatedSize(sizes ...int) int {
	n := 0
	for _, s := range sizes {
		n += agfLengthSize + s
	}
	return n
}

// AppendAggregate encodes an AGF PDU carrying pdus onto b.
func AppendAggregate(b []byte, pdus ...[]byte) []byte {
	b = appendHeader(b, SAPLinkManager, PTypeAGF, SAPLinkManager)
	for _, p := range pdus {
		b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
		b = append(b, p...)
	}
	return b
}

// SplitAggregate validates an AGF information field and returns the
// embedded PDUs in wire order. The declared lengths must consume the field
// exactly and at least two PDUs must be present.
func SplitAggregate(info []byte) ([][]byte, error) {
	var out [][]byte
	rest := info
	for len(rest) > 0 {
		if len(rest) < agfLengthSize {
			return nil, errors.Wrapf(ErrBadAggregate, "dangling %d byte length prefix", len(rest))
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[agfLengthSize:]
		if n > len(rest) {
			return nil, errors.Wrapf(ErrBadAggregate, "sub-pdu length %d exceeds remaining %d", n, len(rest))
		}
		out = append(out, rest[:n])
		rest = rest[n:]
	}
	if len(out) < 2 {
		return nil, errors.Wrapf(ErrBadAggregate, "%d sub-pdus", len(out))
	}
	return out, nil
}

// mod16 returns a-b modulo 16 for 4-bit sequence arithmetic.
func mod16(a, b uint8) uint8 {
	return (a - b) & 0x0F
}

// validNR reports whether nr lies within [vsa, vs] modulo 16.
func validNR(nr, vsa, vs uint8) bool {
	return mod16(nr, vsa)+mod16(vs, nr) == mod16(vs, vsa)
}
