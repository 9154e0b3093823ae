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
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Magic prefixes the LLCP parameters in the NFC-DEP general bytes.
var Magic = []byte{0x46, 0x66, 0x6D}

// ParamType is a TLV parameter type.
type ParamType uint8

// Parameter types.
const (
	ParamVersion ParamType = 0x01
	ParamMIUX    ParamType = 0x02
	ParamWKS     ParamType = 0x03
	ParamLTO     ParamType = 0x04
	ParamRW      ParamType = 0x05
	ParamSN      ParamType = 0x06
	ParamOPT     ParamType = 0x07
	ParamSDREQ   ParamType = 0x08
	ParamSDRES   ParamType = 0x09
)

var paramNames = map[ParamType]string{
	ParamVersion: "VERSION",
	ParamMIUX:    "MIUX",
	ParamWKS:     "WKS",
	ParamLTO:     "LTO",
	ParamRW:      "RW",
	ParamSN:      "SN",
	ParamOPT:     "OPT",
	ParamSDREQ:   "SDREQ",
	ParamSDRES:   "SDRES",
}

func (t ParamType) String() string {
	if name, ok := paramNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PARAM(%02X)", uint8(t))
}

// Protocol constants.
const (
	DefaultMIU = 128
	MaxMIUX    = 0x07FF
	MaxMIU     = DefaultMIU + MaxMIUX
	DefaultLTO = 100 * time.Millisecond
	DefaultRW  = 1
	MaxRW      = 15

	ltoUnit = 10 * time.Millisecond
)

// Version is an LLCP version, major in the high nibble.
type Version uint8

// LocalVersion is the version this engine implements.
const LocalVersion Version = 0x11

// MakeVersion builds a Version from its parts.
func MakeVersion(major, minor uint8) Version {
	return Version(major<<4 | minor&0x0F)
}

// Major returns the major version.
func (v Version) Major() uint8 { return uint8(v) >> 4 }

// Minor returns the minor version.
func (v Version) Minor() uint8 { return uint8(v) & 0x0F }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// agreeVersion applies the version agreement rules. Equal majors settle on
// the lower minor, a lower peer major downgrades to the peer version, a
// higher peer major keeps ours and leaves the decision to the peer.
func agreeVersion(local, peer Version) (Version, bool) {
	switch {
	case peer.Major() < 1:
		return 0, false
	case peer.Major() == local.Major():
		if peer.Minor() < local.Minor() {
			return peer, true
		}
		return local, true
	case peer.Major() < local.Major():
		return peer, true
	default:
		return local, true
	}
}

// LinkServiceClass is the OPT parameter's link service class.
type LinkServiceClass uint8

// Link service classes.
const (
	LSCUnknown            LinkServiceClass = 0x00
	LSCConnectionless     LinkServiceClass = 0x01
	LSCConnectionOriented LinkServiceClass = 0x02
	LSCBoth               LinkServiceClass = 0x03
)

// Supports reports whether the class allows the given transport. An
// unknown class is treated as permissive.
func (c LinkServiceClass) Supports(t LinkType) bool {
	if c&LSCBoth == LSCUnknown {
		return true
	}
	return LinkType(c&LSCBoth)&t != 0
}

func (c LinkServiceClass) String() string {
	switch c & LSCBoth {
	case LSCConnectionless:
		return "connectionless"
	case LSCConnectionOriented:
		return "connection-oriented"
	case LSCBoth:
		return "both"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c LinkServiceClass) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// TLV is one parameter triple; Value aliases the parsed buffer.
type TLV struct {
	Value []byte
	Type  ParamType
}

// TLVReader walks a parameter list.
type TLVReader struct {
	err error
	buf []byte
	off int
}

// NewTLVReader returns a reader over b.
func NewTLVReader(b []byte) *TLVReader {
	return &TLVReader{buf: b}
}

// Next returns the next parameter. It returns false at the end of the
// buffer or on the first structural error, reported by Err.
func (r *TLVReader) Next() (TLV, bool) {
	if r.err != nil || r.off >= len(r.buf) {
		return TLV{}, false
	}
	t := ParamType(r.buf[r.off])
	if r.off+2 > len(r.buf) {
		r.err = errors.Wrapf(ErrTLVTruncated, "type 0x%02X at %d has no length", uint8(t), r.off)
		return TLV{}, false
	}
	n := int(r.buf[r.off+1])
	start := r.off + 2
	if start+n > len(r.buf) {
		r.err = errors.Wrapf(ErrTLVTruncated, "type 0x%02X length %d exceeds remaining %d",
			uint8(t), n, len(r.buf)-start)
		return TLV{}, false
	}
	r.off = start + n
	return TLV{Type: t, Value: r.buf[start:r.off]}, true
}

// Err returns the structural error that stopped iteration, if any.
func (r *TLVReader) Err() error {
	return r.err
}

// AppendTLV appends one parameter triple.
func AppendTLV(b []byte, t ParamType, v ...byte) []byte {
	b = append(b, byte(t), byte(len(v)))
	return append(b, v...)
}

func needLength(t TLV, n int) error {
	if len(t.Value) < n {
		return errors.Wrapf(ErrParamLength, "type 0x%02X length %d, need %d", uint8(t.Type), len(t.Value), n)
	}
	return nil
}

func decodeMIUX(v []byte) int {
	return DefaultMIU + int(binary.BigEndian.Uint16(v)&MaxMIUX)
}

func appendMIUX(b []byte, miu int) []byte {
	return AppendTLV(b, ParamMIUX, byte((miu-DefaultMIU)>>8)&0x07, byte(miu-DefaultMIU))
}

// LinkParams are the link activation parameters.
type LinkParams struct {
	LTO     time.Duration
	MIU     int
	WKS     uint16
	Version Version
	LSC     LinkServiceClass
}

// DefaultLinkParams returns the values implied by absent parameters.
func DefaultLinkParams() LinkParams {
	return LinkParams{MIU: DefaultMIU, WKS: 0x0001, LTO: DefaultLTO}
}

// ParseLinkParams parses link parameter TLVs, filling defaults for absent ones.
func ParseLinkParams(b []byte) (LinkParams, error) {
	p := DefaultLinkParams()
	r := NewTLVReader(b)
	for t, ok := r.Next(); ok; t, ok = r.Next() {
		var err error
		switch t.Type {
		case ParamVersion:
			if err = needLength(t, 1); err == nil {
				p.Version = Version(t.Value[0])
			}
		case ParamMIUX:
			if err = needLength(t, 2); err == nil {
				p.MIU = decodeMIUX(t.Value)
			}
		case ParamWKS:
			if err = needLength(t, 2); err == nil {
				p.WKS = binary.BigEndian.Uint16(t.Value) | 0x0001
			}
		case ParamLTO:
			if err = needLength(t, 1); err == nil && t.Value[0] != 0 {
				p.LTO = time.Duration(t.Value[0]) * ltoUnit
			}
		case ParamOPT:
			if err = needLength(t, 1); err == nil {
				p.LSC = LinkServiceClass(t.Value[0] & 0x03)
			}
		default:
		}
		if err != nil {
			return LinkParams{}, err
		}
	}
	if err := r.Err(); err != nil {
		return LinkParams{}, err
	}
	return p, nil
}

// AppendTLVs encodes the parameters onto b.
func (p LinkParams) AppendTLVs(b []byte) []byte {
	b = AppendTLV(b, ParamVersion, byte(p.Version))
	if p.MIU > DefaultMIU {
		b = appendMIUX(b, p.MIU)
	}
	b = AppendTLV(b, ParamWKS, byte(p.WKS>>8), byte(p.WKS))
	if p.LTO > 0 && p.LTO != DefaultLTO {
		units := p.LTO / ltoUnit
		if units > 0xFF {
			units = 0xFF
		}
		b = AppendTLV(b, ParamLTO, byte(units))
	}
	return AppendTLV(b, ParamOPT, byte(p.LSC&0x03))
}

// GeneralBytes encodes the parameters behind the magic number.
func (p LinkParams) GeneralBytes() []byte {
	return p.AppendTLVs(append([]byte(nil), Magic...))
}

// ParseGeneralBytes checks the magic number and parses the link parameters.
func ParseGeneralBytes(gb []byte) (LinkParams, error) {
	if len(gb) < len(Magic) || !bytes.Equal(gb[:len(Magic)], Magic) {
		return LinkParams{}, ErrBadMagic
	}
	return ParseLinkParams(gb[len(Magic):])
}

// ConnParams are data link connection parameters. A zero MIU means the
// local link MIU and a zero RW the configured default window.
type ConnParams struct {
	ServiceName string
	MIU         int
	RW          int
}

// ParseConnParams parses CONNECT/CC parameter TLVs.
func ParseConnParams(b []byte) (ConnParams, error) {
	p := ConnParams{MIU: DefaultMIU, RW: DefaultRW}
	r := NewTLVReader(b)
	for t, ok := r.Next(); ok; t, ok = r.Next() {
		switch t.Type {
		case ParamMIUX:
			if err := needLength(t, 2); err != nil {
				return ConnParams{}, err
			}
			p.MIU = decodeMIUX(t.Value)
		case ParamRW:
			if err := needLength(t, 1); err != nil {
				return ConnParams{}, err
			}
			p.RW = int(t.Value[0] & 0x0F)
		case ParamSN:
			p.ServiceName = string(t.Value)
		default:
		}
	}
	if err := r.Err(); err != nil {
		return ConnParams{}, err
	}
	return p, nil
}

func (p ConnParams) appendTLVs(b []byte, withName bool) []byte {
	if p.MIU > DefaultMIU {
		b = appendMIUX(b, p.MIU)
	}
	b = AppendTLV(b, ParamRW, byte(p.RW&0x0F))
	if withName && p.ServiceName != "" {
		b = AppendTLV(b, ParamSN, []byte(p.ServiceName)...)
	}
	return b
}

func (p ConnParams) validate(maxMIU int) error {
	switch {
	case p.MIU < DefaultMIU:
		return errors.Wrapf(ErrInvalidParams, "miu %d below %d", p.MIU, DefaultMIU)
	case p.MIU > maxMIU:
		return errors.Wrapf(ErrMIUTooLarge, "miu %d exceeds link miu %d", p.MIU, maxMIU)
	case p.RW < 0 || p.RW > MaxRW:
		return errors.Wrapf(ErrInvalidParams, "rw %d", p.RW)
	case len(p.ServiceName) > 255:
		return errors.Wrapf(ErrInvalidParams, "service name length %d", len(p.ServiceName))
	default:
		return nil
	}
}

// ServiceDiscovery is one SDREQ or SDRES entry of an SNL PDU.
type ServiceDiscovery struct {
	Name string
	Type ParamType
	TID  uint8
	SAP  SAP
}

// ParseSNL parses the TLVs of an SNL PDU, skipping unknown types.
func ParseSNL(info []byte) ([]ServiceDiscovery, error) {
	var out []ServiceDiscovery
	r := NewTLVReader(info)
	for t, ok := r.Next(); ok; t, ok = r.Next() {
		switch t.Type {
		case ParamSDREQ:
			if err := needLength(t, 1); err != nil {
				return nil, err
			}
			out = append(out, ServiceDiscovery{Type: ParamSDREQ, TID: t.Value[0], Name: string(t.Value[1:])})
		case ParamSDRES:
			if err := needLength(t, 2); err != nil {
				return nil, err
			}
			out = append(out, ServiceDiscovery{Type: ParamSDRES, TID: t.Value[0], SAP: SAP(t.Value[1] & 0x3F)})
		default:
		}
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d ServiceDiscovery) tlvLen() int {
	if d.Type == ParamSDREQ {
		return 3 + len(d.Name)
	}
	return 4
}

func (d ServiceDiscovery) appendTLV(b []byte) []byte {
	if d.Type == ParamSDREQ {
		return AppendTLV(b, ParamSDREQ, append([]byte{d.TID}, d.Name...)...)
	}
	return AppendTLV(b, ParamSDRES, d.TID, byte(d.SAP&0x3F))
}
