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

// Package layers decodes LLCP frames with gopacket.
package layers

import (
	"fmt"
	"strings"

	"github.com/google/gopacket"
	gplayers "github.com/google/gopacket/layers"
	"github.com/pkg/errors"

	llcp "github.com/ZaparooProject/go-llcp"
)

// LayerTypeLLCP is the gopacket layer type of an LLCP PDU.
var LayerTypeLLCP = gopacket.RegisterLayerType(19532, gopacket.LayerTypeMetadata{
	Name:    "LLCP",
	Decoder: gopacket.DecodeFunc(decodeLLCP),
})

// LLCP is one LLCP PDU. An AGF carries its sub-PDUs in Aggregated. I and
// UI information is the layer payload.
type LLCP struct {
	gplayers.BaseLayer
	Info       []byte
	Params     []llcp.TLV
	Aggregated []*LLCP
	DSAP       llcp.SAP
	SSAP       llcp.SAP
	Type       llcp.PType
	NS         uint8
	NR         uint8
}

// LayerType returns LayerTypeLLCP.
func (*LLCP) LayerType() gopacket.LayerType { return LayerTypeLLCP }

// CanDecode returns LayerTypeLLCP.
func (*LLCP) CanDecode() gopacket.LayerClass { return LayerTypeLLCP }

// NextLayerType returns LayerTypePayload for PDUs carrying service data.
func (l *LLCP) NextLayerType() gopacket.LayerType {
	if (l.Type == llcp.PTypeI || l.Type == llcp.PTypeUI) && len(l.Info) > 0 {
		return gopacket.LayerTypePayload
	}
	return gopacket.LayerTypeZero
}

// hasParams reports whether the information field of t is a TLV list.
func hasParams(t llcp.PType) bool {
	switch t {
	case llcp.PTypePAX, llcp.PTypeCONNECT, llcp.PTypeCC, llcp.PTypeSNL:
		return true
	default:
		return false
	}
}

// DecodeFromBytes decodes data into l.
func (l *LLCP) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	p, err := llcp.DecodePDU(data)
	if err != nil {
		df.SetTruncated()
		return errors.Wrap(err, "llcp")
	}
	*l = LLCP{
		BaseLayer: gplayers.BaseLayer{Contents: data},
		DSAP:      p.DSAP,
		SSAP:      p.SSAP,
		Type:      p.Type,
		NS:        p.NS,
		NR:        p.NR,
		Info:      p.Info,
	}

	switch {
	case p.Type == llcp.PTypeI || p.Type == llcp.PTypeUI:
		l.Contents = data[:len(data)-len(p.Info)]
		l.Payload = p.Info
	case p.Type == llcp.PTypeAGF:
		subs, err := llcp.SplitAggregate(p.Info)
		if err != nil {
			return errors.Wrap(err, "llcp")
		}
		for _, b := range subs {
			sub := &LLCP{}
			if err := sub.DecodeFromBytes(b, df); err != nil {
				return err
			}
			l.Aggregated = append(l.Aggregated, sub)
		}
	case hasParams(p.Type):
		r := llcp.NewTLVReader(p.Info)
		for t, ok := r.Next(); ok; t, ok = r.Next() {
			l.Params = append(l.Params, t)
		}
		if err := r.Err(); err != nil {
			return errors.Wrap(err, "llcp")
		}
	}
	return nil
}

func decodeLLCP(data []byte, p gopacket.PacketBuilder) error {
	l := &LLCP{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	next := l.NextLayerType()
	if next == gopacket.LayerTypeZero {
		return nil
	}
	return p.NextDecoder(next)
}

// pdu rebuilds the engine form of a non aggregate layer.
func (l *LLCP) pdu() llcp.PDU {
	info := l.Info
	if len(l.Params) > 0 {
		info = nil
		for _, t := range l.Params {
			info = llcp.AppendTLV(info, t.Type, t.Value...)
		}
	}
	return llcp.PDU{DSAP: l.DSAP, SSAP: l.SSAP, Type: l.Type, NS: l.NS, NR: l.NR, Info: info}
}

// encode returns the wire form of l. I and UI information is left to the
// payload layer when payloadFollows is set.
func (l *LLCP) encode(payloadFollows bool) ([]byte, error) {
	if l.Type == llcp.PTypeAGF {
		subs := make([][]byte, 0, len(l.Aggregated))
		for _, sub := range l.Aggregated {
			b, err := sub.encode(false)
			if err != nil {
				return nil, err
			}
			subs = append(subs, b)
		}
		return llcp.AppendAggregate(nil, subs...), nil
	}
	p := l.pdu()
	if payloadFollows && (l.Type == llcp.PTypeI || l.Type == llcp.PTypeUI) {
		p.Info = nil
	}
	if !l.Type.Valid() {
		return nil, errors.Wrapf(llcp.ErrUnknownPType, "type %d", uint8(l.Type))
	}
	return p.Marshal(), nil
}

// SerializeTo writes l in front of whatever b already holds. For I and UI
// PDUs a non empty buffer is taken to be the information field.
func (l *LLCP) SerializeTo(b gopacket.SerializeBuffer, _ gopacket.SerializeOptions) error {
	out, err := l.encode(len(b.Bytes()) > 0)
	if err != nil {
		return err
	}
	bytes, err := b.PrependBytes(len(out))
	if err != nil {
		return errors.Wrap(err, "llcp")
	}
	copy(bytes, out)
	return nil
}

// Summary describes l on one line.
func (l *LLCP) Summary() string {
	if l.Type != llcp.PTypeAGF {
		p := llcp.PDU{DSAP: l.DSAP, SSAP: l.SSAP, Type: l.Type, NS: l.NS, NR: l.NR, Info: l.Info}
		return p.String()
	}
	parts := make([]string, 0, len(l.Aggregated))
	for _, sub := range l.Aggregated {
		parts = append(parts, sub.Summary())
	}
	return fmt.Sprintf("AGF[%s]", strings.Join(parts, " "))
}

// Decode dissects one LLCP frame.
func Decode(frame []byte) gopacket.Packet {
	return gopacket.NewPacket(frame, LayerTypeLLCP, gopacket.Default)
}

var (
	_ gopacket.DecodingLayer     = (*LLCP)(nil)
	_ gopacket.SerializableLayer = (*LLCP)(nil)
)
