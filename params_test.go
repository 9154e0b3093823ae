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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGeneralBytes(t *testing.T) {
	t.Parallel()

	gb := []byte{
		0x46, 0x66, 0x6D,
		0x01, 0x01, 0x11, // VERSION 1.1
		0x02, 0x02, 0x00, 0x00, // MIUX 0
		0x03, 0x02, 0x00, 0x02, // WKS
		0x04, 0x01, 0x0A, // LTO 100ms
		0x07, 0x01, 0x03, // OPT
	}
	p, err := ParseGeneralBytes(gb)
	require.NoError(t, err)
	assert.Equal(t, MakeVersion(1, 1), p.Version)
	assert.Equal(t, DefaultMIU, p.MIU)
	assert.Equal(t, uint16(0x0003), p.WKS, "link manager bit is always set")
	assert.Equal(t, 100*time.Millisecond, p.LTO)
	assert.Equal(t, LSCBoth, p.LSC)
}

func TestParseGeneralBytesDefaults(t *testing.T) {
	t.Parallel()

	p, err := ParseGeneralBytes([]byte{0x46, 0x66, 0x6D, 0x01, 0x01, 0x10, 0x04, 0x01, 0x00})
	require.NoError(t, err)
	assert.Equal(t, DefaultMIU, p.MIU)
	assert.Equal(t, DefaultLTO, p.LTO, "zero LTO means the default")
	assert.Equal(t, uint16(0x0001), p.WKS)
	assert.Equal(t, LSCUnknown, p.LSC)
}

func TestParseGeneralBytesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want error
		name string
		gb   []byte
	}{
		{name: "no magic", gb: []byte{0x01, 0x01, 0x11}, want: ErrBadMagic},
		{name: "short magic", gb: []byte{0x46, 0x66}, want: ErrBadMagic},
		{name: "tlv overrun", gb: []byte{0x46, 0x66, 0x6D, 0x01, 0x05, 0x11}, want: ErrTLVTruncated},
		{name: "missing length", gb: []byte{0x46, 0x66, 0x6D, 0x01}, want: ErrTLVTruncated},
		{name: "short miux", gb: []byte{0x46, 0x66, 0x6D, 0x02, 0x01, 0x00}, want: ErrParamLength},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseGeneralBytes(tt.gb)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLinkParamsRoundTrip(t *testing.T) {
	t.Parallel()

	in := LinkParams{Version: LocalVersion, MIU: 2175, WKS: 0x0013, LTO: 1500 * time.Millisecond, LSC: LSCConnectionOriented}
	out, err := ParseGeneralBytes(in.GeneralBytes())
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAgreeVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		local Version
		peer  Version
		want  Version
		ok    bool
	}{
		{name: "same", local: 0x11, peer: 0x11, want: 0x11, ok: true},
		{name: "lower peer minor", local: 0x11, peer: 0x10, want: 0x10, ok: true},
		{name: "higher peer minor", local: 0x11, peer: 0x13, want: 0x11, ok: true},
		{name: "lower peer major", local: 0x21, peer: 0x14, want: 0x14, ok: true},
		{name: "higher peer major", local: 0x11, peer: 0x20, want: 0x11, ok: true},
		{name: "peer major zero", local: 0x11, peer: 0x09, ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := agreeVersion(tt.local, tt.peer)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestConnParams(t *testing.T) {
	t.Parallel()

	in := ConnParams{MIU: 248, RW: 2, ServiceName: "urn:nfc:sn:snep"}
	out, err := ParseConnParams(in.appendTLVs(nil, true))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	noName, err := ParseConnParams(in.appendTLVs(nil, false))
	require.NoError(t, err)
	assert.Empty(t, noName.ServiceName)

	def, err := ParseConnParams(nil)
	require.NoError(t, err)
	assert.Equal(t, ConnParams{MIU: DefaultMIU, RW: DefaultRW}, def)

	_, err = ParseConnParams([]byte{0x05, 0x00})
	assert.ErrorIs(t, err, ErrParamLength)
}

func TestConnParamsValidate(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ConnParams{MIU: 248, RW: 4}.validate(248))
	assert.ErrorIs(t, ConnParams{MIU: 249, RW: 4}.validate(248), ErrMIUTooLarge)
	assert.ErrorIs(t, ConnParams{MIU: 100, RW: 4}.validate(248), ErrInvalidParams)
	assert.ErrorIs(t, ConnParams{MIU: 128, RW: 16}.validate(248), ErrInvalidParams)
}

func TestSNL(t *testing.T) {
	t.Parallel()

	entries := []ServiceDiscovery{
		{Type: ParamSDREQ, TID: 7, Name: "urn:nfc:sn:snep"},
		{Type: ParamSDRES, TID: 9, SAP: 0x04},
	}
	var b []byte
	size := 0
	for _, ent := range entries {
		b = ent.appendTLV(b)
		size += ent.tlvLen()
	}
	assert.Len(t, b, size)

	got, err := ParseSNL(append(b, 0x01, 0x01, 0x11))
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestLinkServiceClassSupports(t *testing.T) {
	t.Parallel()

	assert.True(t, LSCUnknown.Supports(LinkTypeConnectionOriented))
	assert.True(t, LSCConnectionless.Supports(LinkTypeConnectionless))
	assert.False(t, LSCConnectionless.Supports(LinkTypeConnectionOriented))
	assert.True(t, LSCBoth.Supports(LinkTypeConnectionOriented))
}

func TestParamTypeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "MIUX", ParamMIUX.String())
	assert.Equal(t, "SDRES", ParamSDRES.String())
	assert.Equal(t, "PARAM(2A)", ParamType(0x2A).String())
}
