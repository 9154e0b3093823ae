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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snl(entries ...ServiceDiscovery) []byte {
	b := appendHeader(nil, SAPSDP, PTypeSNL, SAPSDP)
	for _, e := range entries {
		b = e.appendTLV(b)
	}
	return b
}

func TestServiceLookupAnswered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	_, err := h.e.Register(0x11, LinkTypeConnectionOriented, "urn:nfc:sn:echo", (&recorder{}).handle)
	require.NoError(t, err)

	frame := snl(
		ServiceDiscovery{Type: ParamSDREQ, TID: 5, Name: "urn:nfc:sn:echo"},
		ServiceDiscovery{Type: ParamSDREQ, TID: 6, Name: "urn:nfc:sn:missing"},
		ServiceDiscovery{Type: ParamSDREQ, TID: 7, Name: sdpServiceName},
	)
	p := decode(t, h.deliver(t, frame))
	require.Equal(t, PTypeSNL, p.Type)
	assert.Equal(t, SAPSDP, p.DSAP)
	assert.Equal(t, SAPSDP, p.SSAP)

	entries, err := ParseSNL(p.Info)
	require.NoError(t, err)
	assert.Equal(t, []ServiceDiscovery{
		{Type: ParamSDRES, TID: 5, SAP: 0x11},
		{Type: ParamSDRES, TID: 6, SAP: 0},
		{Type: ParamSDRES, TID: 7, SAP: SAPSDP},
	}, entries)
}

func TestDiscoverService(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))

	type result struct {
		name string
		sap  SAP
	}
	var results []result
	cb := func(name string, sap SAP) { results = append(results, result{name, sap}) }

	require.NoError(t, h.e.DiscoverService("urn:nfc:sn:snep", cb))
	p := decode(t, h.deliver(t, symm()))
	require.Equal(t, PTypeSNL, p.Type)
	entries, err := ParseSNL(p.Info)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ParamSDREQ, entries[0].Type)
	assert.Equal(t, "urn:nfc:sn:snep", entries[0].Name)

	h.deliver(t, snl(ServiceDiscovery{Type: ParamSDRES, TID: entries[0].TID, SAP: SAPSNEP}))
	assert.Equal(t, []result{{"urn:nfc:sn:snep", SAPSNEP}}, results)

	// an unknown transaction is ignored
	h.deliver(t, snl(ServiceDiscovery{Type: ParamSDRES, TID: 0x7F, SAP: 0x10}))
	assert.Len(t, results, 1)
}

func TestDiscoveryAbandonedOnLinkLoss(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))

	var got []SAP
	require.NoError(t, h.e.DiscoverService("urn:nfc:sn:x", func(_ string, sap SAP) { got = append(got, sap) }))
	h.e.LinkLost()
	assert.Equal(t, []SAP{0}, got)
}

func TestDiscoverServiceValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	cb := func(string, SAP) {}
	assert.ErrorIs(t, h.e.DiscoverService("urn:nfc:sn:x", cb), ErrLinkNotActivated)

	h.activate(t, peerGB(248))
	assert.ErrorIs(t, h.e.DiscoverService("", cb), ErrInvalidParams)
	assert.ErrorIs(t, h.e.DiscoverService("urn:nfc:sn:x", nil), ErrInvalidParams)
}
