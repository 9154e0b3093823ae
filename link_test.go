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

func TestActivationScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.activate(t, scenarioGB)

	info := h.e.LinkInfo()
	assert.Equal(t, LinkActivated, info.State)
	assert.Equal(t, RoleInitiator, info.Role)
	assert.Equal(t, MakeVersion(1, 1), info.Version)
	assert.Equal(t, DefaultMIU, info.EffectiveMIU)
	assert.Equal(t, 248, info.LocalMIU)
	assert.Equal(t, uint16(0x0003), info.PeerWKS)
	assert.Equal(t, 100*time.Millisecond, info.PeerLTO)
	assert.Equal(t, LSCBoth, info.PeerLSC)
	assert.Equal(t, LinkEvent{State: LinkActivated}, h.links.last())
}

func TestActivationTwiceFails(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	err := h.e.Activate(ActivationParams{GeneralBytes: scenarioGB})
	assert.ErrorIs(t, err, ErrLinkActive)
}

func TestActivationClampsMIUToPayload(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: peerGB(1000), Role: RoleInitiator, MaxPayload: 200}))
	info := h.e.LinkInfo()
	assert.Equal(t, 197, info.LocalMIU)
	assert.Equal(t, 197, info.EffectiveMIU)
}

func TestBadMagicTarget(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.e.Activate(ActivationParams{GeneralBytes: []byte{0x01, 0x01, 0x11}, Role: RoleTarget})
	require.ErrorIs(t, err, ErrBadMagic)
	assert.Equal(t, LinkActivationFailed, h.e.LinkInfo().State)
	assert.Equal(t, LinkEvent{State: LinkActivationFailed, Reason: LinkReasonBadGeneralBytes}, h.links.last())

	for range 3 {
		require.NoError(t, h.e.Receive(symm()))
		assert.Equal(t, [][]byte{{invalidPDUValue}}, h.mac.take())
	}

	h.e.LinkLost()
	assert.ErrorIs(t, h.e.Receive(symm()), ErrLinkNotActivated)
	assert.Empty(t, h.mac.take())
	assert.Len(t, h.links.all(), 1, "failure is reported once")
}

func TestBadMagicInitiatorReleasesMAC(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	err := h.e.Activate(ActivationParams{GeneralBytes: []byte{0x46, 0x66}, Role: RoleInitiator})
	require.ErrorIs(t, err, ErrBadMagic)
	assert.Equal(t, []LinkReason{LinkReasonBadGeneralBytes}, h.mac.releases())
	assert.Empty(t, h.mac.take())
}

func TestVersionMismatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	gb := []byte{0x46, 0x66, 0x6D, 0x01, 0x01, 0x05}
	err := h.e.Activate(ActivationParams{GeneralBytes: gb, Role: RoleInitiator})
	require.ErrorIs(t, err, ErrVersionFailed)
	assert.Equal(t, LinkEvent{State: LinkActivationFailed, Reason: LinkReasonVersionMismatch}, h.links.last())
}

func TestDelayFirstPDU(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithDelayFirstPDU(30*time.Millisecond))

	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: scenarioGB, Role: RoleInitiator}))
	assert.Empty(t, h.mac.take())

	h.clk.Advance(29 * time.Millisecond)
	assert.Empty(t, h.mac.take())
	h.clk.Advance(time.Millisecond)
	assert.Equal(t, [][]byte{symm()}, h.mac.take())
}

func TestDelayFirstPDUCutShortByData(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithDelayFirstPDU(time.Second))
	rec := &recorder{}
	sap, err := h.e.Register(SAPAuto, LinkTypeConnectionless, "", rec.handle)
	require.NoError(t, err)

	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: scenarioGB, Role: RoleInitiator}))
	_, err = h.e.SendUI(sap, 0x20, []byte("early"))
	require.NoError(t, err)

	frames := h.mac.take()
	require.Len(t, frames, 1)
	p := decode(t, frames[0])
	assert.Equal(t, PTypeUI, p.Type)
	assert.Equal(t, []byte("early"), p.Info)
}

func TestTargetSymmetryDelayCappedByWaitingTime(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: scenarioGB, Role: RoleTarget}))
	assert.Empty(t, h.mac.take(), "target waits for the initiator")

	require.NoError(t, h.e.Receive(symm()))
	assert.Empty(t, h.mac.take())
	h.clk.Advance(151 * time.Microsecond)
	assert.Equal(t, [][]byte{symm()}, h.mac.take())
}

func TestSymmetryTurnAlternates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	h.clk.Advance(50 * time.Millisecond)
	assert.Empty(t, h.mac.take(), "no second PDU without a receive")

	for range 5 {
		assert.Equal(t, symm(), h.deliver(t, symm()))
	}
	assert.Equal(t, uint64(5), h.e.Stats().SymmRx)
	assert.Equal(t, uint64(6), h.e.Stats().SymmTx)
}

func TestLinkTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	h.clk.Advance(199 * time.Millisecond)
	assert.Equal(t, LinkActivated, h.e.LinkInfo().State)

	h.clk.Advance(time.Millisecond)
	assert.Equal(t, LinkDeactivated, h.e.LinkInfo().State)
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonTimeout}, h.links.last())
	assert.Equal(t, []LinkReason{LinkReasonTimeout}, h.mac.releases())
}

func TestTransmitErrorDeactivates(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mac.err = assert.AnError

	require.NoError(t, h.e.Activate(ActivationParams{GeneralBytes: scenarioGB, Role: RoleInitiator}))
	assert.Equal(t, LinkDeactivated, h.e.LinkInfo().State)
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonTransmitError}, h.links.last())
}

func TestLocalDeactivation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)
	rec := &recorder{}
	sap, err := h.e.RegisterClient(LinkTypeConnectionOriented, rec.handle)
	require.NoError(t, err)
	h.connect(t, sap, 0x10, ConnParams{MIU: 128, RW: 1})

	require.NoError(t, h.e.Deactivate())
	assert.Equal(t, LinkDeactivating, h.e.LinkInfo().State)
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonLinkDeactivated, ev.Reason)

	// the DISC waits for the local turn
	assert.Empty(t, h.mac.take())
	require.NoError(t, h.e.Receive(symm()))
	assert.Equal(t, [][]byte{{0x01, 0x40}}, h.mac.take())

	h.clk.Advance(50 * time.Millisecond)
	assert.Equal(t, LinkDeactivated, h.e.LinkInfo().State)
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonLocal}, h.links.last())
	assert.ErrorIs(t, h.e.Deactivate(), ErrLinkNotActivated)
}

func TestLocalDeactivationSurvivesPeerReply(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	require.NoError(t, h.e.Deactivate())
	require.NoError(t, h.e.Receive(symm()))
	assert.Equal(t, [][]byte{{0x01, 0x40}}, h.mac.take())

	// the peer answers our DISC before noticing it
	require.NoError(t, h.e.Receive(symm()))
	assert.Empty(t, h.mac.take(), "nothing follows the link DISC")
	assert.Equal(t, LinkDeactivating, h.e.LinkInfo().State)
	assert.Equal(t, 1, h.clk.Pending())

	h.clk.Advance(50 * time.Millisecond)
	assert.Equal(t, LinkDeactivated, h.e.LinkInfo().State)
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonLocal}, h.links.last())
	assert.Equal(t, []LinkReason{LinkReasonLocal}, h.mac.releases())
}

func TestPDULogFields(t *testing.T) {
	t.Parallel()
	logs := newCaptureLogger()
	h := newHarness(t, WithLogger(logs))
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionless, "", rec.handle)
	require.NoError(t, err)

	h.deliver(t, marshal(PDU{Type: PTypeUI, DSAP: 0x10, SSAP: 0x20, Info: []byte("hi")}))
	line, ok := logs.find("rx UI(10<-20 len=2)")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"local": "10", "remote": "20", "ptype": "UI"}, line.fields)

	_, err = h.e.SendUI(0x10, 0x21, []byte("yo"))
	require.NoError(t, err)
	h.deliver(t, symm())
	line, ok = logs.find("tx UI(21<-10 len=2)")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"local": "10", "remote": "21", "ptype": "UI"}, line.fields)
}

func TestRemoteDeactivation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	require.NoError(t, h.e.Receive(marshal(PDU{Type: PTypeDISC})))
	assert.Empty(t, h.mac.take())
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonRemote}, h.links.last())

	h.clk.Advance(time.Second)
	assert.Empty(t, h.mac.take(), "no timers survive deactivation")
}

func TestLinkLost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)

	h.e.LinkLost()
	assert.Equal(t, LinkEvent{State: LinkDeactivated, Reason: LinkReasonRFLost}, h.links.last())
	assert.Equal(t, []LinkReason{LinkReasonRFLost}, h.mac.releases())
	assert.Zero(t, h.clk.Pending())
}

func TestAggregatedInboundDispatch(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	sap, err := h.e.Register(SAPAuto, LinkTypeConnectionless, "", rec.handle)
	require.NoError(t, err)
	h.activate(t, scenarioGB)

	frame := AppendAggregate(nil,
		marshal(PDU{Type: PTypeUI, DSAP: sap, SSAP: 0x20, Info: []byte("one")}),
		symm(),
		AppendAggregate(nil, symm(), symm()),
		marshal(PDU{Type: PTypeUI, DSAP: sap, SSAP: 0x21, Info: []byte("two")}),
	)
	h.deliver(t, frame)

	remote, data, more, err := h.e.ReadUI(sap, 64)
	require.NoError(t, err)
	assert.Equal(t, SAP(0x20), remote)
	assert.Equal(t, []byte("one"), data)
	assert.True(t, more)

	remote, data, more, err = h.e.ReadUI(sap, 64)
	require.NoError(t, err)
	assert.Equal(t, SAP(0x21), remote)
	assert.Equal(t, []byte("two"), data)
	assert.False(t, more)

	assert.Equal(t, 1, rec.count(EventData), "data event only for the first unread payload")
	assert.Equal(t, uint64(1), h.e.Stats().AggregatesRx)
}

func TestMalformedAggregateDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	sap, err := h.e.Register(SAPAuto, LinkTypeConnectionless, "", rec.handle)
	require.NoError(t, err)
	h.activate(t, scenarioGB)

	ui := marshal(PDU{Type: PTypeUI, DSAP: sap, SSAP: 0x20, Info: []byte("x")})
	frame := AppendAggregate(nil, ui, ui)
	frame = frame[:len(frame)-1]
	assert.Equal(t, symm(), h.deliver(t, frame))

	assert.Empty(t, rec.all())
	assert.Equal(t, uint64(1), h.e.Stats().DecodeErrors)
}

func TestOutboundAggregation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	rec := &recorder{}
	sap, err := h.e.Register(SAPAuto, LinkTypeConnectionless, "", rec.handle)
	require.NoError(t, err)
	h.activate(t, scenarioGB)

	payload := make([]byte, 60)
	for range 3 {
		_, err = h.e.SendUI(sap, 0x20, payload)
		require.NoError(t, err)
	}

	// two 62-byte UI PDUs with their length prefixes fill 128 bytes
	frame := h.deliver(t, symm())
	p := decode(t, frame)
	require.Equal(t, PTypeAGF, p.Type)
	subs, err := SplitAggregate(p.Info)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
	assert.LessOrEqual(t, len(p.Info), DefaultMIU)

	p = decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeUI, p.Type)
	assert.Len(t, p.Info, 60)
}
