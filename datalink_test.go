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

func newClient(t *testing.T, h *harness) (SAP, *recorder) {
	t.Helper()
	rec := &recorder{}
	sap, err := h.e.RegisterClient(LinkTypeConnectionOriented, rec.handle)
	require.NoError(t, err)
	return sap, rec
}

func TestConnectSendAndDeferredDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	require.Equal(t, SAP(0x20), sap)

	h.connect(t, sap, 0x10, ConnParams{MIU: 200, RW: 1})
	ev, ok := rec.last(EventConnected)
	require.True(t, ok)
	assert.Equal(t, SAP(0x10), ev.RemoteSAP)
	assert.Equal(t, 200, ev.Params.MIU)

	info, err := h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, info.State)
	assert.Equal(t, 248, info.LocalMIU)
	assert.Equal(t, 200, info.RemoteMIU)
	assert.Equal(t, 4, info.LocalRW)
	assert.Equal(t, 1, info.RemoteRW)

	st, err := h.e.SendData(sap, 0x10, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, StatusCongested, st)
	st, err = h.e.SendData(sap, 0x10, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, StatusCongested, st)

	require.NoError(t, h.e.Disconnect(sap, 0x10, false))
	info, err = h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, info.State, "DISC waits for the queue to drain")
	_, err = h.e.SendData(sap, 0x10, []byte("c"))
	assert.ErrorIs(t, err, ErrNotConnected)

	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeI, p.Type)
	assert.Equal(t, uint8(0), p.NS)
	assert.Equal(t, uint8(0), p.NR)
	assert.Equal(t, []byte("a"), p.Info)

	p = decode(t, h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10, NR: 1})))
	assert.Equal(t, PTypeI, p.Type)
	assert.Equal(t, uint8(1), p.NS)
	assert.Equal(t, []byte("b"), p.Info)

	p = decode(t, h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10, NR: 2})))
	assert.Equal(t, PTypeDISC, p.Type)
	assert.Equal(t, SAP(0x10), p.DSAP)
	assert.Equal(t, sap, p.SSAP)

	info, err = h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.Equal(t, ConnWaitRemoteDisc, info.State)

	assert.Equal(t, symm(), h.deliver(t, marshal(PDU{Type: PTypeDM, DSAP: sap, SSAP: 0x10, Info: []byte{0x00}})))
	ev, ok = rec.last(EventDisconnectResp)
	require.True(t, ok)
	assert.Equal(t, ReasonDisconnected, ev.Reason)
	_, err = h.e.Connection(sap, 0x10)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestSequenceErrorFrameReject(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "urn:nfc:sn:echo", rec.handle)
	require.NoError(t, err)

	connect := PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x20, Info: ConnParams{MIU: 128, RW: 2}.appendTLVs(nil, false)}
	assert.Equal(t, symm(), h.deliver(t, marshal(connect)))
	ev, ok := rec.last(EventConnectInd)
	require.True(t, ok)
	assert.Equal(t, SAP(0x20), ev.RemoteSAP)
	assert.Equal(t, 2, ev.Params.RW)

	require.NoError(t, h.e.AcceptConnect(0x10, 0x20, ConnParams{RW: 1}))
	p := decode(t, h.deliver(t, symm()))
	require.Equal(t, PTypeCC, p.Type)
	assert.Equal(t, SAP(0x20), p.DSAP)
	assert.Equal(t, SAP(0x10), p.SSAP)
	cc, err := ParseConnParams(p.Info)
	require.NoError(t, err)
	assert.Equal(t, 1, cc.RW)
	assert.Equal(t, 248, cc.MIU)

	info, err := h.e.Connection(0x10, 0x20)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, info.State)
	assert.Equal(t, 2, info.RemoteRW)

	p = decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: 0x10, SSAP: 0x20, NS: 1, NR: 0, Info: []byte("x")})))
	require.Equal(t, PTypeFRMR, p.Type)
	assert.Equal(t, SAP(0x20), p.DSAP)
	f, err := ParseFrameReject(p.Info)
	require.NoError(t, err)
	assert.Equal(t, FRMRFlagS, f.Flags)
	assert.Equal(t, PTypeI, f.PType)
	assert.Equal(t, byte(0x10), f.Sequence)

	ev, ok = rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonFrameError, ev.Reason)
	assert.Equal(t, uint64(1), h.e.Stats().FRMRTx)
	_, err = h.e.Connection(0x10, 0x20)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestOversizedIFrameRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	require.NoError(t, h.e.Connect(sap, 0x10, ConnParams{MIU: 128}))
	decode(t, h.deliver(t, symm()))
	h.deliver(t, marshal(PDU{Type: PTypeCC, DSAP: sap, SSAP: 0x10}))

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: sap, SSAP: 0x10, Info: make([]byte, 129)})))
	require.Equal(t, PTypeFRMR, p.Type)
	f, err := ParseFrameReject(p.Info)
	require.NoError(t, err)
	assert.Equal(t, FRMRFlagI, f.Flags)
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonFrameError, ev.Reason)
}

func TestInvalidNRRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10, NR: 3})))
	require.Equal(t, PTypeFRMR, p.Type)
	f, err := ParseFrameReject(p.Info)
	require.NoError(t, err)
	assert.Equal(t, FRMRFlagR, f.Flags)
	assert.Equal(t, PTypeRR, f.PType)
}

func TestReceiveDataAndAcknowledge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: sap, SSAP: 0x10, Info: []byte("hello")})))
	assert.Equal(t, PTypeRR, p.Type)
	assert.Equal(t, uint8(1), p.NR)
	assert.Equal(t, 1, rec.count(EventData))

	data, more, err := h.e.ReadData(sap, 0x10, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("hel"), data, "long payloads are truncated")
	assert.False(t, more)

	data, more, err = h.e.ReadData(sap, 0x10, 3)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.False(t, more)
}

func TestPiggybackedAcknowledgement(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 2})

	_, err := h.e.SendData(sap, 0x10, []byte("out"))
	require.NoError(t, err)
	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: sap, SSAP: 0x10, Info: []byte("in")})))
	assert.Equal(t, PTypeI, p.Type)
	assert.Equal(t, uint8(0), p.NS)
	assert.Equal(t, uint8(1), p.NR)
}

func TestSendWindowRespected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 2})

	for i := range 5 {
		_, err := h.e.SendData(sap, 0x10, []byte{byte(i)})
		require.NoError(t, err)
	}

	sent := func(frame []byte) []PDU {
		p := decode(t, frame)
		if p.Type != PTypeAGF {
			return []PDU{p}
		}
		subs, err := SplitAggregate(p.Info)
		require.NoError(t, err)
		out := make([]PDU, 0, len(subs))
		for _, s := range subs {
			out = append(out, decode(t, s))
		}
		return out
	}

	pdus := sent(h.deliver(t, symm()))
	require.Len(t, pdus, 2)
	assert.Equal(t, uint8(0), pdus[0].NS)
	assert.Equal(t, uint8(1), pdus[1].NS)

	assert.Equal(t, symm(), h.deliver(t, symm()), "window is full")

	pdus = sent(h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10, NR: 2})))
	require.Len(t, pdus, 2)
	assert.Equal(t, uint8(2), pdus[0].NS)
	assert.Equal(t, uint8(3), pdus[1].NS)

	info, err := h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.Equal(t, 3, info.TxQueued)
}

func TestRemoteBusyHoldsData(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 2})

	assert.Equal(t, symm(), h.deliver(t, marshal(PDU{Type: PTypeRNR, DSAP: sap, SSAP: 0x10})))
	_, err := h.e.SendData(sap, 0x10, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, symm(), h.deliver(t, symm()))

	info, err := h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.True(t, info.RemoteBusy)

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10})))
	assert.Equal(t, PTypeI, p.Type)
}

func TestLocalBusy(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	require.NoError(t, h.e.SetLocalBusy(sap, 0x10, true))
	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeRNR, p.Type)
	assert.Equal(t, uint8(0), p.NR)

	p = decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: sap, SSAP: 0x10, Info: []byte("z")})))
	assert.Equal(t, PTypeRNR, p.Type)
	assert.Equal(t, uint8(1), p.NR)
	assert.Zero(t, rec.count(EventData))

	require.NoError(t, h.e.SetLocalBusy(sap, 0x10, false))
	assert.Equal(t, 1, rec.count(EventData))
	p = decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeRR, p.Type)
	assert.Equal(t, uint8(1), p.NR)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})
	_, err := h.e.SendData(sap, 0x10, []byte("dropped"))
	require.NoError(t, err)

	require.NoError(t, h.e.Disconnect(sap, 0x10, true))
	require.NoError(t, h.e.Disconnect(sap, 0x10, true))

	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeDISC, p.Type, "flush drops queued data and sends a single DISC")
	assert.Equal(t, symm(), h.deliver(t, symm()))
}

func TestPeerDisconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeDISC, DSAP: sap, SSAP: 0x10})))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, []byte{byte(ReasonDisconnected)}, p.Info)
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonDisconnected, ev.Reason)
}

func TestConnectRejectedByPeer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)

	require.NoError(t, h.e.Connect(sap, 0x11, ConnParams{}))
	decode(t, h.deliver(t, symm()))
	h.deliver(t, marshal(PDU{Type: PTypeDM, DSAP: sap, SSAP: 0x11, Info: []byte{byte(ReasonNoService)}}))

	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonNoService, ev.Reason)
	_, err := h.e.Connection(sap, 0x11)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestConnectByName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)

	require.NoError(t, h.e.Connect(sap, SAPSDP, ConnParams{ServiceName: "urn:nfc:sn:snep"}))
	p := decode(t, h.deliver(t, symm()))
	require.Equal(t, PTypeCONNECT, p.Type)
	assert.Equal(t, SAPSDP, p.DSAP)
	params, err := ParseConnParams(p.Info)
	require.NoError(t, err)
	assert.Equal(t, "urn:nfc:sn:snep", params.ServiceName)

	h.deliver(t, marshal(PDU{Type: PTypeCC, DSAP: sap, SSAP: SAPSNEP}))
	ev, ok := rec.last(EventConnected)
	require.True(t, ok)
	assert.Equal(t, SAPSNEP, ev.RemoteSAP)

	info, err := h.e.Connection(sap, SAPSNEP)
	require.NoError(t, err)
	assert.Equal(t, ConnConnected, info.State)
}

func TestInboundConnectByName(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "urn:nfc:sn:echo", rec.handle)
	require.NoError(t, err)

	byName := func(name string) []byte {
		return marshal(PDU{Type: PTypeCONNECT, DSAP: SAPSDP, SSAP: 0x20,
			Info: ConnParams{ServiceName: name, RW: 1}.appendTLVs(nil, true)})
	}

	assert.Equal(t, symm(), h.deliver(t, byName("urn:nfc:sn:echo")))
	ev, ok := rec.last(EventConnectInd)
	require.True(t, ok)
	assert.Equal(t, SAP(0x10), ev.LocalSAP)

	p := decode(t, h.deliver(t, byName("urn:nfc:sn:missing")))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, SAP(0x20), p.DSAP)
	assert.Equal(t, SAPSDP, p.SSAP)
	assert.Equal(t, []byte{byte(ReasonNoService)}, p.Info)
}

func TestConnectToUnboundSAP(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x12, SSAP: 0x20})))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, []byte{byte(ReasonNoService)}, p.Info)
}

func TestPDUForUnknownConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))

	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeI, DSAP: 0x10, SSAP: 0x20, Info: []byte("?")})))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, []byte{byte(ReasonNoConnection)}, p.Info)

	assert.Equal(t, symm(), h.deliver(t, marshal(PDU{Type: PTypeDM, DSAP: 0x10, SSAP: 0x20, Info: []byte{0}})),
		"DM is never answered")
}

func TestNoFreeConnection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithMaxConnections(1))
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "", rec.handle)
	require.NoError(t, err)

	assert.Equal(t, symm(), h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x20})))
	p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x21})))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, SAP(0x21), p.DSAP)
	assert.Equal(t, []byte{byte(ReasonTemporaryRejectAll)}, p.Info)
}

func TestRejectConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "", rec.handle)
	require.NoError(t, err)
	h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x20}))

	assert.ErrorIs(t, h.e.RejectConnect(0x10, 0x20, ReasonTimeout), ErrInvalidParams)
	require.NoError(t, h.e.RejectConnect(0x10, 0x20, ReasonPermanentRejectSAP))

	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, []byte{0x10}, p.Info)
	_, err = h.e.Connection(0x10, 0x20)
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestConnectTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithConnectionTimeout(100*time.Millisecond))
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)

	require.NoError(t, h.e.Connect(sap, 0x10, ConnParams{}))
	decode(t, h.deliver(t, symm()))

	h.clk.Advance(99 * time.Millisecond)
	_, ok := rec.last(EventDisconnectInd)
	assert.False(t, ok)

	h.clk.Advance(time.Millisecond)
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, ev.Reason)
}

func TestAcceptTimeoutSendsDM(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithConnectionTimeout(100*time.Millisecond))
	h.activate(t, peerGB(248))
	rec := &recorder{}
	_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "", rec.handle)
	require.NoError(t, err)

	h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x20}))
	h.clk.Advance(80 * time.Millisecond)
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonTimeout, ev.Reason)

	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeDM, p.Type)
	assert.Equal(t, []byte{byte(ReasonRejected)}, p.Info)
}

func TestCCMIUClampedToLinkMIU(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, scenarioGB)
	sap, rec := newClient(t, h)

	h.connect(t, sap, 0x10, ConnParams{MIU: 200, RW: 1})
	ev, ok := rec.last(EventConnected)
	require.True(t, ok)
	assert.Equal(t, DefaultMIU, ev.Params.MIU)
	info, err := h.e.Connection(sap, 0x10)
	require.NoError(t, err)
	assert.Equal(t, DefaultMIU, info.RemoteMIU)
}

func TestCCMIUStrict(t *testing.T) {
	t.Parallel()
	h := newHarness(t, WithStrictMIU(true))
	h.activate(t, scenarioGB)
	sap, rec := newClient(t, h)

	require.NoError(t, h.e.Connect(sap, 0x10, ConnParams{}))
	decode(t, h.deliver(t, symm()))
	cc := PDU{Type: PTypeCC, DSAP: sap, SSAP: 0x10, Info: ConnParams{MIU: 200, RW: 1}.appendTLVs(nil, false)}
	p := decode(t, h.deliver(t, marshal(cc)))
	assert.Equal(t, PTypeDISC, p.Type)

	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonRejected, ev.Reason)
	assert.Zero(t, rec.count(EventConnected))
}

func TestSendDataLimits(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, _ := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{MIU: 150, RW: 1})

	_, err := h.e.SendData(sap, 0x10, make([]byte, 151))
	assert.ErrorIs(t, err, ErrDataTooLarge)
	_, err = h.e.SendData(sap, 0x11, []byte("x"))
	assert.ErrorIs(t, err, ErrNoConnection)
	_, err = h.e.SendData(0x30, 0x10, []byte("x"))
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestConnectValidation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	sap, _ := newClient(t, h)
	assert.ErrorIs(t, h.e.Connect(sap, 0x10, ConnParams{}), ErrLinkNotActivated)

	h.activate(t, peerGB(248))
	assert.ErrorIs(t, h.e.Connect(sap, 0x00, ConnParams{}), ErrInvalidSAP)
	assert.ErrorIs(t, h.e.Connect(sap, SAPSDP, ConnParams{}), ErrInvalidParams)
	assert.ErrorIs(t, h.e.Connect(sap, 0x10, ConnParams{MIU: 100}), ErrInvalidParams)

	cl, err := h.e.RegisterClient(LinkTypeConnectionless, (&recorder{}).handle)
	require.NoError(t, err)
	assert.ErrorIs(t, h.e.Connect(cl, 0x10, ConnParams{}), ErrCapabilityMismatch)

	require.NoError(t, h.e.Connect(sap, 0x10, ConnParams{}))
	assert.ErrorIs(t, h.e.Connect(sap, 0x10, ConnParams{}), ErrConnectionExists)
}

func TestNotifyTxComplete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	require.NoError(t, h.e.NotifyTxComplete(sap, 0x10))
	assert.Equal(t, 1, rec.count(EventTxComplete), "nothing outstanding")

	_, err := h.e.SendData(sap, 0x10, []byte("a"))
	require.NoError(t, err)
	require.NoError(t, h.e.NotifyTxComplete(sap, 0x10))
	decode(t, h.deliver(t, symm()))
	assert.Equal(t, 1, rec.count(EventTxComplete))

	h.deliver(t, marshal(PDU{Type: PTypeRR, DSAP: sap, SSAP: 0x10, NR: 1}))
	assert.Equal(t, 2, rec.count(EventTxComplete))
}

func TestDeregisterClosesConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})
	before := len(rec.all())

	require.NoError(t, h.e.Deregister(sap))
	p := decode(t, h.deliver(t, symm()))
	assert.Equal(t, PTypeDISC, p.Type)
	assert.Equal(t, sap, p.SSAP)
	assert.Len(t, rec.all(), before, "the application is not told")

	_, err := h.e.Connection(sap, 0x10)
	assert.ErrorIs(t, err, ErrNoConnection)
	assert.ErrorIs(t, h.e.Deregister(sap), ErrNotRegistered)
}

func TestConnectionsReleasedOnLinkLoss(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.activate(t, peerGB(248))
	sap, rec := newClient(t, h)
	h.connect(t, sap, 0x10, ConnParams{RW: 1})

	h.e.LinkLost()
	ev, ok := rec.last(EventDisconnectInd)
	require.True(t, ok)
	assert.Equal(t, ReasonLinkDeactivated, ev.Reason)
	_, err := h.e.Connection(sap, 0x10)
	assert.ErrorIs(t, err, ErrNoConnection)

	// registrations survive the link
	h.mac.take()
	h.activate(t, peerGB(248))
	h.connect(t, sap, 0x10, ConnParams{RW: 1})
}

func TestConnectionStateEdges(t *testing.T) {
	t.Parallel()

	tests := []struct {
		run  func(t *testing.T, h *harness, sap SAP, rec *recorder)
		name string
	}{
		{
			name: "DISC crossing our DISC is answered and the wait continues",
			run: func(t *testing.T, h *harness, sap SAP, rec *recorder) {
				h.connect(t, sap, 0x10, ConnParams{RW: 1})
				require.NoError(t, h.e.Disconnect(sap, 0x10, false))
				require.Equal(t, PTypeDISC, decode(t, h.deliver(t, symm())).Type)

				p := decode(t, h.deliver(t, marshal(PDU{Type: PTypeDISC, DSAP: sap, SSAP: 0x10})))
				assert.Equal(t, PTypeDM, p.Type)
				assert.Equal(t, []byte{byte(ReasonDisconnected)}, p.Info)
				info, err := h.e.Connection(sap, 0x10)
				require.NoError(t, err)
				assert.Equal(t, ConnWaitRemoteDisc, info.State)
				assert.Zero(t, rec.count(EventDisconnectResp))

				h.deliver(t, marshal(PDU{Type: PTypeDM, DSAP: sap, SSAP: 0x10, Info: []byte{byte(ReasonDisconnected)}}))
				ev, ok := rec.last(EventDisconnectResp)
				require.True(t, ok)
				assert.Equal(t, ReasonDisconnected, ev.Reason)
			},
		},
		{
			name: "unanswered DISC times out",
			run: func(t *testing.T, h *harness, sap SAP, rec *recorder) {
				h.connect(t, sap, 0x10, ConnParams{RW: 1})
				require.NoError(t, h.e.Disconnect(sap, 0x10, false))
				require.Equal(t, PTypeDISC, decode(t, h.deliver(t, symm())).Type)

				h.clk.Advance(100 * time.Millisecond)
				ev, ok := rec.last(EventDisconnectResp)
				require.True(t, ok)
				assert.Equal(t, ReasonTimeout, ev.Reason)
				assert.Zero(t, rec.count(EventDisconnectInd))
				_, err := h.e.Connection(sap, 0x10)
				assert.ErrorIs(t, err, ErrNoConnection)
			},
		},
		{
			name: "accept with a full signal queue rolls back",
			run: func(t *testing.T, h *harness, sap SAP, _ *recorder) {
				server := &recorder{}
				_, err := h.e.Register(0x10, LinkTypeConnectionOriented, "", server.handle)
				require.NoError(t, err)
				assert.Equal(t, symm(), h.deliver(t, marshal(PDU{Type: PTypeCONNECT, DSAP: 0x10, SSAP: 0x20})))

				// the CONNECT waits for our turn and takes the only slot
				require.NoError(t, h.e.Connect(sap, 0x11, ConnParams{}))
				err = h.e.AcceptConnect(0x10, 0x20, ConnParams{})
				require.ErrorIs(t, err, ErrNoResources)

				ev, ok := server.last(EventDisconnectInd)
				require.True(t, ok)
				assert.Equal(t, ReasonResourceUnavailable, ev.Reason)
				_, err = h.e.Connection(0x10, 0x20)
				assert.ErrorIs(t, err, ErrNoConnection)

				assert.Equal(t, PTypeCONNECT, decode(t, h.deliver(t, symm())).Type)
			},
		},
		{
			name: "FRMR from the peer drops the connection",
			run: func(t *testing.T, h *harness, sap SAP, rec *recorder) {
				h.connect(t, sap, 0x10, ConnParams{RW: 1})
				frmr := FrameReject{Flags: FRMRFlagS, PType: PTypeI}
				reply := h.deliver(t, marshal(PDU{Type: PTypeFRMR, DSAP: sap, SSAP: 0x10, Info: frmr.Info()}))
				assert.Equal(t, symm(), reply, "an FRMR is never answered")

				ev, ok := rec.last(EventDisconnectInd)
				require.True(t, ok)
				assert.Equal(t, ReasonFrameError, ev.Reason)
				assert.Equal(t, uint64(1), h.e.Stats().FRMRRx)
				assert.Zero(t, h.e.Stats().FRMRTx)
				_, err := h.e.Connection(sap, 0x10)
				assert.ErrorIs(t, err, ErrNoConnection)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			oneSignal := func(cfg *Config) error {
				cfg.MaxSignalQueue = 1
				return nil
			}
			h := newHarness(t, WithConnectionTimeout(100*time.Millisecond), oneSignal)
			h.activate(t, peerGB(248))
			sap, rec := newClient(t, h)
			tt.run(t, h, sap, rec)
		})
	}
}
