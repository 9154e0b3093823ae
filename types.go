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
	"fmt"
	"time"
)

// LinkType selects the logical link transports a SAP takes part in.
type LinkType uint8

// Link types.
const (
	LinkTypeConnectionless     LinkType = 0x01
	LinkTypeConnectionOriented LinkType = 0x02
	LinkTypeBoth               LinkType = 0x03
)

func (t LinkType) String() string {
	switch t {
	case LinkTypeConnectionless:
		return "connectionless"
	case LinkTypeConnectionOriented:
		return "connection-oriented"
	case LinkTypeBoth:
		return "both"
	default:
		return fmt.Sprintf("LinkType(%d)", uint8(t))
	}
}

// Role is the NFC-DEP role this side plays for the activation.
type Role uint8

// Roles.
const (
	RoleInitiator Role = iota
	RoleTarget
)

func (r Role) String() string {
	if r == RoleTarget {
		return "target"
	}
	return "initiator"
}

// LinkState is the state of the LLCP link.
type LinkState uint8

// Link states.
const (
	LinkDeactivated LinkState = iota
	LinkActivated
	LinkDeactivating
	LinkActivationFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkDeactivated:
		return "deactivated"
	case LinkActivated:
		return "activated"
	case LinkDeactivating:
		return "deactivating"
	case LinkActivationFailed:
		return "activation failed"
	default:
		return fmt.Sprintf("LinkState(%d)", uint8(s))
	}
}

// LinkReason explains a link activation failure or deactivation.
type LinkReason uint8

// Link reasons.
const (
	LinkReasonNone LinkReason = iota
	LinkReasonLocal
	LinkReasonRemote
	LinkReasonTimeout
	LinkReasonBadGeneralBytes
	LinkReasonVersionMismatch
	LinkReasonRFLost
	LinkReasonTransmitError
	LinkReasonInactivity
)

var linkReasonNames = [...]string{
	LinkReasonNone:            "none",
	LinkReasonLocal:           "local",
	LinkReasonRemote:          "remote",
	LinkReasonTimeout:         "timeout",
	LinkReasonBadGeneralBytes: "bad general bytes",
	LinkReasonVersionMismatch: "version mismatch",
	LinkReasonRFLost:          "rf lost",
	LinkReasonTransmitError:   "transmit error",
	LinkReasonInactivity:      "inactivity",
}

func (r LinkReason) String() string {
	if int(r) < len(linkReasonNames) {
		return linkReasonNames[r]
	}
	return fmt.Sprintf("LinkReason(%d)", uint8(r))
}

// DisconnectReason is a DM reason code, or one of the local-only reasons
// above 0x7F that never go on the wire.
type DisconnectReason uint8

// DM reasons.
const (
	ReasonDisconnected        DisconnectReason = 0x00
	ReasonNoConnection        DisconnectReason = 0x01
	ReasonNoService           DisconnectReason = 0x02
	ReasonRejected            DisconnectReason = 0x03
	ReasonPermanentRejectSAP  DisconnectReason = 0x10
	ReasonPermanentRejectAll  DisconnectReason = 0x11
	ReasonTemporaryRejectSAP  DisconnectReason = 0x20
	ReasonTemporaryRejectAll  DisconnectReason = 0x21
	ReasonTimeout             DisconnectReason = 0x80
	ReasonLinkDeactivated     DisconnectReason = 0x81
	ReasonFrameError          DisconnectReason = 0x82
	ReasonResourceUnavailable DisconnectReason = 0x83
)

// IsReject reports whether r may be used to reject an inbound CONNECT.
func (r DisconnectReason) IsReject() bool {
	switch r {
	case ReasonRejected, ReasonPermanentRejectSAP, ReasonPermanentRejectAll,
		ReasonTemporaryRejectSAP, ReasonTemporaryRejectAll:
		return true
	default:
		return false
	}
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonDisconnected:
		return "disconnected"
	case ReasonNoConnection:
		return "no active connection"
	case ReasonNoService:
		return "no service bound"
	case ReasonRejected:
		return "rejected"
	case ReasonPermanentRejectSAP:
		return "permanent reject (sap)"
	case ReasonPermanentRejectAll:
		return "permanent reject (any)"
	case ReasonTemporaryRejectSAP:
		return "temporary reject (sap)"
	case ReasonTemporaryRejectAll:
		return "temporary reject (any)"
	case ReasonTimeout:
		return "timeout"
	case ReasonLinkDeactivated:
		return "link deactivated"
	case ReasonFrameError:
		return "frame error"
	case ReasonResourceUnavailable:
		return "resource unavailable"
	default:
		return fmt.Sprintf("DisconnectReason(0x%02X)", uint8(r))
	}
}

// Status is the advisory result of a send.
type Status uint8

// Send statuses. A congested send has still been queued.
const (
	StatusOK Status = iota
	StatusCongested
)

func (s Status) String() string {
	if s == StatusCongested {
		return "congested"
	}
	return "ok"
}

// EventType identifies an application event.
type EventType uint8

// Application events.
const (
	EventData EventType = iota + 1
	EventConnectInd
	EventConnected
	EventDisconnectInd
	EventDisconnectResp
	EventCongestion
	EventTxComplete
)

var eventNames = [...]string{
	EventData:           "data",
	EventConnectInd:     "connect-ind",
	EventConnected:      "connected",
	EventDisconnectInd:  "disconnect-ind",
	EventDisconnectResp: "disconnect-resp",
	EventCongestion:     "congestion",
	EventTxComplete:     "tx-complete",
}

func (t EventType) String() string {
	if int(t) < len(eventNames) && eventNames[t] != "" {
		return eventNames[t]
	}
	return fmt.Sprintf("EventType(%d)", uint8(t))
}

// Event is delivered to a SAP's handler. Fields not relevant to Type are zero.
type Event struct {
	Params    ConnParams
	Type      EventType
	LocalSAP  SAP
	RemoteSAP SAP
	Reason    DisconnectReason
	LinkType  LinkType
	Congested bool
}

// Handler receives events for one SAP. It runs without the engine lock
// held and may call back into the engine.
type Handler func(Event)

// LinkEvent reports a link state change.
type LinkEvent struct {
	State  LinkState
	Reason LinkReason
}

// LinkHandler receives link state changes.
type LinkHandler func(LinkEvent)

// LinkInfo is a snapshot of the negotiated link.
type LinkInfo struct {
	PeerLTO      time.Duration    `json:"peer_lto"`
	LocalMIU     int              `json:"local_miu"`
	PeerMIU      int              `json:"peer_miu"`
	EffectiveMIU int              `json:"effective_miu"`
	PeerWKS      uint16           `json:"peer_wks"`
	State        LinkState        `json:"state"`
	Role         Role             `json:"role"`
	Version      Version          `json:"version"`
	PeerLSC      LinkServiceClass `json:"peer_lsc"`
}

// MAC is the lower layer carrying LLCP frames over an activated NFC-DEP link.
// Transmit is never called with the engine lock held.
type MAC interface {
	Transmit(frame []byte) error
}

// LinkObserver is implemented by a MAC that wants to release the radio
// link when the engine gives it up.
type LinkObserver interface {
	LinkDeactivated(reason LinkReason)
}

// ActivationParams describe the NFC-DEP activation handed to Activate.
type ActivationParams struct {
	// GeneralBytes from the peer's ATR_REQ or ATR_RES.
	GeneralBytes []byte
	// MaxPayload is the DEP payload limit; zero means unlimited.
	MaxPayload int
	// WaitingTime is the target's WT value (0..14); only used by targets.
	WaitingTime uint8
	Role        Role
}

// MarshalText implements encoding.TextMarshaler.
func (s LinkState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}
