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

// Package llcp implements the NFC Logical Link Control Protocol on top of an
// activated NFC-DEP link.
//
// An Engine multiplexes the link into connection-less logical links, bound
// to service access points (SAPs), and connection-oriented data link
// connections with sliding-window flow control. The engine owns the
// symmetry discipline: after every frame received it holds the local turn
// for a short delay, aggregating whatever applications queued into one
// frame or sending SYMM when there is nothing to say.
//
// The lower layer implements MAC and drives the engine:
//
//	eng, err := llcp.New(mac)
//	gb := eng.GeneralBytes() // into ATR_REQ/ATR_RES
//	err = eng.Activate(llcp.ActivationParams{GeneralBytes: peerGB, Role: llcp.RoleInitiator})
//	err = eng.Receive(frame) // for every frame from the peer
//	eng.LinkLost()           // when the RF link drops
//
// Applications register SAPs with a Handler and exchange data through
// SendUI/ReadUI or Connect/SendData/ReadData. Handlers are called outside
// the engine lock and may call back into the engine.
package llcp
