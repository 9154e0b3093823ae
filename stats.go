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
	jsoniter "github.com/json-iterator/go"
)

// Stats are cumulative engine counters.
type Stats struct {
	Activations        uint64 `json:"activations"`
	ActivationFailures uint64 `json:"activation_failures"`
	Deactivations      uint64 `json:"deactivations"`
	FramesTx           uint64 `json:"frames_tx"`
	FramesRx           uint64 `json:"frames_rx"`
	PDUsTx             uint64 `json:"pdus_tx"`
	PDUsRx             uint64 `json:"pdus_rx"`
	SymmTx             uint64 `json:"symm_tx"`
	SymmRx             uint64 `json:"symm_rx"`
	AggregatesTx       uint64 `json:"aggregates_tx"`
	AggregatesRx       uint64 `json:"aggregates_rx"`
	DecodeErrors       uint64 `json:"decode_errors"`
	UIDropped          uint64 `json:"ui_dropped"`
	FRMRTx             uint64 `json:"frmr_tx"`
	FRMRRx             uint64 `json:"frmr_rx"`
	TxCongestions      uint64 `json:"tx_congestions"`
	RxCongestions      uint64 `json:"rx_congestions"`
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() Stats {
	e.lock()
	defer e.unlock()
	return e.stats
}

type snapshot struct {
	Link  LinkInfo `json:"link"`
	Stats Stats    `json:"stats"`
}

// MarshalStatus encodes the link info and counters as JSON.
func (e *Engine) MarshalStatus() ([]byte, error) {
	e.lock()
	snap := snapshot{Stats: e.stats}
	e.unlock()
	snap.Link = e.LinkInfo()
	return jsoniter.Marshal(snap)
}
