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

package testing

import "github.com/ZaparooProject/go-llcp/pn532"

// TestNFCID3 is the NFCID3 the simulator reports for both sides.
var TestNFCID3 = []byte{0x01, 0xFE, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7, 0x00, 0x00}

// ATR_RES and ATR_REQ parameters of the simulated peer: WT 14 and a
// length reduction of 254 bytes.
const (
	simTO = 0x0E
	simPP = 0x32
)

// BuildFirmwareVersionResponse creates a GetFirmwareVersion response of a
// PN532 v1.6 supporting ISO14443A/B and ISO18092.
func BuildFirmwareVersionResponse() []byte {
	return []byte{pn532.CmdGetFirmwareVersion + 1, 0x32, 0x01, 0x06, 0x07}
}

// BuildStatusResponse creates a response carrying only a status byte.
func BuildStatusResponse(cmd, status byte) []byte {
	return []byte{cmd + 1, status}
}

// BuildJumpForDEPResponse creates a successful InJumpForDEP response for
// target 1 whose ATR_RES carries gt.
func BuildJumpForDEPResponse(gt []byte) []byte {
	res := make([]byte, 0, 18+len(gt))
	res = append(res, pn532.CmdInJumpForDEP+1, 0x00, 0x01)
	res = append(res, TestNFCID3...)
	res = append(res, 0x00, 0x00, 0x00, simTO, simPP)
	return append(res, gt...)
}

// BuildATRReq creates the ATR_REQ an initiator sends with general bytes gi,
// as TgInitAsTarget reports it.
func BuildATRReq(gi []byte) []byte {
	atr := make([]byte, 0, 17+len(gi))
	atr = append(atr, byte(17+len(gi)), 0xD4, 0x00)
	atr = append(atr, TestNFCID3...)
	atr = append(atr, 0x00, 0x00, 0x00, simPP)
	return append(atr, gi...)
}
