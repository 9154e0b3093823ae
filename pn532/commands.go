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

package pn532

// PN532 command codes. Responses carry the command code plus one.
const (
	CmdGetFirmwareVersion byte = 0x02
	CmdSAMConfiguration   byte = 0x14
	CmdRFConfiguration    byte = 0x32
	CmdInDataExchange     byte = 0x40
	CmdInRelease          byte = 0x52
	CmdInJumpForDEP       byte = 0x56
	CmdTgGetData          byte = 0x86
	CmdTgInitAsTarget     byte = 0x8C
	CmdTgSetData          byte = 0x8E
	CmdTgSetMetaData      byte = 0x94
)

// Status byte layout of DEP command responses.
const (
	statusErrorMask = 0x3F
	statusMI        = 0x40
)

// SAMMode selects the SAM operating mode.
type SAMMode byte

// SAMModeNormal disables the SAM.
const SAMModeNormal SAMMode = 0x01

// BaudRate is the NFC-DEP bit rate selector used by InJumpForDEP.
type BaudRate byte

const (
	BaudRate106 BaudRate = 0x00
	BaudRate212 BaudRate = 0x01
	BaudRate424 BaudRate = 0x02
)

func (b BaudRate) String() string {
	switch b {
	case BaudRate106:
		return "106kbps"
	case BaudRate212:
		return "212kbps"
	case BaudRate424:
		return "424kbps"
	default:
		return "unknown"
	}
}
