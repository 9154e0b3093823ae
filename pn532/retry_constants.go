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

import "time"

// PN532 hardware retry constants (MxRty parameters).
const (
	// DefaultPassiveActivationRetries bounds InJumpForDEP target discovery.
	// Each retry is roughly 100ms, so 0x0A gives up after about a second.
	DefaultPassiveActivationRetries byte = 0x0A

	// DefaultATRRetries bounds ATR_REQ retransmissions during InJumpForDEP.
	DefaultATRRetries byte = 0x02
)

// Transport retry constants control low-level transport communication.
const (
	// TransportACKRetries is the number of attempts to receive ACK from PN532.
	TransportACKRetries = 3
	// TransportWakeupRetries is the number of attempts to wake the PN532 from sleep.
	TransportWakeupRetries = 3
	// TransportI2CFrameRetries is the number of attempts for I2C frame reception.
	TransportI2CFrameRetries = 5
)

// UART wakeup delays use progressive timing to handle different sleep states.
const (
	UARTWakeupDelay1 = 10 * time.Millisecond
	UARTWakeupDelay2 = 50 * time.Millisecond
	UARTWakeupDelay3 = 100 * time.Millisecond
)

// Transport ACK delays for I2C and SPI use progressive timing.
const (
	TransportACKDelay1 = 50 * time.Millisecond
	TransportACKDelay2 = 100 * time.Millisecond
	TransportACKDelay3 = 200 * time.Millisecond

	// TransportACKTimeout caps the wait for one ACK.
	TransportACKTimeout = 500 * time.Millisecond
)

// ACKDelay returns the progressive delay before ACK attempt n (zero based).
func ACKDelay(attempt int) time.Duration {
	switch attempt {
	case 0:
		return TransportACKDelay1
	case 1:
		return TransportACKDelay2
	default:
		return TransportACKDelay3
	}
}
