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

	"github.com/pkg/errors"
)

// Decode errors. These never reach application callbacks.
var (
	ErrPDUTooShort   = errors.New("pdu shorter than its minimum size")
	ErrUnknownPType  = errors.New("reserved pdu type")
	ErrTLVTruncated  = errors.New("tlv length exceeds buffer")
	ErrParamLength   = errors.New("parameter value too short")
	ErrBadAggregate  = errors.New("malformed aggregated frame")
	ErrBadMagic      = errors.New("llcp magic number missing from general bytes")
	ErrVersionFailed = errors.New("llcp version agreement failed")
)

// API errors. An operation returning one of these has not changed any state.
var (
	ErrLinkNotActivated       = errors.New("llcp link not activated")
	ErrLinkActive             = errors.New("llcp link already active")
	ErrInvalidSAP             = errors.New("sap out of range")
	ErrSAPInUse               = errors.New("sap already registered")
	ErrServiceNameInUse       = errors.New("service name already registered")
	ErrNoCapabilities         = errors.New("no link type requested")
	ErrNoResources            = errors.New("no free slot")
	ErrNotRegistered          = errors.New("sap not registered")
	ErrCapabilityMismatch     = errors.New("sap not registered for this link type")
	ErrUnsupportedLinkService = errors.New("peer link service class does not support this link type")
	ErrInvalidParams          = errors.New("invalid parameters")
	ErrMIUTooLarge            = errors.New("miu exceeds local link miu")
	ErrDataTooLarge           = errors.New("data exceeds miu")
	ErrConnectionExists       = errors.New("data link connection already exists")
	ErrNoConnection           = errors.New("no data link connection")
	ErrNotConnected           = errors.New("data link connection not connected")
	ErrBadState               = errors.New("operation not valid in connection state")
	ErrRemoteWindowZero       = errors.New("peer receive window is zero")
)

// PDUError reports a structural failure decoding a PDU.
type PDUError struct {
	Err   error
	Op    string
	PType PType
}

func (e *PDUError) Error() string {
	if e.Op == "decode header" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.PType, e.Err)
}

func (e *PDUError) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err came from malformed input.
func IsDecodeError(err error) bool {
	var pe *PDUError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrTLVTruncated) || errors.Is(err, ErrParamLength) ||
		errors.Is(err, ErrBadAggregate) || errors.Is(err, ErrBadMagic)
}
