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

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"syscall"
)

// Error categories used by the retry and link-loss logic.
var (
	// Transport errors, potentially retryable
	ErrTransportTimeout  = errors.New("transport timeout")
	ErrTransportWrite    = errors.New("transport write failed")
	ErrTransportRead     = errors.New("transport read failed")
	ErrTransportClosed   = errors.New("transport is closed")
	ErrTransportNotReady = errors.New("transport not ready")

	// Communication errors, potentially retryable
	ErrNoACK            = errors.New("no ACK received")
	ErrNACKReceived     = errors.New("NACK received")
	ErrFrameCorrupted   = errors.New("frame corrupted")
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// Device errors
	ErrDeviceNotFound      = errors.New("device not found")
	ErrInvalidResponse     = errors.New("invalid response format")
	ErrSyntaxError         = errors.New("PN532 rejected the frame syntax")
	ErrCommandNotSupported = errors.New("command not supported by device")

	// DEP errors
	ErrNoDEPTarget = errors.New("no DEP target activated")
	ErrNotDEP      = errors.New("initiator did not activate NFC-DEP")

	// Data errors
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrDataTooLarge     = errors.New("data too large")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error
	ErrorTypeTimeout
)

// TransportError wraps transport-level errors with additional context
type TransportError struct {
	Err       error
	Op        string
	Port      string
	Type      ErrorType
	Retryable bool
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PN532Error reports a non-zero status byte returned by the PN532.
type PN532Error struct {
	Command   string
	Context   string
	ErrorCode byte
}

func (e *PN532Error) Error() string {
	base := fmt.Sprintf("%s error 0x%02X (%s)", e.Command, e.ErrorCode, errorCodeMeaning(e.ErrorCode))
	if e.Context != "" {
		base += ": " + e.Context
	}
	return base
}

// PN532 status codes, user manual section 7.1.
const (
	statusTimeout         = 0x01
	statusRFNotActivated  = 0x0A
	statusRFProtocol      = 0x0B
	statusDEPUnsupported  = 0x12
	statusDEPInvalidState = 0x25
	statusReleased        = 0x29
	statusCardGone        = 0x2B
	statusNFCID3Mismatch  = 0x2C
	statusInvalidCommand  = 0x81
)

var errorCodeMeanings = map[byte]string{
	0x00:                  "success",
	statusTimeout:         "timeout",
	0x02:                  "CRC error",
	0x03:                  "parity error",
	0x04:                  "erroneous bit count during anti-collision",
	0x05:                  "framing error",
	0x06:                  "abnormal bit collision",
	0x07:                  "communication buffer size insufficient",
	0x09:                  "RF buffer overflow",
	statusRFNotActivated:  "RF field not activated in time",
	statusRFProtocol:      "RF protocol error",
	0x0D:                  "overheating",
	0x0E:                  "internal buffer overflow",
	0x10:                  "invalid parameter",
	statusDEPUnsupported:  "DEP protocol not supported",
	0x13:                  "data format does not match",
	0x14:                  "authentication error",
	statusDEPInvalidState: "DEP invalid state",
	0x26:                  "operation not allowed",
	0x27:                  "wrong context for command",
	statusReleased:        "target released by initiator",
	statusCardGone:        "target disappeared",
	statusNFCID3Mismatch:  "NFCID3 initiator/target mismatch",
	0x2D:                  "over-current event",
	0x2E:                  "NAD missing in DEP frame",
	statusInvalidCommand:  "command not supported",
}

func errorCodeMeaning(code byte) string {
	if m, ok := errorCodeMeanings[code]; ok {
		return m
	}
	return "unknown error"
}

// IsTimeoutError reports a PN532 RF timeout.
func (e *PN532Error) IsTimeoutError() bool {
	return e.ErrorCode == statusTimeout
}

// IsCommandNotSupported reports an invalid command status.
func (e *PN532Error) IsCommandNotSupported() bool {
	return e.ErrorCode == statusInvalidCommand
}

// IsLinkLoss reports status codes after which the DEP link cannot continue.
func (e *PN532Error) IsLinkLoss() bool {
	switch e.ErrorCode {
	case statusTimeout, statusRFNotActivated, statusRFProtocol, statusDEPInvalidState,
		statusReleased, statusCardGone, statusNFCID3Mismatch:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	// a DEP exchange is not idempotent, so no PN532 status is retried
	var pe *PN532Error
	if errors.As(err, &pe) {
		return false
	}

	switch {
	case errors.Is(err, ErrTransportTimeout),
		errors.Is(err, ErrTransportRead),
		errors.Is(err, ErrTransportWrite),
		errors.Is(err, ErrNoACK),
		errors.Is(err, ErrFrameCorrupted),
		errors.Is(err, ErrChecksumMismatch):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the device or connection is
// gone and the link loop should stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	if isDeviceGoneError(err) {
		return true
	}

	switch {
	case errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrDeviceNotFound),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		return true
	default:
		return false
	}
}

// IsLinkLoss reports whether err ends the current DEP link.
func IsLinkLoss(err error) bool {
	var pe *PN532Error
	if errors.As(err, &pe) {
		return pe.IsLinkLoss()
	}
	return errors.Is(err, ErrNoDEPTarget)
}

// IsCommandNotSupported checks if an error indicates a command is not supported
func IsCommandNotSupported(err error) bool {
	var pe *PN532Error
	if errors.As(err, &pe) {
		return pe.IsCommandNotSupported()
	}
	return errors.Is(err, ErrCommandNotSupported)
}

// Windows error codes for device disconnection detection.
const (
	errAccessDenied syscall.Errno = 5   // ERROR_ACCESS_DENIED
	errGenFailure   syscall.Errno = 31  // ERROR_GEN_FAILURE
	errNoSuchDevice syscall.Errno = 433 // ERROR_NO_SUCH_DEVICE
)

// isDeviceGoneError checks for OS-level errors raised when a USB reader is
// unplugged during I/O.
func isDeviceGoneError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}

	//nolint:exhaustive // only device-gone errnos matter
	switch errno {
	case syscall.EIO, syscall.ENXIO, syscall.ENODEV:
		return true
	}
	if runtime.GOOS == "windows" {
		//nolint:exhaustive // only device-gone errnos matter
		switch errno {
		case errAccessDenied, errGenFailure, errNoSuchDevice:
			return true
		}
	}
	return false
}

// NewPN532Error creates a PN532 error with the specified error code and context
func NewPN532Error(errorCode byte, command, context string) *PN532Error {
	return &PN532Error{
		ErrorCode: errorCode,
		Command:   command,
		Context:   context,
	}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewTimeoutError creates a timeout error for transport operations
func NewTimeoutError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportTimeout, ErrorTypeTimeout)
}

// NewFrameCorruptedError creates a frame corruption error
func NewFrameCorruptedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrFrameCorrupted, ErrorTypeTransient)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

// NewTransportWriteError creates a write error (transient)
func NewTransportWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportWrite, ErrorTypeTransient)
}

// NewTransportReadError creates a read error (transient)
func NewTransportReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportRead, ErrorTypeTransient)
}

// NewNoACKError creates a "no ACK received" error (timeout)
func NewNoACKError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNoACK, ErrorTypeTimeout)
}

// NewNACKReceivedError creates a "NACK received" error (transient)
func NewNACKReceivedError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNACKReceived, ErrorTypeTransient)
}

// NewInvalidResponseError creates an invalid response error (permanent)
func NewInvalidResponseError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrInvalidResponse, ErrorTypePermanent)
}

// NewChecksumMismatchError creates a checksum mismatch error (transient)
func NewChecksumMismatchError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksumMismatch, ErrorTypeTransient)
}

// NewTransportNotReadyError creates a transport not ready error (timeout)
func NewTransportNotReadyError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrTransportNotReady, ErrorTypeTimeout)
}
