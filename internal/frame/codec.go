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

package frame

import (
	"errors"
	"fmt"

	"github.com/ZaparooProject/go-llcp/pn532"
)

// Kind classifies a parsed frame.
type Kind uint8

const (
	KindInfo Kind = iota
	KindAck
	KindNack
	// KindError is the PN532 application level error frame (TFI 0x7F).
	KindError
)

// Frame is one decoded frame. Data excludes the TFI byte.
type Frame struct {
	Data []byte
	Kind Kind
	TFI  byte
}

// ErrIncomplete reports that the buffer does not hold a whole frame yet.
var ErrIncomplete = errors.New("incomplete frame")

// Checksum returns the byte sum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}

// Build encodes a host-to-PN532 information frame carrying cmd and args.
// Frames longer than 255 bytes use the extended length form.
func Build(cmd byte, args []byte) ([]byte, error) {
	data := make([]byte, 0, 1+len(args))
	data = append(data, cmd)
	return Encode(HostToPn532, append(data, args...))
}

// Encode wraps data in an information frame with the given TFI.
func Encode(tfi byte, data []byte) ([]byte, error) {
	n := 1 + len(data)
	if n > MaxFrameDataLength {
		return nil, pn532.NewDataTooLargeError("build frame", "")
	}

	out := make([]byte, 0, n+10)
	out = append(out, Preamble, StartCode1, StartCode2)
	if n < MaxNormalLength {
		out = append(out, byte(n), -byte(n))
	} else {
		hi, lo := byte(n>>8), byte(n)
		out = append(out, 0xFF, 0xFF, hi, lo, -(hi + lo))
	}
	body := len(out)
	out = append(out, tfi)
	out = append(out, data...)
	out = append(out, -Checksum(out[body:]), Postamble)
	return out, nil
}

// IsAck reports whether buf starts with an ACK frame, with or without preamble.
func IsAck(buf []byte) bool {
	f, _, err := Parse(buf)
	return err == nil && f.Kind == KindAck
}

// Parse decodes the first frame found in buf. consumed is the number of
// bytes the caller may drop, leading garbage included. ErrIncomplete asks
// for more input. On a checksum failure consumed skips the start code so the
// caller can resynchronise.
func Parse(buf []byte) (f Frame, consumed int, err error) {
	start := findStart(buf)
	if start < 0 {
		drop := len(buf)
		if drop > 0 && buf[drop-1] == StartCode1 {
			drop--
		}
		return Frame{}, drop, ErrIncomplete
	}

	p := start + 2
	if len(buf) < p+2 {
		return Frame{}, start, ErrIncomplete
	}
	switch {
	case buf[p] == 0x00 && buf[p+1] == 0xFF:
		return Frame{Kind: KindAck}, skipPostamble(buf, p+2), nil
	case buf[p] == 0xFF && buf[p+1] == 0x00:
		return Frame{Kind: KindNack}, skipPostamble(buf, p+2), nil
	}

	n, body, err := parseLength(buf, p)
	if errors.Is(err, ErrIncomplete) {
		return Frame{}, start, err
	}
	if err != nil {
		return Frame{}, p, err
	}
	if len(buf) < body+n+1 {
		return Frame{}, start, ErrIncomplete
	}
	if Checksum(buf[body:body+n+1]) != 0 {
		return Frame{}, p, pn532.NewChecksumMismatchError("parse frame", "")
	}

	f = Frame{Kind: KindInfo, TFI: buf[body]}
	if f.TFI == ErrorTFI {
		f.Kind = KindError
	}
	f.Data = append([]byte(nil), buf[body+1:body+n]...)
	return f, skipPostamble(buf, body+n+1), nil
}

// Response checks that f answers cmd and returns the frame data, starting
// with the response code.
func Response(f Frame, cmd byte) ([]byte, error) {
	switch {
	case f.Kind == KindError:
		return nil, pn532.NewTransportError("response", "", pn532.ErrSyntaxError, pn532.ErrorTypePermanent)
	case f.Kind != KindInfo:
		return nil, pn532.NewInvalidResponseError("response", "")
	case f.TFI != Pn532ToHost || len(f.Data) == 0:
		return nil, pn532.NewFrameCorruptedError("response", "")
	case f.Data[0] != cmd+1:
		return nil, fmt.Errorf("response code 0x%02X for command 0x%02X: %w",
			f.Data[0], cmd, pn532.ErrInvalidResponse)
	}
	return f.Data, nil
}

func findStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartCode1 && buf[i+1] == StartCode2 {
			return i
		}
	}
	return -1
}

func parseLength(buf []byte, p int) (n, body int, err error) {
	if buf[p] == 0xFF && buf[p+1] == 0xFF {
		if len(buf) < p+5 {
			return 0, 0, ErrIncomplete
		}
		hi, lo, lcs := buf[p+2], buf[p+3], buf[p+4]
		if hi+lo+lcs != 0 {
			return 0, 0, pn532.NewChecksumMismatchError("parse frame length", "")
		}
		n, body = int(hi)<<8|int(lo), p+5
	} else {
		if buf[p]+buf[p+1] != 0 {
			return 0, 0, pn532.NewChecksumMismatchError("parse frame length", "")
		}
		n, body = int(buf[p]), p+2
	}
	if n == 0 || n > MaxFrameDataLength {
		return 0, 0, pn532.NewFrameCorruptedError("parse frame length", "")
	}
	return n, body, nil
}

func skipPostamble(buf []byte, end int) int {
	if end < len(buf) && buf[end] == Postamble {
		return end + 1
	}
	return end
}
