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

package netlink

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Record kinds on the stream.
const (
	recordATRReq byte = 0x01
	recordATRRes byte = 0x02
	recordDEP    byte = 0x03
)

// maxRecord bounds a record body: kind byte plus payload.
const maxRecord = 0xFFFF

// ErrRecordTooLarge is returned for payloads that do not fit a record.
var ErrRecordTooLarge = errors.New("record too large")

// ErrBadRecord is returned for a malformed or unexpected record.
var ErrBadRecord = errors.New("bad record")

// appendRecord encodes a record: a big endian length, the kind and the
// payload. The length counts the kind byte.
func appendRecord(dst []byte, kind byte, payload []byte) ([]byte, error) {
	n := 1 + len(payload)
	if n > maxRecord {
		return nil, errors.Wrapf(ErrRecordTooLarge, "%d bytes", len(payload))
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	dst = append(dst, kind)
	return append(dst, payload...), nil
}

// readRecord reads one record from r.
func readRecord(r io.Reader) (kind byte, payload []byte, err error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 {
		return 0, nil, errors.Wrap(ErrBadRecord, "empty record")
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, errors.Wrap(err, "record body")
	}
	return body[0], body[1:], nil
}
