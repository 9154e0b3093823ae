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

package main

import (
	"fmt"
	"strings"

	"github.com/hsanjuan/go-ndef"
	"github.com/pkg/errors"
)

var errEmptyMessage = errors.New("nothing to push: give --uri or --text")

// buildMessage encodes the records to push: a URI record first, then a text
// record.
func buildMessage(uri, text, lang string) ([]byte, error) {
	var records []*ndef.Record
	if uri != "" {
		records = append(records, ndef.NewURIRecord(uri))
	}
	if text != "" {
		if lang == "" {
			lang = "en"
		}
		records = append(records, ndef.NewTextRecord(text, lang))
	}
	if len(records) == 0 {
		return nil, errEmptyMessage
	}

	for _, rec := range records {
		rec.SetMB(false)
		rec.SetME(false)
	}
	records[0].SetMB(true)
	records[len(records)-1].SetME(true)

	msg := &ndef.Message{Records: records}
	payload, err := msg.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal NDEF message")
	}
	return payload, nil
}

// recordInfo is the printable form of one NDEF record.
type recordInfo struct {
	TNF     string `json:"tnf"`
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

var tnfNames = map[byte]string{
	ndef.Empty:                "empty",
	ndef.NFCForumWellKnownType: "well-known",
	ndef.MediaType:            "media",
	ndef.AbsoluteURI:          "absolute-uri",
	ndef.NFCForumExternalType: "external",
	ndef.Unknown:              "unknown",
	ndef.Unchanged:            "unchanged",
}

// describeMessage decodes an NDEF message for display.
func describeMessage(b []byte) ([]recordInfo, error) {
	msg := &ndef.Message{}
	if _, err := msg.Unmarshal(b); err != nil {
		return nil, errors.Wrap(err, "failed to parse NDEF message")
	}

	infos := make([]recordInfo, 0, len(msg.Records))
	for _, rec := range msg.Records {
		info := recordInfo{TNF: tnfNames[rec.TNF()], Type: rec.Type()}
		if payload, err := rec.Payload(); err == nil {
			info.Payload = payload.String()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func formatRecords(records []recordInfo) string {
	lines := make([]string, 0, len(records))
	for i, rec := range records {
		lines = append(lines, fmt.Sprintf("  record %d: %s %q %s", i, rec.TNF, rec.Type, rec.Payload))
	}
	return strings.Join(lines, "\n")
}
