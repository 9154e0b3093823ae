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
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var firmwareV16 = []byte{0x03, 0x32, 0x01, 0x06, 0x07}

// newTestDevice returns a device talking straight to a mock, without the
// retry wrapper.
func newTestDevice(t *testing.T) (*Device, *MockTransport) {
	t.Helper()
	mock := NewMockTransport()
	d, err := New(mock, WithRetryConfig(nil))
	require.NoError(t, err)
	return d, mock
}

func TestNew(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.ErrorIs(t, err, ErrInvalidParameter)

	_, err = New(NewMockTransport(), WithTimeout(0))
	require.ErrorIs(t, err, ErrInvalidParameter)

	d, err := New(NewMockTransport())
	require.NoError(t, err)
	assert.IsType(t, &TransportWithRetry{}, d.Transport())

	d, mock := newTestDevice(t)
	assert.Same(t, mock, d.Transport())
}

func TestInit(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(CmdGetFirmwareVersion, firmwareV16)
	d, err := New(mock, WithRetryConfig(nil), WithTimeout(250*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, d.Init(context.Background()))

	fw := d.FirmwareVersion()
	require.NotNil(t, fw)
	assert.Equal(t, "1.6", fw.Version)
	assert.True(t, fw.SupportIso14443a)
	assert.True(t, fw.SupportIso14443b)
	assert.True(t, fw.SupportIso18092)
	assert.Equal(t, 250*time.Millisecond, mock.Timeout())

	calls := mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, MockCall{Cmd: CmdSAMConfiguration, Args: []byte{0x01, 0x14, 0x01}}, calls[1])
	assert.Equal(t, MockCall{Cmd: CmdRFConfiguration, Args: []byte{0x05, 0x02, 0x01, 0x0A}}, calls[2])
}

func TestInitIgnoresRFConfigurationFailure(t *testing.T) {
	t.Parallel()

	d, mock := newTestDevice(t)
	mock.SetResponse(CmdGetFirmwareVersion, firmwareV16)
	mock.SetError(CmdRFConfiguration, NewPN532Error(0x81, "RFConfiguration", ""))

	require.NoError(t, d.Init(context.Background()))
}

func TestInitFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		want     error
		name     string
		firmware []byte
		sam      []byte
	}{
		{name: "no DEP support", firmware: []byte{0x03, 0x32, 0x01, 0x06, 0x03}, want: ErrCommandNotSupported},
		{name: "foreign IC", firmware: []byte{0x03, 0x31, 0x01, 0x06, 0x07}, want: ErrDeviceNotFound},
		{name: "short firmware", firmware: []byte{0x03, 0x32}, want: ErrInvalidResponse},
		{name: "bad SAM response", firmware: firmwareV16, sam: []byte{0x03}, want: ErrInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, mock := newTestDevice(t)
			mock.SetResponse(CmdGetFirmwareVersion, tt.firmware)
			if tt.sam != nil {
				mock.SetResponse(CmdSAMConfiguration, tt.sam)
			}
			require.ErrorIs(t, d.Init(context.Background()), tt.want)
		})
	}
}

func TestSetTimeoutAndClose(t *testing.T) {
	t.Parallel()

	d, mock := newTestDevice(t)
	require.NoError(t, d.SetTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, mock.Timeout())

	require.NoError(t, d.Close())
	assert.False(t, mock.IsConnected())

	_, err := d.GetFirmwareVersion(context.Background())
	require.ErrorIs(t, err, ErrTransportClosed)
	assert.True(t, IsFatal(err))
}

func TestCancelledContext(t *testing.T) {
	t.Parallel()

	d, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.GetFirmwareVersion(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
