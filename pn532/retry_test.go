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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		RetryTimeout:      time.Second,
	}
}

func TestRetryWithConfig(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), fastRetry(3), func() error {
		calls++
		return NewTimeoutError("read", "")
	})
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.Equal(t, 3, calls)

	calls = 0
	err = RetryWithConfig(context.Background(), fastRetry(3), func() error {
		calls++
		if calls < 2 {
			return NewChecksumMismatchError("read", "")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	calls = 0
	permanent := errors.New("permanent")
	err = RetryWithConfig(context.Background(), fastRetry(3), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryWithConfigCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithConfig(ctx, fastRetry(3), func() error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestRetryConfigForCommand(t *testing.T) {
	t.Parallel()

	base := fastRetry(5)
	for _, cmd := range []byte{CmdInDataExchange, CmdTgGetData, CmdTgSetData, CmdTgSetMetaData, CmdInJumpForDEP, CmdTgInitAsTarget} {
		assert.Zero(t, RetryConfigForCommand(cmd, base).MaxAttempts, "cmd 0x%02X", cmd)
	}
	assert.Same(t, base, RetryConfigForCommand(CmdGetFirmwareVersion, base))
	assert.Equal(t, DefaultRetryConfig(), RetryConfigForCommand(CmdInRelease, nil))
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		lo, hi  time.Duration
	}{
		{name: "first", attempt: 0, lo: time.Millisecond, hi: 1100 * time.Microsecond},
		{name: "doubled", attempt: 1, lo: 2 * time.Millisecond, hi: 2200 * time.Microsecond},
		{name: "capped", attempt: 6, lo: 2 * time.Millisecond, hi: 2200 * time.Microsecond},
	}
	cfg := fastRetry(3)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := cfg.backoff(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.lo)
			assert.LessOrEqual(t, d, tt.hi)
		})
	}

	steady := &RetryConfig{InitialBackoff: 10 * time.Millisecond, BackoffMultiplier: 3}
	assert.Equal(t, 90*time.Millisecond, steady.backoff(2), "no cap and no jitter")
}

func TestRetryWithConfigSingleAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryWithConfig(context.Background(), &RetryConfig{}, func() error {
		calls++
		return NewTimeoutError("read", "")
	})
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.Equal(t, 1, calls)
}

func TestRetryWithConfigTimeout(t *testing.T) {
	t.Parallel()

	cfg := &RetryConfig{
		MaxAttempts:       100,
		InitialBackoff:    20 * time.Millisecond,
		BackoffMultiplier: 1,
		RetryTimeout:      30 * time.Millisecond,
	}
	calls := 0
	err := RetryWithConfig(context.Background(), cfg, func() error {
		calls++
		return NewTimeoutError("read", "")
	})
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.Less(t, calls, 100)
}

func TestTransportWithRetryDoesNotRepeatDEP(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetError(CmdInDataExchange, NewTimeoutError("read", ""))
	tr := NewTransportWithRetry(mock, fastRetry(3))

	_, err := tr.SendCommand(context.Background(), CmdInDataExchange, []byte{0x01})
	require.ErrorIs(t, err, ErrTransportTimeout)
	assert.Equal(t, 1, mock.CallCount(CmdInDataExchange))
}

func TestTransportWithRetryRecovers(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetError(CmdRFConfiguration, NewNACKReceivedError("read", ""))
	tr := NewTransportWithRetry(mock, fastRetry(2))

	_, err := tr.SendCommand(context.Background(), CmdRFConfiguration, []byte{0x05})
	require.ErrorIs(t, err, ErrNACKReceived)
	assert.Equal(t, 4, mock.CallCount(CmdRFConfiguration))
	assert.Equal(t, 2, mock.CallCount(CmdSAMConfiguration))
	assert.Equal(t, 2, mock.CallCount(CmdGetFirmwareVersion))

	mock.ClearError(CmdRFConfiguration)
	res, err := tr.SendCommand(context.Background(), CmdRFConfiguration, []byte{0x05})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x33, 0x00}, res)
}

func TestTransportWithRetryForwards(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	tr := NewTransportWithRetry(mock, nil)
	tr.SetRetryConfig(fastRetry(1))

	require.NoError(t, tr.SetTimeout(time.Second))
	assert.Equal(t, TransportMock, tr.Type())
	assert.True(t, tr.IsConnected())
	require.NoError(t, tr.Close())
	assert.False(t, mock.IsConnected())
}
