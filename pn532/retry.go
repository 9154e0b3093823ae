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
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig is the backoff policy TransportWithRetry applies to commands
// that are safe to repeat.
type RetryConfig struct {
	// Attempts including the first; 0 or 1 runs the command once
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Share of each backoff added at random
	Jitter float64
	// Bound on all attempts together
	RetryTimeout time.Duration
}

// DefaultRetryConfig returns the policy used for housekeeping commands.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryTimeout:      5 * time.Second,
	}
}

// depCommands move NFC-DEP frames. A lost response does not mean the peer
// missed the frame, so they run once.
var depCommands = map[byte]bool{
	CmdInJumpForDEP:   true,
	CmdInDataExchange: true,
	CmdTgInitAsTarget: true,
	CmdTgGetData:      true,
	CmdTgSetData:      true,
	CmdTgSetMetaData:  true,
}

// RetryConfigForCommand returns the policy for cmd: a single attempt for DEP
// commands, base or the default for everything else.
func RetryConfigForCommand(cmd byte, base *RetryConfig) *RetryConfig {
	if depCommands[cmd] {
		return &RetryConfig{}
	}
	if base == nil {
		return DefaultRetryConfig()
	}
	return base
}

// RetryWithConfig runs fn until it succeeds or fails with an error
// IsRetryable rejects. When the attempts or the retry timeout run out the
// last error is returned. A nil config means DefaultRetryConfig.
func RetryWithConfig(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if config.MaxAttempts <= 1 {
		return fn()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry context cancelled: %w", err)
	}
	if config.RetryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.RetryTimeout)
		defer cancel()
	}

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !IsRetryable(err) || attempt+1 >= config.MaxAttempts {
			return err
		}
		pause := time.NewTimer(config.backoff(attempt))
		select {
		case <-ctx.Done():
			pause.Stop()
			return err
		case <-pause.C:
		}
	}
}

// backoff returns the pause after failed attempt n, counted from zero.
func (c *RetryConfig) backoff(n int) time.Duration {
	d := float64(c.InitialBackoff)
	for range n {
		d *= c.BackoffMultiplier
	}
	if c.MaxBackoff > 0 {
		d = min(d, float64(c.MaxBackoff))
	}
	if c.Jitter > 0 {
		d += rand.Float64() * d * c.Jitter //nolint:gosec // jitter only
	}
	return time.Duration(d)
}
