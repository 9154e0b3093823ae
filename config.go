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
	"time"

	"github.com/pkg/errors"

	"github.com/ZaparooProject/go-llcp/internal/clock"
	"github.com/ZaparooProject/go-llcp/internal/logging"
)

// Clock schedules the engine's timers.
type Clock = clock.Clock

// Timer is a scheduled callback returned by a Clock.
type Timer = clock.Timer

// linkTimeoutMargin is added to the peer's advertised LTO to cover local
// processing and propagation.
const linkTimeoutMargin = 100 * time.Millisecond

// Config holds the engine configuration.
type Config struct {
	// Clock drives every timer. Defaults to the wall clock.
	Clock Clock
	// Logger receives engine logs. Defaults to the package logger.
	Logger logging.Logger
	// LinkHandler is told about link state changes.
	LinkHandler LinkHandler

	// LinkTimeout is the LTO advertised to the peer.
	LinkTimeout time.Duration
	// SymmetryDelay is how long this side holds its turn waiting for data
	// before sending SYMM.
	SymmetryDelay time.Duration
	// DelayFirstPDU holds the initiator's first SYMM to give the upper
	// layer a chance to send real data.
	DelayFirstPDU time.Duration
	// InactivityTimeout deactivates a link that exchanged only SYMM for
	// this long. Zero disables it.
	InactivityTimeout time.Duration
	// ConnectionTimeout bounds the wait for CC, DM or a local response.
	ConnectionTimeout time.Duration
	// DeactivateWait is how long a local deactivation waits after the
	// link DISC before declaring the link down.
	DeactivateWait time.Duration

	LocalMIU       int
	DefaultRW      int
	MaxConnections int
	MaxSignalQueue int

	// MaxTxBuffers and MaxRxBuffers are the PDU budgets shared by all
	// SAPs and connections.
	MaxTxBuffers int
	MaxRxBuffers int
	// LinkTxPercent and LinkRxPercent are the shares of the budgets
	// available to connection-less traffic.
	LinkTxPercent int
	LinkRxPercent int
	// RxCongestStartPercent and RxCongestEndPercent bound overall receive
	// congestion as a share of MaxRxBuffers.
	RxCongestStartPercent int
	RxCongestEndPercent   int
	// MinRxCongestion is the lowest per-connection receive threshold.
	MinRxCongestion int
	// RxSegmentSize is the size of the buffers received payloads are
	// coalesced into.
	RxSegmentSize int

	ServiceClass LinkServiceClass
	// StrictMIU rejects a peer advertising a connection MIU above its
	// link MIU instead of clamping it.
	StrictMIU bool
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Clock:                 clock.Real{},
		LinkTimeout:           time.Second,
		SymmetryDelay:         20 * time.Millisecond,
		ConnectionTimeout:     time.Second,
		DeactivateWait:        50 * time.Millisecond,
		LocalMIU:              248,
		DefaultRW:             4,
		MaxConnections:        16,
		MaxSignalQueue:        64,
		MaxTxBuffers:          32,
		MaxRxBuffers:          32,
		LinkTxPercent:         30,
		LinkRxPercent:         30,
		RxCongestStartPercent: 70,
		RxCongestEndPercent:   50,
		MinRxCongestion:       4,
		RxSegmentSize:         512,
		ServiceClass:          LSCBoth,
	}
}

// Option configures an Engine.
type Option func(*Config) error

// WithClock sets the clock driving the engine's timers.
func WithClock(c Clock) Option {
	return func(cfg *Config) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		cfg.Clock = c
		return nil
	}
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(cfg *Config) error {
		cfg.Logger = l
		return nil
	}
}

// WithLinkHandler sets the link state handler.
func WithLinkHandler(h LinkHandler) Option {
	return func(cfg *Config) error {
		cfg.LinkHandler = h
		return nil
	}
}

// WithLocalMIU sets the link MIU advertised to the peer.
func WithLocalMIU(miu int) Option {
	return func(cfg *Config) error {
		if miu < DefaultMIU || miu > MaxMIU {
			return errors.Errorf("local miu %d out of range %d..%d", miu, DefaultMIU, MaxMIU)
		}
		cfg.LocalMIU = miu
		return nil
	}
}

// WithLinkTimeout sets the LTO advertised to the peer.
func WithLinkTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < ltoUnit || d > 255*ltoUnit {
			return errors.Errorf("link timeout %v out of range %v..%v", d, ltoUnit, 255*ltoUnit)
		}
		cfg.LinkTimeout = d
		return nil
	}
}

// WithSymmetryDelay sets how long this side holds its turn before sending SYMM.
func WithSymmetryDelay(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < 0 {
			return errors.Errorf("negative symmetry delay %v", d)
		}
		cfg.SymmetryDelay = d
		return nil
	}
}

// WithDelayFirstPDU delays the initiator's first PDU after activation.
func WithDelayFirstPDU(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < 0 {
			return errors.Errorf("negative first pdu delay %v", d)
		}
		cfg.DelayFirstPDU = d
		return nil
	}
}

// WithInactivityTimeout enables deactivation of idle links.
func WithInactivityTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < 0 {
			return errors.Errorf("negative inactivity timeout %v", d)
		}
		cfg.InactivityTimeout = d
		return nil
	}
}

// WithConnectionTimeout sets the data link connection response timeout.
func WithConnectionTimeout(d time.Duration) Option {
	return func(cfg *Config) error {
		if d <= 0 {
			return errors.Errorf("connection timeout must be positive, got %v", d)
		}
		cfg.ConnectionTimeout = d
		return nil
	}
}

// WithDeactivateWait sets the grace period after the link DISC.
func WithDeactivateWait(d time.Duration) Option {
	return func(cfg *Config) error {
		if d < 0 {
			return errors.Errorf("negative deactivate wait %v", d)
		}
		cfg.DeactivateWait = d
		return nil
	}
}

// WithDefaultRW sets the receive window used when a caller passes zero.
func WithDefaultRW(rw int) Option {
	return func(cfg *Config) error {
		if rw < 0 || rw > MaxRW {
			return errors.Errorf("receive window %d out of range 0..%d", rw, MaxRW)
		}
		cfg.DefaultRW = rw
		return nil
	}
}

// WithMaxConnections sizes the data link connection pool.
func WithMaxConnections(n int) Option {
	return func(cfg *Config) error {
		if n < 1 {
			return errors.Errorf("max connections must be at least 1, got %d", n)
		}
		cfg.MaxConnections = n
		return nil
	}
}

// WithBuffers sets the shared transmit and receive PDU budgets.
func WithBuffers(tx, rx int) Option {
	return func(cfg *Config) error {
		if tx < 2 || rx < 2 {
			return errors.Errorf("buffer budgets must be at least 2, got tx=%d rx=%d", tx, rx)
		}
		cfg.MaxTxBuffers = tx
		cfg.MaxRxBuffers = rx
		return nil
	}
}

// WithLinkShare sets the connection-less share of the buffer budgets.
func WithLinkShare(txPercent, rxPercent int) Option {
	return func(cfg *Config) error {
		if txPercent < 1 || txPercent > 100 || rxPercent < 1 || rxPercent > 100 {
			return errors.Errorf("link share out of range: tx=%d%% rx=%d%%", txPercent, rxPercent)
		}
		cfg.LinkTxPercent = txPercent
		cfg.LinkRxPercent = rxPercent
		return nil
	}
}

// WithRxCongestion sets the overall receive congestion thresholds and the
// per-connection floor.
func WithRxCongestion(startPercent, endPercent, minimum int) Option {
	return func(cfg *Config) error {
		if endPercent < 0 || startPercent <= endPercent || startPercent > 100 || minimum < 1 {
			return errors.Errorf("invalid rx congestion start=%d%% end=%d%% min=%d",
				startPercent, endPercent, minimum)
		}
		cfg.RxCongestStartPercent = startPercent
		cfg.RxCongestEndPercent = endPercent
		cfg.MinRxCongestion = minimum
		return nil
	}
}

// WithRxSegmentSize sets the receive buffer segment size.
func WithRxSegmentSize(n int) Option {
	return func(cfg *Config) error {
		if n < 64 {
			return errors.Errorf("rx segment size %d below 64", n)
		}
		cfg.RxSegmentSize = n
		return nil
	}
}

// WithServiceClass sets the link service class advertised in OPT.
func WithServiceClass(c LinkServiceClass) Option {
	return func(cfg *Config) error {
		if c&LSCBoth == LSCUnknown {
			return errors.New("service class must offer at least one link type")
		}
		cfg.ServiceClass = c & LSCBoth
		return nil
	}
}

// WithStrictMIU rejects oversize connection MIUs instead of clamping them.
func WithStrictMIU(strict bool) Option {
	return func(cfg *Config) error {
		cfg.StrictMIU = strict
		return nil
	}
}

func (c *Config) validate() error {
	if c.SymmetryDelay >= c.LinkTimeout {
		return errors.Errorf("symmetry delay %v must be below link timeout %v", c.SymmetryDelay, c.LinkTimeout)
	}
	if c.MaxSignalQueue < 1 {
		return errors.Errorf("signal queue must hold at least 1 pdu, got %d", c.MaxSignalQueue)
	}
	return nil
}
