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

// Package p2p runs an LLCP engine over the NFC-DEP link of a PN532.
package p2p

import (
	"context"
	"time"

	"github.com/pkg/errors"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/internal/logging"
	"github.com/ZaparooProject/go-llcp/internal/syncutil"
	"github.com/ZaparooProject/go-llcp/pn532"
)

const (
	defaultRetryDelay = 200 * time.Millisecond
	releaseTimeout    = time.Second
)

var errReleased = errors.New("link released by engine")

// Device is the part of a PN532 the radio loop drives. *pn532.Device
// implements it.
type Device interface {
	JumpForDEP(ctx context.Context, p pn532.JumpForDEPParams) (*pn532.DEPTarget, error)
	DataExchange(ctx context.Context, data []byte) ([]byte, error)
	Release(ctx context.Context) error
	InitAsTarget(ctx context.Context, p pn532.TargetParams) (*pn532.TargetActivation, error)
	TargetGetData(ctx context.Context) ([]byte, error)
	TargetSetData(ctx context.Context, data []byte) error
}

// Engine is the part of an LLCP engine the radio loop drives.
// *llcp.Engine implements it.
type Engine interface {
	GeneralBytes() []byte
	Activate(p llcp.ActivationParams) error
	Receive(frame []byte) error
	LinkLost()
	LinkInfo() llcp.LinkInfo
}

// Link is the MAC of an engine on a PN532. The engine hands it frames
// through Transmit; Run moves them over the air.
type Link struct {
	dev        Device
	log        logging.Logger
	ready      chan struct{}
	released   chan struct{}
	queue      [][]byte
	initiator  pn532.JumpForDEPParams
	target     pn532.TargetParams
	retryDelay time.Duration
	mu         syncutil.Mutex
	role       llcp.Role
	reason     llcp.LinkReason
}

// Option configures a Link.
type Option func(*Link) error

// WithRetryDelay sets the pause between failed activations.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Link) error {
		if d < 0 {
			return errors.Wrapf(pn532.ErrInvalidParameter, "retry delay %v", d)
		}
		l.retryDelay = d
		return nil
	}
}

// WithInitiatorParams sets the InJumpForDEP parameters. The general bytes
// always come from the engine.
func WithInitiatorParams(p pn532.JumpForDEPParams) Option {
	return func(l *Link) error {
		l.initiator = p
		return nil
	}
}

// WithTargetParams sets the TgInitAsTarget parameters. The general bytes
// always come from the engine.
func WithTargetParams(p pn532.TargetParams) Option {
	return func(l *Link) error {
		l.target = p
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(l *Link) error {
		l.log = log
		return nil
	}
}

// New returns a link playing role on dev.
func New(dev Device, role llcp.Role, opts ...Option) (*Link, error) {
	l := &Link{
		dev:        dev,
		role:       role,
		target:     pn532.DefaultTargetParams(),
		retryDelay: defaultRetryDelay,
		ready:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	if l.log == nil {
		l.log = logging.GetLogger().ChildLogger(map[string]any{"component": "p2p", "role": role.String()})
	}
	return l, nil
}

// Transmit queues a frame for the next DEP exchange.
func (l *Link) Transmit(frame []byte) error {
	l.mu.Lock()
	l.queue = append(l.queue, frame)
	l.mu.Unlock()

	select {
	case l.ready <- struct{}{}:
	default:
	}
	return nil
}

// LinkDeactivated ends the current session once the engine has let go of
// the link.
func (l *Link) LinkDeactivated(reason llcp.LinkReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reason = reason
	if l.released != nil && !isClosed(l.released) {
		close(l.released)
	}
}

// LastReason returns the reason the engine gave for its last release.
func (l *Link) LastReason() llcp.LinkReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// begin resets the queue for a new activation.
func (l *Link) begin() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = nil
	l.reason = llcp.LinkReasonNone
	l.released = make(chan struct{})
	select {
	case <-l.ready:
	default:
	}
	return l.released
}

// next returns the engine's next frame. Frames queued before the release
// are still handed out.
func (l *Link) next(ctx context.Context, released <-chan struct{}) ([]byte, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			frame := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return frame, nil
		}
		l.mu.Unlock()

		select {
		case <-l.ready:
		case <-released:
			return nil, errReleased
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Run activates the link over and over until ctx is done or the device
// fails for good.
func (l *Link) Run(ctx context.Context, e Engine) error {
	for {
		err := l.Session(ctx, e)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}
		if pn532.IsFatal(err) {
			return err
		}
		l.log.Debugf("session ended: %v", err)
		if err := sleepCtx(ctx, l.retryDelay); err != nil {
			return err
		}
	}
}

// Session runs one activation: it brings up NFC-DEP, activates the engine
// and exchanges frames until the link goes away. A nil error means the
// engine deactivated the link.
func (l *Link) Session(ctx context.Context, e Engine) error {
	released := l.begin()

	params, err := l.activate(ctx, e)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-released:
			cancel()
		case <-ctx.Done():
		}
	}()

	if l.role == llcp.RoleInitiator {
		defer l.release(ctx)
		if err := e.Activate(params); err != nil {
			return errors.Wrap(err, "llcp activation")
		}
		return l.initiatorLoop(ctx, e, released)
	}

	// a target that failed activation keeps answering until the
	// initiator gives up
	if err := e.Activate(params); err != nil {
		l.log.Warnf("llcp activation failed: %v", err)
	}
	return l.targetLoop(ctx, e, released)
}

func (l *Link) activate(ctx context.Context, e Engine) (llcp.ActivationParams, error) {
	gb := e.GeneralBytes()

	if l.role == llcp.RoleInitiator {
		p := l.initiator
		p.GeneralBytes = gb
		tg, err := l.dev.JumpForDEP(ctx, p)
		if err != nil {
			return llcp.ActivationParams{}, errors.Wrap(err, "jump for DEP")
		}
		l.log.Infof("activated target %d, max payload %d", tg.Number, tg.MaxPayload())
		return llcp.ActivationParams{
			Role:         llcp.RoleInitiator,
			GeneralBytes: tg.GeneralBytes,
			MaxPayload:   tg.MaxPayload(),
			WaitingTime:  tg.WaitingTime(),
		}, nil
	}

	p := l.target
	p.GeneralBytes = gb
	act, err := l.dev.InitAsTarget(ctx, p)
	if err != nil {
		return llcp.ActivationParams{}, errors.Wrap(err, "init as target")
	}
	l.log.Infof("activated by initiator at %s, max payload %d", act.BaudRate, act.MaxPayload())
	return llcp.ActivationParams{
		Role:         llcp.RoleTarget,
		GeneralBytes: act.GeneralBytes,
		MaxPayload:   act.MaxPayload(),
		WaitingTime:  act.WaitingTime,
	}, nil
}

func (l *Link) initiatorLoop(ctx context.Context, e Engine, released <-chan struct{}) error {
	for {
		frame, err := l.next(ctx, released)
		if err != nil {
			return l.stop(e, released, err)
		}
		res, err := l.dev.DataExchange(ctx, frame)
		if err != nil {
			return l.stop(e, released, errors.Wrap(err, "data exchange"))
		}
		if err := e.Receive(res); err != nil {
			return l.stop(e, released, err)
		}
	}
}

func (l *Link) targetLoop(ctx context.Context, e Engine, released <-chan struct{}) error {
	for {
		data, err := l.dev.TargetGetData(ctx)
		if err != nil {
			// an idle initiator is the engine's business, not an RF error
			if errors.Is(err, pn532.ErrTransportTimeout) && ctx.Err() == nil {
				continue
			}
			return l.stop(e, released, errors.Wrap(err, "get data"))
		}
		if err := e.Receive(data); err != nil {
			return l.stop(e, released, err)
		}
		frame, err := l.next(ctx, released)
		if err != nil {
			return l.stop(e, released, err)
		}
		if err := l.dev.TargetSetData(ctx, frame); err != nil {
			return l.stop(e, released, errors.Wrap(err, "set data"))
		}
	}
}

// stop ends the session after err. Unless the engine is already done with
// the link, the failure is reported to it as RF loss.
func (l *Link) stop(e Engine, released <-chan struct{}, err error) error {
	if isClosed(released) {
		return nil
	}
	if e.LinkInfo().State == llcp.LinkDeactivating {
		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		select {
		case <-released:
			return nil
		case <-timer.C:
		}
	}

	l.log.Debugf("link lost: %v", err)
	e.LinkLost()
	if errors.Is(err, errReleased) {
		return nil
	}
	return err
}

// release drops the target. ctx may already be cancelled.
func (l *Link) release(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := l.dev.Release(ctx); err != nil {
		l.log.Debugf("release failed: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var (
	_ llcp.MAC          = (*Link)(nil)
	_ llcp.LinkObserver = (*Link)(nil)
	_ Device            = (*pn532.Device)(nil)
	_ Engine            = (*llcp.Engine)(nil)
)
