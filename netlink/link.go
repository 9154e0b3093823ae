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

// Package netlink emulates an NFC-DEP link over QUIC so two LLCP engines
// can talk without radios.
package netlink

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/internal/logging"
	"github.com/ZaparooProject/go-llcp/internal/syncutil"
)

// ALPN is the application protocol negotiated on the QUIC connection.
const ALPN = "llcp-dep"

const (
	// defaultWaitingTime is the WT a target announces; RWT is about 77ms.
	defaultWaitingTime = 8
	releaseTimeout     = time.Second
	idleTimeout        = 10 * time.Second
	keepAlive          = 2 * time.Second

	codeReleased quic.ApplicationErrorCode = 0
	codeClosed   quic.ApplicationErrorCode = 1
)

// ErrClosed is returned by Transmit once the link has been released or
// closed.
var ErrClosed = errors.New("link closed")

// Engine is the part of an LLCP engine the link drives. *llcp.Engine
// implements it.
type Engine interface {
	GeneralBytes() []byte
	Activate(p llcp.ActivationParams) error
	Receive(frame []byte) error
	LinkLost()
	LinkInfo() llcp.LinkInfo
}

// Link is one emulated NFC-DEP link. It implements llcp.MAC.
type Link struct {
	conn        *quic.Conn
	stream      *quic.Stream
	log         logging.Logger
	released    chan struct{}
	buf         []byte
	role        llcp.Role
	reason      llcp.LinkReason
	waitingTime uint8
	mu          syncutil.Mutex
	closed      bool
}

func newLink(conn *quic.Conn, stream *quic.Stream, role llcp.Role) *Link {
	return &Link{
		conn:        conn,
		stream:      stream,
		role:        role,
		waitingTime: defaultWaitingTime,
		released:    make(chan struct{}),
		log: logging.GetLogger().ChildLogger(map[string]any{
			"component": "netlink",
			"role":      role.String(),
			"peer":      conn.RemoteAddr().String(),
		}),
	}
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlive,
	}
}

// Dial connects to a listener and returns the initiator end of the link.
func Dial(ctx context.Context, addr string) (*Link, error) {
	tlsConf := &tls.Config{
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: true, //nolint:gosec // peers use throwaway self-signed certificates
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeClosed, "no stream")
		return nil, errors.Wrap(err, "open stream")
	}
	return newLink(conn, stream, llcp.RoleInitiator), nil
}

// Listener accepts emulated links.
type Listener struct {
	ln *quic.Listener
}

// Listen listens on the UDP address addr with a fresh self-signed
// certificate.
func Listen(addr string) (*Listener, error) {
	tlsConf, err := generateTLSConfig()
	if err != nil {
		return nil, errors.Wrap(err, "tls config")
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for an initiator and returns the target end of its link.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept")
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(codeClosed, "no stream")
		return nil, errors.Wrap(err, "accept stream")
	}
	return newLink(conn, stream, llcp.RoleTarget), nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening. Accepted links stay up.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Role returns the NFC-DEP role of this end.
func (l *Link) Role() llcp.Role {
	return l.role
}

// SetWaitingTime sets the WT a target end reports to its engine.
func (l *Link) SetWaitingTime(wt uint8) {
	l.mu.Lock()
	l.waitingTime = min(wt, 14)
	l.mu.Unlock()
}

// Transmit sends one LLCP frame to the peer.
func (l *Link) Transmit(frame []byte) error {
	return l.write(recordDEP, frame)
}

func (l *Link) write(kind byte, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	buf, err := appendRecord(l.buf[:0], kind, payload)
	if err != nil {
		return err
	}
	l.buf = buf
	if _, err := l.stream.Write(buf); err != nil {
		return errors.Wrap(err, "write record")
	}
	return nil
}

// LinkDeactivated finishes the stream once the engine has let go of the
// link. Frames already written still reach the peer.
func (l *Link) LinkDeactivated(reason llcp.LinkReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reason = reason
	select {
	case <-l.released:
		return
	default:
	}
	close(l.released)
	if !l.closed {
		l.closed = true
		_ = l.stream.Close()
	}
}

// Reason returns the reason the engine gave for releasing the link.
func (l *Link) Reason() llcp.LinkReason {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reason
}

// Close tears the connection down without a goodbye, as if the devices
// were pulled apart.
func (l *Link) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.conn.CloseWithError(codeClosed, "closed")
}

// Run exchanges the activation records, activates e and feeds it frames
// until the link is gone. A nil error means e released the link.
func (l *Link) Run(ctx context.Context, e Engine) error {
	defer func() { _ = l.conn.CloseWithError(codeReleased, "released") }()

	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	params, err := l.activate(e)
	if err != nil {
		return err
	}
	if err := e.Activate(params); err != nil {
		if l.role == llcp.RoleInitiator {
			return errors.Wrap(err, "llcp activation")
		}
		// keep answering until the initiator gives up
		l.log.Warnf("llcp activation failed: %v", err)
	}

	go func() {
		select {
		case <-l.released:
		case <-l.conn.Context().Done():
			return
		}
		// the peer answers our FIN with its own; don't wait forever
		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			_ = l.conn.CloseWithError(codeReleased, "released")
		case <-l.conn.Context().Done():
		}
	}()

	for {
		kind, payload, err := readRecord(l.stream)
		if err != nil {
			return l.stop(ctx, e, err)
		}
		if kind != recordDEP {
			l.log.Warnf("ignoring record 0x%02X", kind)
			continue
		}
		if err := e.Receive(payload); err != nil {
			l.log.Debugf("receive: %v", err)
		}
	}
}

func (l *Link) activate(e Engine) (llcp.ActivationParams, error) {
	l.mu.Lock()
	wt := l.waitingTime
	l.mu.Unlock()

	if l.role == llcp.RoleInitiator {
		if err := l.write(recordATRReq, e.GeneralBytes()); err != nil {
			return llcp.ActivationParams{}, err
		}
		gt, err := l.expect(recordATRRes)
		if err != nil {
			return llcp.ActivationParams{}, err
		}
		l.log.Infof("activated target, %d general bytes", len(gt))
		return llcp.ActivationParams{Role: llcp.RoleInitiator, GeneralBytes: gt}, nil
	}

	gi, err := l.expect(recordATRReq)
	if err != nil {
		return llcp.ActivationParams{}, err
	}
	if err := l.write(recordATRRes, e.GeneralBytes()); err != nil {
		return llcp.ActivationParams{}, err
	}
	l.log.Infof("activated by initiator, %d general bytes", len(gi))
	return llcp.ActivationParams{Role: llcp.RoleTarget, GeneralBytes: gi, WaitingTime: wt}, nil
}

func (l *Link) expect(kind byte) ([]byte, error) {
	got, payload, err := readRecord(l.stream)
	if err != nil {
		return nil, errors.Wrap(err, "activation")
	}
	if got != kind {
		return nil, errors.Wrapf(ErrBadRecord, "record 0x%02X during activation", got)
	}
	return payload, nil
}

// stop ends Run after a read error. A clean end of stream after the
// release is the normal goodbye; anything else is reported as RF loss.
func (l *Link) stop(ctx context.Context, e Engine, err error) error {
	select {
	case <-l.released:
		return nil
	default:
	}
	if e.LinkInfo().State == llcp.LinkDeactivating {
		// our DISC is out; the engine lets go after its grace period
		timer := time.NewTimer(releaseTimeout)
		defer timer.Stop()
		select {
		case <-l.released:
			return nil
		case <-timer.C:
		}
	}
	e.LinkLost()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return errors.Wrap(err, "peer closed the link")
	}
	return errors.Wrap(err, "read record")
}

var (
	_ llcp.MAC          = (*Link)(nil)
	_ llcp.LinkObserver = (*Link)(nil)
	_ Engine            = (*llcp.Engine)(nil)
)
