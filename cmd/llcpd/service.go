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
	"sync"

	"github.com/pkg/errors"

	llcp "github.com/ZaparooProject/go-llcp"
	"github.com/ZaparooProject/go-llcp/internal/logging"
)

// echoServer answers on echoService. Connection-oriented data and UI
// payloads go back to where they came from.
type echoServer struct {
	engine   *llcp.Engine
	log      logging.Logger
	received func(remote llcp.SAP, data []byte)
}

func serveEcho(e *llcp.Engine, log logging.Logger, received func(llcp.SAP, []byte)) (llcp.SAP, error) {
	s := &echoServer{engine: e, log: log, received: received}
	sap, err := e.Register(llcp.SAPAuto, llcp.LinkTypeBoth, echoService, s.handle)
	if err != nil {
		return 0, errors.Wrap(err, "register echo service")
	}
	return sap, nil
}

func (s *echoServer) handle(ev llcp.Event) {
	switch ev.Type {
	case llcp.EventConnectInd:
		if err := s.engine.AcceptConnect(ev.LocalSAP, ev.RemoteSAP, llcp.ConnParams{}); err != nil {
			s.log.Warnf("accept %02X: %v", ev.RemoteSAP, err)
		}
	case llcp.EventConnected:
		s.log.Infof("connection from %02X", ev.RemoteSAP)
	case llcp.EventData:
		if ev.LinkType == llcp.LinkTypeConnectionless {
			s.echoUI(ev.LocalSAP)
			return
		}
		s.echoData(ev.LocalSAP, ev.RemoteSAP)
	case llcp.EventDisconnectInd:
		s.log.Infof("connection from %02X closed: %s", ev.RemoteSAP, ev.Reason)
	default:
	}
}

func (s *echoServer) echoData(local, remote llcp.SAP) {
	for {
		data, _, err := s.engine.ReadData(local, remote, llcp.MaxMIU)
		if err != nil || data == nil {
			return
		}
		if s.received != nil {
			s.received(remote, data)
		}
		if _, err := s.engine.SendData(local, remote, data); err != nil {
			s.log.Warnf("echo to %02X: %v", remote, err)
			return
		}
	}
}

func (s *echoServer) echoUI(local llcp.SAP) {
	for {
		remote, data, _, err := s.engine.ReadUI(local, llcp.MaxMIU)
		if err != nil || data == nil {
			return
		}
		if s.received != nil {
			s.received(remote, data)
		}
		if _, err := s.engine.SendUI(local, remote, data); err != nil {
			s.log.Warnf("UI echo to %02X: %v", remote, err)
			return
		}
	}
}

// pusher connects to echoService once the link is up, sends message and
// waits for all of it to come back.
type pusher struct {
	engine   *llcp.Engine
	log      logging.Logger
	err      error
	done     chan struct{}
	down     chan struct{}
	service  string
	message  []byte
	echo     []byte
	mu       sync.Mutex
	doneOnce sync.Once
	downOnce sync.Once
	local    llcp.SAP
}

func newPusher(service string, message []byte, log logging.Logger) *pusher {
	return &pusher{
		log:     log,
		service: service,
		message: message,
		done:    make(chan struct{}),
		down:    make(chan struct{}),
	}
}

// attach binds the client SAP. It must run before the link activates.
func (p *pusher) attach(e *llcp.Engine) error {
	local, err := e.RegisterClient(llcp.LinkTypeConnectionOriented, p.handle)
	if err != nil {
		return errors.Wrap(err, "register client")
	}
	p.engine = e
	p.local = local
	return nil
}

// onLink is the engine's link handler.
func (p *pusher) onLink(ev llcp.LinkEvent) {
	switch ev.State {
	case llcp.LinkActivated:
		err := p.engine.Connect(p.local, llcp.SAPSDP, llcp.ConnParams{ServiceName: p.service})
		if err != nil {
			p.finish(errors.Wrapf(err, "connect to %s", p.service))
		}
	case llcp.LinkDeactivated:
		p.finish(errors.Errorf("link deactivated (%s) before the echo came back", ev.Reason))
		p.downOnce.Do(func() { close(p.down) })
	default:
	}
}

func (p *pusher) handle(ev llcp.Event) {
	switch ev.Type {
	case llcp.EventConnected:
		p.send(ev.RemoteSAP)
	case llcp.EventData:
		p.collect(ev.RemoteSAP)
	case llcp.EventDisconnectInd, llcp.EventDisconnectResp:
		if p.complete() {
			p.finish(nil)
			return
		}
		p.finish(errors.Errorf("%s disconnected: %s", p.service, ev.Reason))
	default:
	}
}

// send splits the message into I-PDUs the peer accepts.
func (p *pusher) send(remote llcp.SAP) {
	size := p.engine.LinkInfo().EffectiveMIU
	if info, err := p.engine.Connection(p.local, remote); err == nil && info.RemoteMIU < size {
		size = info.RemoteMIU
	}
	if size <= 0 {
		size = llcp.DefaultMIU
	}

	for rest := p.message; len(rest) > 0; {
		n := min(len(rest), size)
		if _, err := p.engine.SendData(p.local, remote, rest[:n]); err != nil {
			p.finish(errors.Wrap(err, "send"))
			return
		}
		rest = rest[n:]
	}
	p.log.Debugf("pushed %d bytes to %02X in segments of %d", len(p.message), remote, size)
}

func (p *pusher) collect(remote llcp.SAP) {
	for {
		data, _, err := p.engine.ReadData(p.local, remote, llcp.MaxMIU)
		if err != nil || data == nil {
			break
		}
		p.mu.Lock()
		p.echo = append(p.echo, data...)
		p.mu.Unlock()
	}
	if p.complete() {
		if err := p.engine.Disconnect(p.local, remote, false); err != nil {
			p.finish(nil)
		}
	}
}

func (p *pusher) complete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.echo) >= len(p.message)
}

func (p *pusher) finish(err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// result returns the echo once done is closed.
func (p *pusher) result() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.echo...), p.err
}
