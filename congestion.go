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

// congestion is the shared buffer bookkeeping. Counts are PDUs queued in
// the engine: connection-less (ll) and I-PDU (dl) traffic.
type congestion struct {
	llTx int
	llRx int
	dlTx int
	dlRx int

	llTxBudget int
	llTxStart  int
	llTxEnd    int
	llRxBudget int
	llRxStart  int
	rxStart    int
	rxEnd      int

	// round-robin cursors for handing out uncongestion
	sapCursor int
	dlcCursor int

	txCongested bool
	rxCongested bool
}

// updateLinkThresholds splits the connection-less budgets between the
// registered connection-less SAPs.
func (e *Engine) updateLinkThresholds() {
	c := &e.cong
	n := 0
	for _, s := range e.saps {
		if s != nil && s.connectionless() {
			n++
		}
	}
	n = max(n, 1)

	c.llTxBudget = max(1, e.cfg.MaxTxBuffers*e.cfg.LinkTxPercent/100)
	c.llRxBudget = max(1, e.cfg.MaxRxBuffers*e.cfg.LinkRxPercent/100)
	c.llTxStart = max(1, c.llTxBudget/n)
	c.llTxEnd = 0
	if c.llTxStart > 1 {
		c.llTxEnd = 1
	}
	c.llRxStart = max(1, c.llRxBudget/n)
	c.rxStart = max(1, e.cfg.MaxRxBuffers*e.cfg.RxCongestStartPercent/100)
	c.rxEnd = e.cfg.MaxRxBuffers * e.cfg.RxCongestEndPercent / 100
}

// updateRxThresholds gives every connected data link an equal share of the
// receive budget, floored at its window plus one.
func (e *Engine) updateRxThresholds() {
	live := 0
	for i := range e.dlcs {
		if e.dlcs[i].state == ConnConnected {
			live++
		}
	}
	if live == 0 {
		return
	}
	share := max(1, e.cfg.MaxRxBuffers/live)
	for i := range e.dlcs {
		d := &e.dlcs[i]
		if d.state != ConnConnected {
			continue
		}
		d.rxThreshold = max(1, min(max(d.localRW+1, e.cfg.MinRxCongestion), share))
		if !d.rxCongested && d.rxQ.len() >= d.rxThreshold {
			d.rxCongested = true
			d.ackPending = true
		}
	}
}

// checkTxCongestion enters overall transmit congestion at the full budget
// and leaves it at half. Uncongestion is then handed out per round by
// releaseCongestion.
func (e *Engine) checkTxCongestion() {
	c := &e.cong
	total := c.llTx + c.dlTx
	switch {
	case !c.txCongested && total >= e.cfg.MaxTxBuffers:
		c.txCongested = true
		e.stats.TxCongestions++
		e.log.Warnf("transmit congested: %d pdus queued", total)
		for _, s := range e.saps {
			if s != nil && s.connectionless() && !s.txCongested {
				s.txCongested = true
				e.notify(s.sap, Event{Type: EventCongestion, LocalSAP: s.sap,
					LinkType: LinkTypeConnectionless, Congested: true})
			}
		}
		for i := range e.dlcs {
			d := &e.dlcs[i]
			if d.state == ConnConnected && !d.txCongested {
				d.txCongested = true
				e.notifyConnection(d, Event{Type: EventCongestion, Congested: true})
			}
		}
	case c.txCongested && total <= e.cfg.MaxTxBuffers/2:
		c.txCongested = false
		e.log.Infof("transmit congestion released: %d pdus queued", total)
	}
}

// releaseCongestion tells at most one SAP and one data link per round that
// it may send again.
func (e *Engine) releaseCongestion() {
	c := &e.cong
	if c.txCongested {
		return
	}
	if c.llTx < c.llTxBudget {
		for i := 1; i <= sapCount; i++ {
			idx := (c.sapCursor + i) % sapCount
			s := e.saps[idx]
			if s == nil || !s.txCongested || len(s.txQ) > c.llTxEnd {
				continue
			}
			s.txCongested = false
			c.sapCursor = idx
			e.notify(s.sap, Event{Type: EventCongestion, LocalSAP: s.sap, LinkType: LinkTypeConnectionless})
			break
		}
	}
	n := len(e.dlcs)
	for i := 1; i <= n; i++ {
		idx := (c.dlcCursor + i) % n
		d := &e.dlcs[idx]
		if d.state != ConnConnected || !d.txCongested || d.outstanding() >= d.remoteRW {
			continue
		}
		d.txCongested = false
		c.dlcCursor = idx
		e.notifyConnection(d, Event{Type: EventCongestion})
		break
	}
}

// checkRxCongestion tracks overall receive congestion. Entering it makes
// every connection send RNR; leaving it lets each one recover on its own.
func (e *Engine) checkRxCongestion() {
	c := &e.cong
	total := c.llRx + c.dlRx
	switch {
	case !c.rxCongested && total >= c.rxStart:
		c.rxCongested = true
		e.stats.RxCongestions++
		e.log.Warnf("receive congested: %d pdus unread", total)
		for i := range e.dlcs {
			d := &e.dlcs[i]
			if d.state == ConnConnected && !d.rxCongested {
				d.rxCongested = true
				d.ackPending = true
			}
		}
	case c.rxCongested && total <= c.rxEnd:
		c.rxCongested = false
		e.log.Infof("receive congestion released: %d pdus unread", total)
		for i := range e.dlcs {
			e.checkConnectionRx(&e.dlcs[i])
		}
	}
}

func (e *Engine) checkConnectionRx(d *dlc) {
	if d.state != ConnConnected || !d.rxCongested || e.cong.rxCongested {
		return
	}
	if d.rxQ.len() <= d.rxThreshold/2 {
		d.rxCongested = false
		d.ackPending = true
	}
}
