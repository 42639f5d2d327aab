// Copyright 2024 The mrbgpdv2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// State is the peer session state, RFC 4271 section 8.2.2.
type State int32

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnect:
		return "connect"
	case StateActive:
		return "active"
	case StateOpenSent:
		return "opensent"
	case StateOpenConfirm:
		return "openconfirm"
	case StateEstablished:
		return "established"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// handleEvent is the state machine transition function. It runs on the event
// loop goroutine only, so it may touch every Peer field without locking. The
// next state after any event is fully determined by the current state and
// the event itself.
func (p *Peer) handleEvent(ev Event) {
	// An event from a connection this peer no longer owns is stale. The
	// connection it came from has already been closed and replaced.
	if ce, ok := ev.(connEvent); ok {
		if ce.c != p.conn {
			return
		}
		ev = ce.ev
	}
	p.logger.WithField("event", ev.eventName()).Debug("handling event")

	switch ev := ev.(type) {
	case ManualStart:
		if p.State() == StateIdle {
			p.startConnecting()
		}

	case ConnectRetryTimerExpired:
		// In Connect or Active a transport attempt is still in flight
		// and will report its own outcome.
		if p.State() == StateIdle {
			p.startConnecting()
		}

	case TCPConnectionConfirmed:
		p.handleConnectionConfirmed(ev.Conn)

	case TCPConnectionFailed:
		if p.State() != StateIdle {
			p.logger.WithError(ev.Err).Info("transport connection failed")
			p.resetToIdle()
		}

	case BGPOpenReceived:
		p.handleOpen(ev.Open)

	case KeepaliveReceived:
		p.handleKeepalive()

	case UpdateReceived:
		p.handleUpdate(ev.Update)

	case NotificationReceived:
		if p.State() != StateIdle {
			p.logger.WithFields(logrus.Fields{
				"code":    ev.Notification.Code,
				"subcode": ev.Notification.Subcode,
			}).Warn("received notification from peer")
			p.resetToIdle()
		}

	case HoldTimerExpired:
		if p.State() != StateIdle {
			p.logger.Warn("hold timer expired")
			p.sendNotification(newMessageError(errCodeHoldTimer, 0, nil, "hold timer expired"))
			p.resetToIdle()
		}

	case KeepaliveTimerExpired:
		if p.State() == StateOpenConfirm || p.State() == StateEstablished {
			if err := p.conn.write(&Keepalive{}); err != nil {
				p.logger.WithError(err).Info("failed to send keepalive")
				p.resetToIdle()
				return
			}
			p.keepaliveTimer.schedule(p.holdTime / 3)
		}

	case messageDecodeFailed:
		if p.State() != StateIdle {
			p.logger.WithError(ev.err).Warn("received undecodable message")
			p.sendNotification(ev.err)
			p.resetToIdle()
		}
	}
}

// startConnecting leaves Idle: it starts the transport attempt for the
// configured mode and arms the retry timer so a hung attempt cannot stall
// the session forever.
func (p *Peer) startConnecting() {
	if p.cfg.Mode == ModePassive {
		p.setState(StateActive)
	} else {
		p.setState(StateConnect)
	}
	p.connectRetryTimer.schedule(p.retryBackoff.Duration())

	ctx, cancel := context.WithCancel(context.Background())
	p.connCancel = cancel
	cfg := p.cfg
	go func() {
		var nc net.Conn
		var err error
		if cfg.Mode == ModePassive {
			nc, err = acceptPeer(ctx, cfg)
		} else {
			nc, err = dialPeer(ctx, cfg)
		}
		if err != nil {
			if ctx.Err() == nil {
				p.queue.push(TCPConnectionFailed{Err: err})
			}
			return
		}
		p.queue.push(TCPConnectionConfirmed{Conn: nc})
	}()
}

// handleConnectionConfirmed takes ownership of a freshly opened transport
// connection and sends our OPEN. Until the peer's OPEN arrives the hold
// timer runs at a long fixed value so a silent peer cannot hold the session
// in OpenSent indefinitely.
func (p *Peer) handleConnectionConfirmed(nc net.Conn) {
	if p.State() != StateConnect && p.State() != StateActive {
		// A surplus connection, e.g. one confirmed after the session
		// was already reset.
		nc.Close()
		return
	}
	p.connectRetryTimer.stop()
	p.conn = newConn(nc)
	go p.conn.readLoop(p.queue)
	if err := p.conn.write(NewOpen(p.cfg)); err != nil {
		p.logger.WithError(err).Info("failed to send open")
		p.resetToIdle()
		return
	}
	p.holdTimer.schedule(openSentHoldTime)
	p.setState(StateOpenSent)
}

// handleOpen validates the peer's OPEN and answers with a KEEPALIVE. The
// session hold time is the smaller of the two offers; zero disables both
// the hold and keepalive timers.
func (p *Peer) handleOpen(o *Open) {
	if p.State() != StateOpenSent {
		return
	}
	if err := validateOpen(p.cfg, o); err != nil {
		p.sendNotification(err)
		p.resetToIdle()
		return
	}
	p.holdTime = min(p.cfg.holdTime(), time.Duration(o.HoldTime)*time.Second)
	if err := p.conn.write(&Keepalive{}); err != nil {
		p.logger.WithError(err).Info("failed to send keepalive")
		p.resetToIdle()
		return
	}
	if p.holdTime > 0 {
		p.holdTimer.schedule(p.holdTime)
		p.keepaliveTimer.schedule(p.holdTime / 3)
	} else {
		p.holdTimer.stop()
	}
	p.setState(StateOpenConfirm)
}

func validateOpen(cfg Config, o *Open) *MessageError {
	if o.Version != bgpVersion {
		want := make([]byte, 2)
		binary.BigEndian.PutUint16(want, uint16(bgpVersion))
		return newMessageError(errCodeOpenMessage, errSubUnsupportedVersionNumber, want,
			fmt.Sprintf("unsupported version %d", o.Version))
	}
	if o.AS != cfg.RemoteAS {
		return newMessageError(errCodeOpenMessage, errSubBadPeerAS, nil,
			fmt.Sprintf("peer claims AS %d, expected %d", o.AS, cfg.RemoteAS))
	}
	// Hold times of one and two seconds are forbidden; zero is allowed and
	// disables keepalives.
	if o.HoldTime != 0 && o.HoldTime < 3 {
		return newMessageError(errCodeOpenMessage, errSubUnacceptableHoldTime, nil,
			fmt.Sprintf("unacceptable hold time %d", o.HoldTime))
	}
	return nil
}

// handleKeepalive completes the handshake in OpenConfirm, or refreshes the
// hold timer in Established. Entering Established advertises the locally
// originated networks before anything else.
func (p *Peer) handleKeepalive() {
	switch p.State() {
	case StateOpenConfirm:
		p.retryBackoff.Reset()
		if u := p.rib.originate(p.cfg); u != nil {
			if err := p.conn.write(u); err != nil {
				p.logger.WithError(err).Info("failed to send update")
				p.resetToIdle()
				return
			}
		}
		if p.holdTime > 0 {
			p.holdTimer.schedule(p.holdTime)
		}
		p.setState(StateEstablished)
	case StateEstablished:
		if p.holdTime > 0 {
			p.holdTimer.schedule(p.holdTime)
		}
	}
}

// handleUpdate feeds a received UPDATE through the RIB and pushes the
// resulting route changes to the installer. A semantically invalid UPDATE
// terminates the session with the NOTIFICATION its error describes and
// leaves the routing tables untouched.
func (p *Peer) handleUpdate(u *Update) {
	if p.State() != StateEstablished {
		return
	}
	if p.holdTime > 0 {
		p.holdTimer.schedule(p.holdTime)
	}
	deltas, err := p.rib.applyUpdate(p.cfg.RemoteIP, u)
	if err != nil {
		var me *MessageError
		if errors.As(err, &me) {
			p.sendNotification(me)
		}
		p.logger.WithError(err).Warn("received invalid update")
		p.resetToIdle()
		return
	}
	p.applyDeltas(deltas)
}

// applyDeltas hands route changes to the installer. An install failure is
// logged and skipped; the session itself stays healthy.
func (p *Peer) applyDeltas(deltas []Delta) {
	for _, d := range deltas {
		if err := p.installer.Apply(d); err != nil {
			p.logger.WithError(err).WithField("delta", d.String()).
				Warn("failed to apply route change")
			continue
		}
		p.logger.WithField("delta", d.String()).Info("applied route change")
	}
}

// sendNotification makes a best effort delivery of the NOTIFICATION for the
// given error. The caller resets the session immediately afterwards, so a
// write failure here is only logged.
func (p *Peer) sendNotification(e *MessageError) {
	if p.conn == nil {
		return
	}
	if err := p.conn.write(notificationFor(e)); err != nil {
		p.logger.WithError(err).Debug("failed to send notification")
	}
}

// resetToIdle tears the session down: it releases the transport, stops the
// session timers, withdraws everything learned from the peer, and arms the
// connect retry timer so the session is re-attempted after a backoff.
func (p *Peer) resetToIdle() {
	if p.connCancel != nil {
		p.connCancel()
		p.connCancel = nil
	}
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
	p.holdTimer.stop()
	p.keepaliveTimer.stop()
	if p.State() == StateEstablished {
		p.applyDeltas(p.rib.dropPeer(p.cfg.RemoteIP))
	}
	p.rib.clearAdjOut()
	p.holdTime = 0
	p.setState(StateIdle)
	p.connectRetryTimer.schedule(p.retryBackoff.Duration())
}
