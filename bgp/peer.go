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
	"errors"
	"io"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

// A Peer is one BGP peering session. It owns the session state, the event
// queue, the transport connection, the per-neighbor RIB tables and the
// session timers. A Peer is created once per configured neighbor and lives
// for the process lifetime; a torn down session returns to Idle and retries
// indefinitely.
//
// All state is mutated by a single event-processing loop, so no event is
// ever handled concurrently with another for the same peer.
type Peer struct {
	cfg       Config
	queue     *eventQueue
	rib       *rib
	installer Installer
	logger    logrus.FieldLogger

	// state is only written by the event loop, but may be read from other
	// goroutines through State.
	state atomic.Int32

	// conn is nil whenever the session has no transport connection. It is
	// owned by the event loop; the read loop identifies itself on each
	// event so stale connections cannot influence a newer session.
	conn       *conn
	connCancel context.CancelFunc

	// holdTime is the negotiated hold time of the current session. Zero
	// disables the hold and keepalive timers.
	holdTime time.Duration

	connectRetryTimer *timer
	holdTimer         *timer
	keepaliveTimer    *timer
	retryBackoff      *backoff.Backoff
}

// An Option configures optional Peer collaborators.
type Option func(*Peer)

// WithInstaller sets the forwarding table installer. The default discards
// all deltas.
func WithInstaller(i Installer) Option {
	return func(p *Peer) { p.installer = i }
}

// WithLogger sets the logger. The default is silent.
func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Peer) { p.logger = l }
}

// NewPeer validates the config and constructs the session in the Idle
// state. Nothing happens until Start enqueues the first event and Run (or
// Next) drains the queue.
func NewPeer(cfg Config, opts ...Option) (*Peer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	silent := logrus.New()
	silent.SetOutput(io.Discard)
	p := &Peer{
		cfg:       cfg,
		queue:     newEventQueue(),
		rib:       newRIB(cfg.LocalAS),
		installer: noopInstaller{},
		logger:    silent,
		retryBackoff: &backoff.Backoff{
			Factor: 1.5,
			Jitter: true,
			Min:    1 * time.Second,
			Max:    90 * time.Second,
		},
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.WithFields(logrus.Fields{
		"peer":      cfg.RemoteIP.String(),
		"remote-as": cfg.RemoteAS,
	})
	p.connectRetryTimer = newTimer(func() { p.queue.push(ConnectRetryTimerExpired{}) })
	p.holdTimer = newTimer(func() { p.queue.push(HoldTimerExpired{}) })
	p.keepaliveTimer = newTimer(func() { p.queue.push(KeepaliveTimerExpired{}) })
	return p, nil
}

// Start enqueues the ManualStart event that begins the session.
func (p *Peer) Start() {
	p.queue.push(ManualStart{})
}

// Next processes exactly one event, blocking until one is available or the
// context is done.
func (p *Peer) Next(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case v, ok := <-p.queue.events():
		if !ok {
			return errors.New("event queue is closed")
		}
		p.handleEvent(v.(Event))
		return nil
	}
}

// Run drains the event queue until the context is done, then tears the
// session down.
func (p *Peer) Run(ctx context.Context) error {
	for {
		if err := p.Next(ctx); err != nil {
			p.shutdown()
			return err
		}
	}
}

// shutdown releases the session resources when the event loop exits.
func (p *Peer) shutdown() {
	if p.connCancel != nil {
		p.connCancel()
		p.connCancel = nil
	}
	if p.conn != nil {
		p.conn.close()
		p.conn = nil
	}
	p.connectRetryTimer.stop()
	p.holdTimer.stop()
	p.keepaliveTimer.stop()
	p.queue.close()
}

// State returns the current session state. It is safe to call from any
// goroutine.
func (p *Peer) State() State {
	return State(p.state.Load())
}

func (p *Peer) setState(s State) {
	old := State(p.state.Load())
	if old == s {
		return
	}
	p.state.Store(int32(s))
	p.logger.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).
		Info("session state changed")
}

// LocRIB returns a copy of the Loc-RIB: the selected route per prefix.
func (p *Peer) LocRIB() map[netip.Prefix]Route {
	return p.rib.locRIB()
}

// AdjRIBIn returns a copy of the Adj-RIB-In: every route the neighbor has
// advertised and not withdrawn.
func (p *Peer) AdjRIBIn() map[netip.Prefix]Route {
	return p.rib.adjRIBIn()
}
