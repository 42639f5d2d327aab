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

import "net"

// An Event drives the peer state machine, RFC 4271 section 8.1. Events are
// produced by the connection's read loop, by timer expiry, and by Start;
// they are consumed one at a time by the Peer.
type Event interface {
	eventName() string
}

// ManualStart begins the session from the Idle state.
type ManualStart struct{}

// TCPConnectionConfirmed reports a successfully opened transport connection.
type TCPConnectionConfirmed struct {
	Conn net.Conn
}

// TCPConnectionFailed reports that the transport connection could not be
// opened, or that an established one was lost.
type TCPConnectionFailed struct {
	Err error
}

// BGPOpenReceived carries an OPEN message read from the peer.
type BGPOpenReceived struct {
	Open *Open
}

// KeepaliveReceived reports a KEEPALIVE message read from the peer.
type KeepaliveReceived struct{}

// UpdateReceived carries an UPDATE message read from the peer.
type UpdateReceived struct {
	Update *Update
}

// NotificationReceived carries a NOTIFICATION message read from the peer.
type NotificationReceived struct {
	Notification *Notification
}

// HoldTimerExpired reports that no message arrived within the hold time.
type HoldTimerExpired struct{}

// KeepaliveTimerExpired reports that it is time to send a KEEPALIVE.
type KeepaliveTimerExpired struct{}

// ConnectRetryTimerExpired reports that it is time to retry the transport
// connection.
type ConnectRetryTimerExpired struct{}

// messageDecodeFailed reports bytes from the peer that could not be decoded.
// The state machine answers with the NOTIFICATION described by the error and
// resets the session.
type messageDecodeFailed struct {
	err *MessageError
}

func (ManualStart) eventName() string              { return "ManualStart" }
func (TCPConnectionConfirmed) eventName() string   { return "TCPConnectionConfirmed" }
func (TCPConnectionFailed) eventName() string      { return "TCPConnectionFailed" }
func (BGPOpenReceived) eventName() string          { return "BGPOpenReceived" }
func (KeepaliveReceived) eventName() string        { return "KeepaliveReceived" }
func (UpdateReceived) eventName() string           { return "UpdateReceived" }
func (NotificationReceived) eventName() string     { return "NotificationReceived" }
func (HoldTimerExpired) eventName() string         { return "HoldTimerExpired" }
func (KeepaliveTimerExpired) eventName() string    { return "KeepaliveTimerExpired" }
func (ConnectRetryTimerExpired) eventName() string { return "ConnectRetryTimerExpired" }
func (messageDecodeFailed) eventName() string      { return "MessageDecodeFailed" }

// connEvent tags an event with the connection that produced it. A read loop
// can outlive its session by a moment; the tag lets the state machine drop
// events from a connection it has already discarded.
type connEvent struct {
	c  *conn
	ev Event
}

func (e connEvent) eventName() string { return e.ev.eventName() }
