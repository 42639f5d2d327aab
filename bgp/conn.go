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
	"io"
	"net"
	"net/netip"
	"sync"
	"time"
)

// conn owns one TCP byte stream to the peer. It frames outgoing messages
// and demarcates incoming bytes into complete messages for the codec.
type conn struct {
	nc net.Conn

	// wmu serializes writes so that two frames never interleave.
	wmu sync.Mutex
}

// dialPeer opens the transport connection for an active mode session.
func dialPeer(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{
		Timeout: defaultDialTimeout,
		LocalAddr: &net.TCPAddr{
			IP: net.IP(cfg.LocalIP.AsSlice()),
		},
	}
	if cfg.MD5Password != "" {
		control, err := tcpMD5Control(cfg.RemoteIP, cfg.MD5Password)
		if err != nil {
			return nil, err
		}
		d.Control = control
	}
	return d.DialContext(ctx, "tcp", cfg.remoteAddr())
}

// acceptPeer opens the transport connection for a passive mode session: it
// listens on the local address and waits for the configured neighbor to
// connect. Connections from other addresses are closed and ignored.
func acceptPeer(ctx context.Context, cfg Config) (net.Conn, error) {
	lc := net.ListenConfig{}
	if cfg.MD5Password != "" {
		control, err := tcpMD5Control(cfg.RemoteIP, cfg.MD5Password)
		if err != nil {
			return nil, err
		}
		lc.Control = control
	}
	l, err := lc.Listen(ctx, "tcp", cfg.localAddr())
	if err != nil {
		return nil, err
	}
	defer l.Close()
	// Unblock Accept when the session is reset during the wait.
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		remote, ok := nc.RemoteAddr().(*net.TCPAddr)
		if ok {
			if addr, aok := netip.AddrFromSlice(remote.IP); aok && addr.Unmap() == cfg.RemoteIP {
				return nc, nil
			}
		}
		nc.Close()
	}
}

func newConn(nc net.Conn) *conn {
	return &conn{nc: nc}
}

// write encodes and sends one message, blocking until the frame is flushed.
func (c *conn) write(m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(defaultMessageTimeout))
	_, err = c.nc.Write(b)
	return err
}

// readMessage reads exactly one framed message: the fixed 19 byte header
// first, then the remaining body bytes the header declares. Partial reads
// are resumed by io.ReadFull, never dropped.
func (c *conn) readMessage() (Message, error) {
	var hdr [headerLength]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(hdr[16:18])
	if length < headerLength || length > maxMessageLength {
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, hdr[16:18],
			fmt.Sprintf("header declares impossible length %d", length))
	}
	frame := make([]byte, length)
	copy(frame, hdr[:])
	if _, err := io.ReadFull(c.nc, frame[headerLength:]); err != nil {
		return nil, err
	}
	return Decode(frame)
}

// readLoop turns the byte stream into state machine events until the stream
// closes or a decode error terminates it. Closing the conn unblocks a
// pending read.
func (c *conn) readLoop(q *eventQueue) {
	for {
		m, err := c.readMessage()
		if err != nil {
			var me *MessageError
			if errors.As(err, &me) {
				q.push(connEvent{c: c, ev: messageDecodeFailed{err: me}})
			} else {
				q.push(connEvent{c: c, ev: TCPConnectionFailed{Err: err}})
			}
			return
		}
		switch m := m.(type) {
		case *Open:
			q.push(connEvent{c: c, ev: BGPOpenReceived{Open: m}})
		case *Keepalive:
			q.push(connEvent{c: c, ev: KeepaliveReceived{}})
		case *Update:
			q.push(connEvent{c: c, ev: UpdateReceived{Update: m}})
		case *Notification:
			q.push(connEvent{c: c, ev: NotificationReceived{Notification: m}})
		}
	}
}

func (c *conn) close() error {
	return c.nc.Close()
}
