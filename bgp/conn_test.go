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
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestReadMessageFramesBackToBack(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	first, err := Encode(&Keepalive{})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	second, err := Encode(&Notification{Code: errCodeCease})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	go remote.Write(append(first, second...))

	c := newConn(local)
	m, err := c.readMessage()
	if err != nil {
		t.Fatalf("readMessage() failed: %v", err)
	}
	if _, ok := m.(*Keepalive); !ok {
		t.Errorf("first message = %T, want *Keepalive", m)
	}
	m, err = c.readMessage()
	if err != nil {
		t.Fatalf("readMessage() failed: %v", err)
	}
	n, ok := m.(*Notification)
	if !ok {
		t.Fatalf("second message = %T, want *Notification", m)
	}
	if n.Code != errCodeCease {
		t.Errorf("notification code = %d, want %d", n.Code, errCodeCease)
	}
}

// A frame delivered one byte at a time must be reassembled, not dropped.
func TestReadMessageResumesPartialReads(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	want := &Open{
		Version:    4,
		AS:         64512,
		HoldTime:   90,
		Identifier: netip.MustParseAddr("10.200.100.2"),
	}
	b, err := Encode(want)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	go func() {
		for _, by := range b {
			remote.Write([]byte{by})
		}
	}()

	got, err := newConn(local).readMessage()
	if err != nil {
		t.Fatalf("readMessage() failed: %v", err)
	}
	if diff := cmp.Diff(Message(want), got, cmpOpts...); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}
}

func TestReadMessageRejectsImpossibleLength(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	hdr := make([]byte, headerLength)
	for i := 0; i < markerLength; i++ {
		hdr[i] = 0xff
	}
	// Declared length shorter than the header itself.
	hdr[17] = 10
	hdr[18] = typeKeepalive
	go remote.Write(hdr)

	_, err := newConn(local).readMessage()
	var me *MessageError
	if !errors.As(err, &me) {
		t.Fatalf("readMessage() = %v, want a *MessageError", err)
	}
	if me.Code != errCodeMessageHeader || me.Subcode != errSubBadMessageLength {
		t.Errorf("error = code %d subcode %d, want code %d subcode %d",
			me.Code, me.Subcode, errCodeMessageHeader, errSubBadMessageLength)
	}
}

func TestReadLoopReportsDecodeError(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	b, err := Encode(&Keepalive{})
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	b[0] = 0 // corrupt the marker
	go remote.Write(b)

	q := newEventQueue()
	c := newConn(local)
	go c.readLoop(q)

	select {
	case v := <-q.events():
		ce, ok := v.(connEvent)
		if !ok {
			t.Fatalf("event = %T, want connEvent", v)
		}
		if ce.c != c {
			t.Error("event is tagged with the wrong connection")
		}
		df, ok := ce.ev.(messageDecodeFailed)
		if !ok {
			t.Fatalf("event = %T, want messageDecodeFailed", ce.ev)
		}
		if df.err.Subcode != errSubConnectionNotSynchronized {
			t.Errorf("error subcode = %d, want %d", df.err.Subcode, errSubConnectionNotSynchronized)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event from read loop")
	}
}

func TestReadLoopReportsConnectionLoss(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	q := newEventQueue()
	c := newConn(local)
	go c.readLoop(q)
	remote.Close()

	select {
	case v := <-q.events():
		ce, ok := v.(connEvent)
		if !ok {
			t.Fatalf("event = %T, want connEvent", v)
		}
		if _, ok := ce.ev.(TCPConnectionFailed); !ok {
			t.Errorf("event = %T, want TCPConnectionFailed", ce.ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event from read loop")
	}
}
