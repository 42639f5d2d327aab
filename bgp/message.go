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
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Wire format constants from RFC 4271 section 4.
const (
	bgpVersion uint8 = 4

	markerLength     = 16
	headerLength     = 19
	maxMessageLength = 4096
)

const (
	typeOpen         uint8 = 1
	typeUpdate       uint8 = 2
	typeNotification uint8 = 3
	typeKeepalive    uint8 = 4
)

// NOTIFICATION error codes and subcodes, RFC 4271 section 4.5.
const (
	errCodeMessageHeader uint8 = 1
	errCodeOpenMessage   uint8 = 2
	errCodeUpdateMessage uint8 = 3
	errCodeHoldTimer     uint8 = 4
	errCodeFSM           uint8 = 5
	errCodeCease         uint8 = 6
)

const (
	errSubConnectionNotSynchronized uint8 = 1
	errSubBadMessageLength          uint8 = 2
	errSubBadMessageType            uint8 = 3
)

const (
	errSubUnsupportedVersionNumber uint8 = 1
	errSubBadPeerAS                uint8 = 2
	errSubUnacceptableHoldTime     uint8 = 6
)

const (
	errSubMalformedAttributeList    uint8 = 1
	errSubMissingWellKnownAttribute uint8 = 3
	errSubInvalidNetworkField       uint8 = 10
	errSubMalformedASPath           uint8 = 11
)

// A MessageError describes a protocol violation in terms of the RFC 4271
// NOTIFICATION error code and subcode that must be reported to the peer.
type MessageError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	Message string
}

func newMessageError(code, subcode uint8, data []byte, msg string) *MessageError {
	return &MessageError{Code: code, Subcode: subcode, Data: data, Message: msg}
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("%s (code %d subcode %d)", e.Message, e.Code, e.Subcode)
}

// A Message is one of the four BGP-4 message bodies: *Open, *Update,
// *Keepalive or *Notification.
type Message interface {
	messageType() uint8
	encodeBody() ([]byte, error)
}

// A Capability is an RFC 5492 capability TLV from the OPEN optional
// parameters. Capabilities this implementation does not understand are
// preserved as opaque values and never treated as an error.
type Capability struct {
	Code  uint8
	Value []byte
}

// Open is the OPEN message that starts the session handshake.
type Open struct {
	Version      uint8
	AS           uint16
	HoldTime     uint16
	Identifier   netip.Addr
	Capabilities []Capability
}

// NewOpen returns an OPEN message advertising the local configuration.
func NewOpen(cfg Config) *Open {
	return &Open{
		Version:    bgpVersion,
		AS:         cfg.LocalAS,
		HoldTime:   uint16(cfg.holdTime().Seconds()),
		Identifier: cfg.LocalIP,
	}
}

func (o *Open) messageType() uint8 { return typeOpen }

func (o *Open) encodeBody() ([]byte, error) {
	if !o.Identifier.Is4() {
		return nil, fmt.Errorf("BGP identifier %v is not an IPv4 address", o.Identifier)
	}
	b := make([]byte, 9, 10)
	b[0] = o.Version
	binary.BigEndian.PutUint16(b[1:3], o.AS)
	binary.BigEndian.PutUint16(b[3:5], o.HoldTime)
	id := o.Identifier.As4()
	copy(b[5:9], id[:])
	var params []byte
	if len(o.Capabilities) > 0 {
		var caps []byte
		for _, c := range o.Capabilities {
			caps = append(caps, c.Code, uint8(len(c.Value)))
			caps = append(caps, c.Value...)
		}
		// A single capabilities optional parameter (type 2) holding all TLVs.
		params = append(params, 2, uint8(len(caps)))
		params = append(params, caps...)
	}
	b = append(b, uint8(len(params)))
	b = append(b, params...)
	return b, nil
}

func decodeOpen(b []byte) (*Open, error) {
	if len(b) < 10 {
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, nil,
			"open message is too short")
	}
	o := &Open{
		Version:    b[0],
		AS:         binary.BigEndian.Uint16(b[1:3]),
		HoldTime:   binary.BigEndian.Uint16(b[3:5]),
		Identifier: netip.AddrFrom4([4]byte(b[5:9])),
	}
	paramsLen := int(b[9])
	if paramsLen != len(b)-10 {
		return nil, newMessageError(errCodeOpenMessage, 0, nil,
			"open optional parameters length does not match body")
	}
	params := b[10:]
	for len(params) > 0 {
		if len(params) < 2 || len(params) < 2+int(params[1]) {
			return nil, newMessageError(errCodeOpenMessage, 0, nil,
				"truncated open optional parameter")
		}
		code, value := params[0], params[2:2+int(params[1])]
		if code == 2 {
			caps, err := decodeCapabilities(value)
			if err != nil {
				return nil, err
			}
			o.Capabilities = append(o.Capabilities, caps...)
		}
		// Non-capability parameters are deprecated; skip them.
		params = params[2+int(params[1]):]
	}
	return o, nil
}

func decodeCapabilities(b []byte) ([]Capability, error) {
	var caps []Capability
	for len(b) > 0 {
		if len(b) < 2 || len(b) < 2+int(b[1]) {
			return nil, newMessageError(errCodeOpenMessage, 0, nil,
				"truncated capability")
		}
		value := make([]byte, b[1])
		copy(value, b[2:2+int(b[1])])
		caps = append(caps, Capability{Code: b[0], Value: value})
		b = b[2+int(b[1]):]
	}
	return caps, nil
}

// Keepalive is the KEEPALIVE message. It has no body.
type Keepalive struct{}

func (k *Keepalive) messageType() uint8          { return typeKeepalive }
func (k *Keepalive) encodeBody() ([]byte, error) { return nil, nil }

// Notification reports a fatal protocol error to the peer. Sending or
// receiving one always terminates the session.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func notificationFor(e *MessageError) *Notification {
	return &Notification{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}

func (n *Notification) messageType() uint8 { return typeNotification }

func (n *Notification) encodeBody() ([]byte, error) {
	b := make([]byte, 2, 2+len(n.Data))
	b[0] = n.Code
	b[1] = n.Subcode
	return append(b, n.Data...), nil
}

func decodeNotification(b []byte) (*Notification, error) {
	if len(b) < 2 {
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, nil,
			"notification message is too short")
	}
	n := &Notification{Code: b[0], Subcode: b[1]}
	if len(b) > 2 {
		n.Data = make([]byte, len(b)-2)
		copy(n.Data, b[2:])
	}
	return n, nil
}

// Encode serializes a message into its wire format, prepending the 19 byte
// header with an all-ones marker.
func Encode(m Message) ([]byte, error) {
	body, err := m.encodeBody()
	if err != nil {
		return nil, err
	}
	if headerLength+len(body) > maxMessageLength {
		return nil, fmt.Errorf("message length %d exceeds maximum %d",
			headerLength+len(body), maxMessageLength)
	}
	b := make([]byte, headerLength, headerLength+len(body))
	for i := 0; i < markerLength; i++ {
		b[i] = 0xff
	}
	binary.BigEndian.PutUint16(b[16:18], uint16(headerLength+len(body)))
	b[18] = m.messageType()
	return append(b, body...), nil
}

// Decode parses a complete framed message. Inputs come from an untrusted
// peer: every failure is reported as a *MessageError naming the NOTIFICATION
// to send, never a panic.
func Decode(b []byte) (Message, error) {
	if len(b) < headerLength {
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, nil,
			"message is shorter than the BGP header")
	}
	for _, m := range b[:markerLength] {
		if m != 0xff {
			return nil, newMessageError(errCodeMessageHeader, errSubConnectionNotSynchronized, nil,
				"header marker is not all ones")
		}
	}
	length := binary.BigEndian.Uint16(b[16:18])
	if int(length) != len(b) || length > maxMessageLength {
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, b[16:18],
			fmt.Sprintf("header length %d does not match %d available bytes", length, len(b)))
	}
	body := b[headerLength:]
	switch b[18] {
	case typeOpen:
		return decodeOpen(body)
	case typeUpdate:
		return decodeUpdate(body)
	case typeNotification:
		return decodeNotification(body)
	case typeKeepalive:
		if len(body) != 0 {
			return nil, newMessageError(errCodeMessageHeader, errSubBadMessageLength, b[16:18],
				"keepalive message has a body")
		}
		return &Keepalive{}, nil
	default:
		return nil, newMessageError(errCodeMessageHeader, errSubBadMessageType, []byte{b[18]},
			fmt.Sprintf("unknown message type %d", b[18]))
	}
}
