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
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var cmpOpts = []cmp.Option{
	cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
	cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }),
}

func TestMessageRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  Message
	}{
		{
			name: "open",
			msg: &Open{
				Version:    4,
				AS:         64512,
				HoldTime:   90,
				Identifier: netip.MustParseAddr("10.200.100.2"),
			},
		},
		{
			name: "open_with_capabilities",
			msg: &Open{
				Version:    4,
				AS:         64512,
				HoldTime:   180,
				Identifier: netip.MustParseAddr("192.0.2.1"),
				Capabilities: []Capability{
					{Code: 1, Value: []byte{0, 1, 0, 1}},
					{Code: 2},
				},
			},
		},
		{
			name: "keepalive",
			msg:  &Keepalive{},
		},
		{
			name: "notification",
			msg:  &Notification{Code: 2, Subcode: 2, Data: []byte{0xfc, 0x00}},
		},
		{
			name: "update_advertise",
			msg: &Update{
				PathAttributes: []PathAttribute{
					OriginAttr{Origin: OriginIGP},
					NewASPathAttr(64513, 64512),
					NextHopAttr{NextHop: netip.MustParseAddr("10.200.100.3")},
				},
				NLRI: []netip.Prefix{
					netip.MustParsePrefix("10.100.220.0/24"),
					netip.MustParsePrefix("192.0.2.128/25"),
				},
			},
		},
		{
			name: "update_withdraw",
			msg: &Update{
				WithdrawnRoutes: []netip.Prefix{netip.MustParsePrefix("10.100.220.0/24")},
			},
		},
		{
			name: "update_with_unknown_attribute",
			msg: &Update{
				PathAttributes: []PathAttribute{
					OriginAttr{Origin: OriginIncomplete},
					NewASPathAttr(64513),
					NextHopAttr{NextHop: netip.MustParseAddr("10.200.100.3")},
					UnknownAttr{Flags: attrFlagOptional | attrFlagTransitive, Type: 8, Value: []byte{0xfc, 0, 0, 1}},
				},
				NLRI: []netip.Prefix{netip.MustParsePrefix("203.0.113.0/24")},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b, err := Encode(tc.msg)
			if err != nil {
				t.Fatalf("Encode() failed: %v", err)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode() failed: %v", err)
			}
			if diff := cmp.Diff(tc.msg, got, cmpOpts...); diff != "" {
				t.Errorf("message changed across encode/decode (-want +got):\n%s", diff)
			}
		})
	}
}

// mustEncode returns the wire bytes of m, optionally mutated.
func mustEncode(t *testing.T, m Message, mutate func([]byte)) []byte {
	t.Helper()
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	if mutate != nil {
		mutate(b)
	}
	return b
}

func TestDecodeErrors(t *testing.T) {
	keepalive := func(mutate func([]byte)) func(*testing.T) []byte {
		return func(t *testing.T) []byte { return mustEncode(t, &Keepalive{}, mutate) }
	}
	for _, tc := range []struct {
		name        string
		input       func(*testing.T) []byte
		wantCode    uint8
		wantSubcode uint8
	}{
		{
			name:        "bad_marker",
			input:       keepalive(func(b []byte) { b[0] = 0 }),
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubConnectionNotSynchronized,
		},
		{
			name:        "length_mismatch",
			input:       keepalive(func(b []byte) { b[17] = 42 }),
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubBadMessageLength,
		},
		{
			name:        "unknown_type",
			input:       keepalive(func(b []byte) { b[18] = 9 }),
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubBadMessageType,
		},
		{
			name: "keepalive_with_body",
			input: func(t *testing.T) []byte {
				b := mustEncode(t, &Keepalive{}, nil)
				b = append(b, 0xaa)
				b[17] = headerLength + 1
				return b
			},
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubBadMessageLength,
		},
		{
			name: "truncated",
			input: func(t *testing.T) []byte {
				return mustEncode(t, &Keepalive{}, nil)[:10]
			},
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubBadMessageLength,
		},
		{
			name: "update_attribute_length_overrun",
			input: func(t *testing.T) []byte {
				b := mustEncode(t, &Update{
					PathAttributes: []PathAttribute{OriginAttr{Origin: OriginIGP}},
				}, nil)
				// Claim more attribute bytes than the message carries.
				b[headerLength+3] = 200
				return b
			},
			wantCode:    errCodeUpdateMessage,
			wantSubcode: errSubMalformedAttributeList,
		},
		{
			name: "update_prefix_mask_too_long",
			input: func(t *testing.T) []byte {
				b := mustEncode(t, &Update{
					PathAttributes: []PathAttribute{
						OriginAttr{Origin: OriginIGP},
						NewASPathAttr(64513),
						NextHopAttr{NextHop: netip.MustParseAddr("10.200.100.3")},
					},
					NLRI: []netip.Prefix{netip.MustParsePrefix("10.0.0.0/32")},
				}, nil)
				// The NLRI mask length byte is the fifth byte from the end
				// (mask plus four address bytes).
				b[len(b)-5] = 33
				return b
			},
			wantCode:    errCodeUpdateMessage,
			wantSubcode: errSubInvalidNetworkField,
		},
		{
			name: "open_truncated",
			input: func(t *testing.T) []byte {
				b := mustEncode(t, &Open{
					Version:    4,
					AS:         64512,
					HoldTime:   90,
					Identifier: netip.MustParseAddr("10.200.100.2"),
				}, nil)
				b = b[:len(b)-4]
				b[17] = uint8(len(b))
				return b
			},
			wantCode:    errCodeMessageHeader,
			wantSubcode: errSubBadMessageLength,
		},
		{
			name: "open_parameter_length_mismatch",
			input: func(t *testing.T) []byte {
				b := mustEncode(t, &Open{
					Version:    4,
					AS:         64512,
					HoldTime:   90,
					Identifier: netip.MustParseAddr("10.200.100.2"),
				}, nil)
				// Claim optional parameters the message does not carry.
				b[headerLength+9] = 4
				return b
			},
			wantCode:    errCodeOpenMessage,
			wantSubcode: 0,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.input(t))
			var me *MessageError
			if !errors.As(err, &me) {
				t.Fatalf("Decode() = %v, want a *MessageError", err)
			}
			if me.Code != tc.wantCode {
				t.Errorf("error code = %d, want %d", me.Code, tc.wantCode)
			}
			if tc.wantSubcode != 0 && me.Subcode != tc.wantSubcode {
				t.Errorf("error subcode = %d, want %d", me.Subcode, tc.wantSubcode)
			}
		})
	}
}

func TestDecodeOpenSkipsNonCapabilityParameters(t *testing.T) {
	o := &Open{
		Version:      4,
		AS:           64512,
		HoldTime:     90,
		Identifier:   netip.MustParseAddr("10.200.100.2"),
		Capabilities: []Capability{{Code: 1, Value: []byte{0, 1, 0, 1}}},
	}
	b, err := Encode(o)
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	// Append an authentication optional parameter (deprecated type 1) after
	// the capabilities. It must be skipped, not treated as an error.
	extra := []byte{1, 2, 0xaa, 0xbb}
	b = append(b, extra...)
	b[17] += uint8(len(extra))
	// Optional parameters length byte sits right after the fixed OPEN body.
	b[headerLength+9] += uint8(len(extra))

	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if diff := cmp.Diff(o, got, cmpOpts...); diff != "" {
		t.Errorf("decoded open mismatch (-want +got):\n%s", diff)
	}
}

func TestEncodePrefixesCompactForm(t *testing.T) {
	for _, tc := range []struct {
		prefix string
		want   []byte
	}{
		{"0.0.0.0/0", []byte{0}},
		{"10.0.0.0/8", []byte{8, 10}},
		{"10.100.0.0/16", []byte{16, 10, 100}},
		{"10.100.220.0/24", []byte{24, 10, 100, 220}},
		{"10.100.220.3/32", []byte{32, 10, 100, 220, 3}},
		{"192.0.2.128/25", []byte{25, 192, 0, 2, 128}},
	} {
		t.Run(tc.prefix, func(t *testing.T) {
			got, err := encodePrefixes([]netip.Prefix{netip.MustParsePrefix(tc.prefix)})
			if err != nil {
				t.Fatalf("encodePrefixes() failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("encodePrefixes(%s) mismatch (-want +got):\n%s", tc.prefix, diff)
			}
			back, err := decodePrefixes(got)
			if err != nil {
				t.Fatalf("decodePrefixes() failed: %v", err)
			}
			if len(back) != 1 || back[0] != netip.MustParsePrefix(tc.prefix) {
				t.Errorf("decodePrefixes() = %v, want [%s]", back, tc.prefix)
			}
		})
	}
}
