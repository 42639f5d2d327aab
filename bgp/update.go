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

// Path attribute flags, RFC 4271 section 4.3.
const (
	attrFlagOptional       uint8 = 1 << 7
	attrFlagTransitive     uint8 = 1 << 6
	attrFlagPartial        uint8 = 1 << 5
	attrFlagExtendedLength uint8 = 1 << 4
)

const (
	attrTypeOrigin  uint8 = 1
	attrTypeASPath  uint8 = 2
	attrTypeNextHop uint8 = 3
)

// Origin is the ORIGIN path attribute value.
type Origin uint8

const (
	OriginIGP        Origin = 0
	OriginEGP        Origin = 1
	OriginIncomplete Origin = 2
)

func (o Origin) String() string {
	switch o {
	case OriginIGP:
		return "igp"
	case OriginEGP:
		return "egp"
	case OriginIncomplete:
		return "incomplete"
	default:
		return "unknown"
	}
}

// A PathAttribute is one attribute of a route carried in an UPDATE message.
// The concrete types are OriginAttr, ASPathAttr, NextHopAttr and, for
// attributes this implementation does not understand, UnknownAttr.
type PathAttribute interface {
	attrFlags() uint8
	attrType() uint8
	encodeValue() ([]byte, error)
}

// OriginAttr is the well known mandatory ORIGIN attribute.
type OriginAttr struct {
	Origin Origin
}

func (a OriginAttr) attrFlags() uint8 { return attrFlagTransitive }
func (a OriginAttr) attrType() uint8  { return attrTypeOrigin }

func (a OriginAttr) encodeValue() ([]byte, error) {
	return []byte{uint8(a.Origin)}, nil
}

// ASPathSegmentType distinguishes ordered AS_SEQUENCE segments from
// unordered AS_SET segments.
type ASPathSegmentType uint8

const (
	ASSet      ASPathSegmentType = 1
	ASSequence ASPathSegmentType = 2
)

// ASPathSegment is one segment of an AS_PATH.
type ASPathSegment struct {
	Type ASPathSegmentType
	ASNs []uint16
}

// ASPathAttr is the well known mandatory AS_PATH attribute.
type ASPathAttr struct {
	Segments []ASPathSegment
}

// NewASPathAttr returns an AS_PATH holding a single AS_SEQUENCE segment.
// An empty sequence encodes as an AS_PATH with no segments.
func NewASPathAttr(asns ...uint16) ASPathAttr {
	if len(asns) == 0 {
		return ASPathAttr{}
	}
	return ASPathAttr{Segments: []ASPathSegment{{Type: ASSequence, ASNs: asns}}}
}

func (a ASPathAttr) attrFlags() uint8 { return attrFlagTransitive }
func (a ASPathAttr) attrType() uint8  { return attrTypeASPath }

func (a ASPathAttr) encodeValue() ([]byte, error) {
	var b []byte
	for _, s := range a.Segments {
		if len(s.ASNs) == 0 || len(s.ASNs) > 255 {
			return nil, fmt.Errorf("AS path segment has %d ASNs, want 1-255", len(s.ASNs))
		}
		b = append(b, uint8(s.Type), uint8(len(s.ASNs)))
		for _, asn := range s.ASNs {
			b = binary.BigEndian.AppendUint16(b, asn)
		}
	}
	return b, nil
}

// flatten returns every AS in the path in encoded order.
func (a ASPathAttr) flatten() []uint16 {
	var asns []uint16
	for _, s := range a.Segments {
		asns = append(asns, s.ASNs...)
	}
	return asns
}

// NextHopAttr is the well known mandatory NEXT_HOP attribute.
type NextHopAttr struct {
	NextHop netip.Addr
}

func (a NextHopAttr) attrFlags() uint8 { return attrFlagTransitive }
func (a NextHopAttr) attrType() uint8  { return attrTypeNextHop }

func (a NextHopAttr) encodeValue() ([]byte, error) {
	if !a.NextHop.Is4() {
		return nil, fmt.Errorf("next hop %v is not an IPv4 address", a.NextHop)
	}
	nh := a.NextHop.As4()
	return nh[:], nil
}

// UnknownAttr preserves an attribute this implementation does not
// understand, so that decoding and re-encoding an UPDATE is lossless.
type UnknownAttr struct {
	Flags uint8
	Type  uint8
	Value []byte
}

func (a UnknownAttr) attrFlags() uint8 { return a.Flags }
func (a UnknownAttr) attrType() uint8  { return a.Type }

func (a UnknownAttr) encodeValue() ([]byte, error) {
	return a.Value, nil
}

// Update is the UPDATE message carrying route advertisements and
// withdrawals.
type Update struct {
	WithdrawnRoutes []netip.Prefix
	PathAttributes  []PathAttribute
	NLRI            []netip.Prefix
}

func (u *Update) messageType() uint8 { return typeUpdate }

func (u *Update) encodeBody() ([]byte, error) {
	withdrawn, err := encodePrefixes(u.WithdrawnRoutes)
	if err != nil {
		return nil, err
	}
	var attrs []byte
	for _, a := range u.PathAttributes {
		ab, err := encodeAttribute(a)
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, ab...)
	}
	nlri, err := encodePrefixes(u.NLRI)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, 4+len(withdrawn)+len(attrs)+len(nlri))
	b = binary.BigEndian.AppendUint16(b, uint16(len(withdrawn)))
	b = append(b, withdrawn...)
	b = binary.BigEndian.AppendUint16(b, uint16(len(attrs)))
	b = append(b, attrs...)
	b = append(b, nlri...)
	return b, nil
}

func encodeAttribute(a PathAttribute) ([]byte, error) {
	value, err := a.encodeValue()
	if err != nil {
		return nil, err
	}
	flags := a.attrFlags()
	if len(value) > 255 {
		flags |= attrFlagExtendedLength
	} else {
		flags &^= attrFlagExtendedLength
	}
	b := []byte{flags, a.attrType()}
	if flags&attrFlagExtendedLength != 0 {
		b = binary.BigEndian.AppendUint16(b, uint16(len(value)))
	} else {
		b = append(b, uint8(len(value)))
	}
	return append(b, value...), nil
}

func decodeUpdate(b []byte) (*Update, error) {
	malformed := func(msg string) *MessageError {
		return newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil, msg)
	}
	if len(b) < 4 {
		return nil, malformed("update message is too short")
	}
	u := &Update{}
	withdrawnLen := int(binary.BigEndian.Uint16(b[0:2]))
	if 2+withdrawnLen+2 > len(b) {
		return nil, malformed("withdrawn routes length exceeds message")
	}
	var err error
	u.WithdrawnRoutes, err = decodePrefixes(b[2 : 2+withdrawnLen])
	if err != nil {
		return nil, err
	}
	b = b[2+withdrawnLen:]
	attrsLen := int(binary.BigEndian.Uint16(b[0:2]))
	if 2+attrsLen > len(b) {
		return nil, malformed("path attribute length exceeds message")
	}
	u.PathAttributes, err = decodeAttributes(b[2 : 2+attrsLen])
	if err != nil {
		return nil, err
	}
	u.NLRI, err = decodePrefixes(b[2+attrsLen:])
	if err != nil {
		return nil, err
	}
	return u, nil
}

func decodeAttributes(b []byte) ([]PathAttribute, error) {
	var attrs []PathAttribute
	for len(b) > 0 {
		if len(b) < 3 {
			return nil, newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil,
				"truncated path attribute header")
		}
		flags, typ := b[0], b[1]
		var length, off int
		if flags&attrFlagExtendedLength != 0 {
			if len(b) < 4 {
				return nil, newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil,
					"truncated extended length path attribute")
			}
			length, off = int(binary.BigEndian.Uint16(b[2:4])), 4
		} else {
			length, off = int(b[2]), 3
		}
		if len(b) < off+length {
			return nil, newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil,
				"path attribute value exceeds attribute list")
		}
		a, err := decodeAttribute(flags, typ, b[off:off+length])
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
		b = b[off+length:]
	}
	return attrs, nil
}

func decodeAttribute(flags, typ uint8, value []byte) (PathAttribute, error) {
	switch typ {
	case attrTypeOrigin:
		if len(value) != 1 {
			return nil, newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil,
				"origin attribute must be exactly one byte")
		}
		return OriginAttr{Origin: Origin(value[0])}, nil
	case attrTypeASPath:
		var segments []ASPathSegment
		for len(value) > 0 {
			if len(value) < 2 {
				return nil, newMessageError(errCodeUpdateMessage, errSubMalformedASPath, nil,
					"truncated AS path segment header")
			}
			segType, count := ASPathSegmentType(value[0]), int(value[1])
			if segType != ASSet && segType != ASSequence {
				return nil, newMessageError(errCodeUpdateMessage, errSubMalformedASPath, nil,
					fmt.Sprintf("unknown AS path segment type %d", segType))
			}
			if len(value) < 2+2*count {
				return nil, newMessageError(errCodeUpdateMessage, errSubMalformedASPath, nil,
					"truncated AS path segment")
			}
			asns := make([]uint16, count)
			for i := range asns {
				asns[i] = binary.BigEndian.Uint16(value[2+2*i : 4+2*i])
			}
			segments = append(segments, ASPathSegment{Type: segType, ASNs: asns})
			value = value[2+2*count:]
		}
		return ASPathAttr{Segments: segments}, nil
	case attrTypeNextHop:
		if len(value) != 4 {
			return nil, newMessageError(errCodeUpdateMessage, errSubMalformedAttributeList, nil,
				"next hop attribute must be exactly four bytes")
		}
		return NextHopAttr{NextHop: netip.AddrFrom4([4]byte(value))}, nil
	default:
		v := make([]byte, len(value))
		copy(v, value)
		return UnknownAttr{Flags: flags &^ attrFlagExtendedLength, Type: typ, Value: v}, nil
	}
}

// routeAttrs extracts the three mandatory attributes of a route. It fails
// with a missing well known attribute error if any is absent, which per
// RFC 4271 section 6.3 is only checked when the UPDATE carries NLRI.
func (u *Update) routeAttrs() (Origin, []uint16, netip.Addr, *MessageError) {
	var (
		origin     Origin
		asPath     []uint16
		nextHop    netip.Addr
		hasOrigin  bool
		hasASPath  bool
		hasNextHop bool
	)
	for _, a := range u.PathAttributes {
		switch a := a.(type) {
		case OriginAttr:
			origin, hasOrigin = a.Origin, true
		case ASPathAttr:
			asPath, hasASPath = a.flatten(), true
		case NextHopAttr:
			nextHop, hasNextHop = a.NextHop, true
		}
	}
	var missing uint8
	switch {
	case !hasOrigin:
		missing = attrTypeOrigin
	case !hasASPath:
		missing = attrTypeASPath
	case !hasNextHop:
		missing = attrTypeNextHop
	default:
		return origin, asPath, nextHop, nil
	}
	return 0, nil, netip.Addr{}, newMessageError(errCodeUpdateMessage,
		errSubMissingWellKnownAttribute, []byte{missing},
		fmt.Sprintf("update with NLRI is missing mandatory attribute type %d", missing))
}

// encodePrefixes packs prefixes in the RFC 4271 compact form: a mask length
// byte followed by only the address bytes the mask covers.
func encodePrefixes(prefixes []netip.Prefix) ([]byte, error) {
	var b []byte
	for _, p := range prefixes {
		if !p.Addr().Is4() {
			return nil, fmt.Errorf("prefix %v is not IPv4", p)
		}
		addr := p.Masked().Addr().As4()
		b = append(b, uint8(p.Bits()))
		b = append(b, addr[:(p.Bits()+7)/8]...)
	}
	return b, nil
}

func decodePrefixes(b []byte) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for len(b) > 0 {
		bits := int(b[0])
		if bits > 32 {
			return nil, newMessageError(errCodeUpdateMessage, errSubInvalidNetworkField, nil,
				fmt.Sprintf("prefix mask length %d exceeds 32", bits))
		}
		n := (bits + 7) / 8
		if len(b) < 1+n {
			return nil, newMessageError(errCodeUpdateMessage, errSubInvalidNetworkField, nil,
				"truncated prefix")
		}
		var addr [4]byte
		copy(addr[:], b[1:1+n])
		prefixes = append(prefixes, netip.PrefixFrom(netip.AddrFrom4(addr), bits).Masked())
		b = b[1+n:]
	}
	return prefixes, nil
}
