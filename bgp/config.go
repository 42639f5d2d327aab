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

// Package bgp implements a minimal BGP-4 speaker as defined by RFC 4271:
// a per-peer session state machine, the BGP wire codec, a routing
// information base, and a route installer that keeps the kernel forwarding
// table in sync with the routes learned from the neighbor.
package bgp

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Mode selects who initiates the peering TCP connection.
type Mode uint8

const (
	// ModeActive dials the remote peer.
	ModeActive Mode = iota
	// ModePassive waits for the remote peer to connect.
	ModePassive
)

func (m Mode) String() string {
	switch m {
	case ModeActive:
		return "active"
	case ModePassive:
		return "passive"
	default:
		return "unknown"
	}
}

// ParseMode parses "active" or "passive", ignoring case.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "active":
		return ModeActive, nil
	case "passive":
		return ModePassive, nil
	default:
		return 0, fmt.Errorf("cannot parse %q as mode, want active or passive", s)
	}
}

// Config describes a single BGP peering session. It is immutable once the
// Peer has been constructed.
type Config struct {
	// LocalAS is the autonomous system number of the local speaker.
	LocalAS uint16
	// LocalIP is the local address. Passive sessions listen on it, active
	// sessions bind to it when dialing, and it becomes the NEXT_HOP of
	// locally originated routes.
	LocalIP netip.Addr
	// RemoteAS is the expected autonomous system number of the neighbor.
	// It is verified against the neighbor's OPEN message.
	RemoteAS uint16
	// RemoteIP is the neighbor's address.
	RemoteIP netip.Addr
	// Mode selects whether the local speaker dials the neighbor or waits
	// for the neighbor to dial in.
	Mode Mode
	// Networks are the prefixes originated by the local speaker. They are
	// advertised once per session, upon reaching the Established state.
	Networks []netip.Prefix

	// Port is the TCP port for the session. Zero means the well known BGP
	// port 179.
	Port int
	// HoldTime is the hold time proposed in the local OPEN message. The
	// session uses the minimum of the local and remote values. Zero means
	// DefaultHoldTime.
	HoldTime time.Duration
	// MD5Password, if non-empty, enables a TCP MD5 signature (RFC 2385) on
	// the peering socket. Only supported on Linux.
	MD5Password string
}

// ParseConfig parses the single line configuration format
//
//	<local-as> <local-ip> <remote-as> <remote-ip> <mode> [network ...]
//
// for example "64512 127.0.0.1 64513 127.0.0.2 active 10.100.220.0/24".
func ParseConfig(s string) (Config, error) {
	fields := strings.Fields(s)
	if len(fields) < 5 {
		return Config{}, fmt.Errorf("config %q has %d fields, want at least 5", s, len(fields))
	}
	localAS, err := parseASN(fields[0])
	if err != nil {
		return Config{}, fmt.Errorf("local AS: %v", err)
	}
	localIP, err := netip.ParseAddr(fields[1])
	if err != nil {
		return Config{}, fmt.Errorf("local IP: %v", err)
	}
	remoteAS, err := parseASN(fields[2])
	if err != nil {
		return Config{}, fmt.Errorf("remote AS: %v", err)
	}
	remoteIP, err := netip.ParseAddr(fields[3])
	if err != nil {
		return Config{}, fmt.Errorf("remote IP: %v", err)
	}
	mode, err := ParseMode(fields[4])
	if err != nil {
		return Config{}, err
	}
	var networks []netip.Prefix
	for _, f := range fields[5:] {
		n, err := netip.ParsePrefix(f)
		if err != nil {
			return Config{}, fmt.Errorf("network: %v", err)
		}
		networks = append(networks, n.Masked())
	}
	c := Config{
		LocalAS:  localAS,
		LocalIP:  localIP,
		RemoteAS: remoteAS,
		RemoteIP: remoteIP,
		Mode:     mode,
		Networks: networks,
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func parseASN(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("cannot parse %q as AS number", s)
	}
	if n == 0 {
		return 0, errors.New("AS number must be non-zero")
	}
	return uint16(n), nil
}

// Validate reports whether the configuration describes a usable session.
// It must pass before a Peer is constructed.
func (c Config) Validate() error {
	if c.LocalAS == 0 {
		return errors.New("local AS must be non-zero")
	}
	if c.RemoteAS == 0 {
		return errors.New("remote AS must be non-zero")
	}
	if !c.LocalIP.Is4() {
		return fmt.Errorf("local IP %v is not an IPv4 address", c.LocalIP)
	}
	if !c.RemoteIP.Is4() {
		return fmt.Errorf("remote IP %v is not an IPv4 address", c.RemoteIP)
	}
	if c.LocalAS == c.RemoteAS && c.LocalIP == c.RemoteIP {
		return errors.New("local and remote endpoints must be distinct")
	}
	for _, n := range c.Networks {
		if !n.Addr().Is4() {
			return fmt.Errorf("network %v is not an IPv4 prefix", n)
		}
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.HoldTime != 0 && c.HoldTime < 3*time.Second {
		return fmt.Errorf("hold time %v is shorter than the RFC 4271 minimum of 3s", c.HoldTime)
	}
	return nil
}

func (c Config) port() int {
	if c.Port != 0 {
		return c.Port
	}
	return 179
}

func (c Config) holdTime() time.Duration {
	if c.HoldTime != 0 {
		return c.HoldTime
	}
	return DefaultHoldTime
}

func (c Config) remoteAddr() string {
	return netip.AddrPortFrom(c.RemoteIP, uint16(c.port())).String()
}

func (c Config) localAddr() string {
	return netip.AddrPortFrom(c.LocalIP, uint16(c.port())).String()
}
