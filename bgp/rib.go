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
	"fmt"
	"net/netip"
	"slices"
	"sync"
)

// A Route is the information associated with one prefix: the mandatory path
// attributes plus the peer it was learned from. Locally originated routes
// have an invalid Peer address.
type Route struct {
	Origin  Origin
	ASPath  []uint16
	NextHop netip.Addr
	Peer    netip.Addr
}

func (r Route) equal(o Route) bool {
	return r.Origin == o.Origin &&
		r.NextHop == o.NextHop &&
		r.Peer == o.Peer &&
		slices.Equal(r.ASPath, o.ASPath)
}

// containsAS reports whether the AS path already traverses the given AS.
func (r Route) containsAS(asn uint16) bool {
	return slices.Contains(r.ASPath, asn)
}

// DeltaKind says whether a Loc-RIB change adds or withdraws a prefix.
type DeltaKind uint8

const (
	DeltaAdd DeltaKind = iota
	DeltaWithdraw
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaAdd:
		return "add"
	case DeltaWithdraw:
		return "withdraw"
	default:
		return "unknown"
	}
}

// A Delta is one Loc-RIB change to be applied to the kernel forwarding
// table. NextHop is only set for adds.
type Delta struct {
	Kind    DeltaKind
	Prefix  netip.Prefix
	NextHop netip.Addr
}

func (d Delta) String() string {
	if d.Kind == DeltaAdd {
		return fmt.Sprintf("add %v via %v", d.Prefix, d.NextHop)
	}
	return fmt.Sprintf("withdraw %v", d.Prefix)
}

// rib holds the three per-neighbor routing tables of RFC 4271 section 3.2:
// Adj-RIB-In stores what the neighbor advertised, Loc-RIB what route
// selection picked, and Adj-RIB-Out what the local speaker advertises.
// Keeping them as separate prefix-keyed maps makes route selection a pure
// function from Adj-RIB-In to Loc-RIB.
type rib struct {
	localAS uint16

	mu     sync.Mutex
	adjIn  map[netip.Prefix]Route
	loc    map[netip.Prefix]Route
	adjOut map[netip.Prefix]Route
}

func newRIB(localAS uint16) *rib {
	return &rib{
		localAS: localAS,
		adjIn:   map[netip.Prefix]Route{},
		loc:     map[netip.Prefix]Route{},
		adjOut:  map[netip.Prefix]Route{},
	}
}

// applyUpdate folds one UPDATE from the peer into Adj-RIB-In, reruns route
// selection for the affected prefixes, and returns the resulting Loc-RIB
// deltas. An UPDATE carrying NLRI without the mandatory attributes fails
// with a *MessageError and leaves every table untouched.
func (r *rib) applyUpdate(peer netip.Addr, u *Update) ([]Delta, error) {
	var (
		origin  Origin
		asPath  []uint16
		nextHop netip.Addr
	)
	if len(u.NLRI) > 0 {
		var merr *MessageError
		origin, asPath, nextHop, merr = u.routeAttrs()
		if merr != nil {
			return nil, merr
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []netip.Prefix
	for _, p := range u.WithdrawnRoutes {
		p = p.Masked()
		if old, ok := r.adjIn[p]; ok && old.Peer == peer {
			delete(r.adjIn, p)
			affected = append(affected, p)
		}
	}
	for _, p := range u.NLRI {
		p = p.Masked()
		r.adjIn[p] = Route{
			Origin:  origin,
			ASPath:  asPath,
			NextHop: nextHop,
			Peer:    peer,
		}
		affected = append(affected, p)
	}
	return r.selectLocked(affected), nil
}

// selectLocked recomputes Loc-RIB for the given prefixes. With a single
// neighbor the best path degenerates to the lone Adj-RIB-In candidate, but
// the step stays isolated so a multi-peer extension only replaces this
// function. Routes whose AS path already contains the local AS are never
// selected (RFC 4271 section 9.1.2 loop prevention).
func (r *rib) selectLocked(prefixes []netip.Prefix) []Delta {
	var deltas []Delta
	for _, p := range prefixes {
		cand, ok := r.adjIn[p]
		if ok && cand.containsAS(r.localAS) {
			ok = false
		}
		old, had := r.loc[p]
		switch {
		case ok && (!had || !old.equal(cand)):
			r.loc[p] = cand
			deltas = append(deltas, Delta{Kind: DeltaAdd, Prefix: p, NextHop: cand.NextHop})
		case !ok && had:
			delete(r.loc, p)
			deltas = append(deltas, Delta{Kind: DeltaWithdraw, Prefix: p})
		}
	}
	return deltas
}

// dropPeer removes every route learned from the peer, as when the session
// is torn down, and returns the withdraw deltas in a deterministic order.
func (r *rib) dropPeer(peer netip.Addr) []Delta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var affected []netip.Prefix
	for p, route := range r.adjIn {
		if route.Peer == peer {
			delete(r.adjIn, p)
			affected = append(affected, p)
		}
	}
	slices.SortFunc(affected, comparePrefixes)
	return r.selectLocked(affected)
}

// originate fills Adj-RIB-Out with the locally configured prefixes and
// returns the UPDATE advertising them, or nil when nothing is originated.
// Called once per session on reaching Established.
func (r *rib) originate(cfg Config) *Update {
	if len(cfg.Networks) == 0 {
		return nil
	}
	route := Route{
		Origin:  OriginIGP,
		ASPath:  []uint16{cfg.LocalAS},
		NextHop: cfg.LocalIP,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	nlri := make([]netip.Prefix, 0, len(cfg.Networks))
	for _, n := range cfg.Networks {
		n = n.Masked()
		r.adjOut[n] = route
		nlri = append(nlri, n)
	}
	slices.SortFunc(nlri, comparePrefixes)
	return &Update{
		PathAttributes: []PathAttribute{
			OriginAttr{Origin: route.Origin},
			NewASPathAttr(route.ASPath...),
			NextHopAttr{NextHop: route.NextHop},
		},
		NLRI: nlri,
	}
}

// clearAdjOut empties Adj-RIB-Out when the session leaves Established, so
// the next establishment re-originates from scratch.
func (r *rib) clearAdjOut() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.adjOut)
}

// locRIB returns a copy of the Loc-RIB.
func (r *rib) locRIB() map[netip.Prefix]Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[netip.Prefix]Route, len(r.loc))
	for p, route := range r.loc {
		out[p] = route
	}
	return out
}

// adjRIBIn returns a copy of the Adj-RIB-In.
func (r *rib) adjRIBIn() map[netip.Prefix]Route {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[netip.Prefix]Route, len(r.adjIn))
	for p, route := range r.adjIn {
		out[p] = route
	}
	return out
}

func comparePrefixes(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}
