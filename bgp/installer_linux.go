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

//go:build linux

package bgp

import (
	"errors"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// NetlinkInstaller mutates the Linux kernel routing table over rtnetlink.
// Operations on a single prefix never interleave: Apply holds a lock for
// the duration of the kernel call.
type NetlinkInstaller struct {
	mu sync.Mutex
}

func NewNetlinkInstaller() *NetlinkInstaller {
	return &NetlinkInstaller{}
}

// Apply installs or removes one forwarding table entry. The outgoing
// interface is inferred by the kernel from next hop reachability.
func (i *NetlinkInstaller) Apply(d Delta) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	route := &netlink.Route{
		Dst: &net.IPNet{
			IP:   net.IP(d.Prefix.Masked().Addr().AsSlice()),
			Mask: net.CIDRMask(d.Prefix.Bits(), 32),
		},
	}
	switch d.Kind {
	case DeltaAdd:
		route.Gw = net.IP(d.NextHop.AsSlice())
		// RouteReplace rather than RouteAdd: re-installing an entry that
		// already exists must succeed.
		return netlink.RouteReplace(route)
	case DeltaWithdraw:
		err := netlink.RouteDel(route)
		if errors.Is(err, unix.ESRCH) {
			// The entry was already gone.
			return nil
		}
		return err
	}
	return nil
}
