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
	"fmt"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// tcpMD5Control returns a socket control function that signs the peering
// connection with a TCP MD5 signature (RFC 2385) for the given neighbor.
// It works on both dialed and listening sockets.
func tcpMD5Control(peer netip.Addr, password string) (func(network, address string, c syscall.RawConn) error, error) {
	if len(password) > unix.TCP_MD5SIG_MAXKEYLEN {
		return nil, fmt.Errorf("md5 password is longer than %d bytes", unix.TCP_MD5SIG_MAXKEYLEN)
	}
	sig := &unix.TCPMD5Sig{}
	sig.Addr.Family = unix.AF_INET
	copy(sig.Addr.Data[2:], peer.AsSlice())
	sig.Keylen = uint16(len(password))
	copy(sig.Key[:], password)
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = os.NewSyscallError("setsockopt",
				unix.SetsockoptTCPMD5Sig(int(fd), unix.IPPROTO_TCP, unix.TCP_MD5SIG, sig))
		}); err != nil {
			return err
		}
		return sockErr
	}, nil
}
