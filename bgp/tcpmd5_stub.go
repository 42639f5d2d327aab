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

//go:build !linux

package bgp

import (
	"errors"
	"net/netip"
	"syscall"
)

func tcpMD5Control(peer netip.Addr, password string) (func(network, address string, c syscall.RawConn) error, error) {
	return nil, errors.New("TCP MD5 signatures are only supported on linux")
}
