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

package main

import "github.com/Miyoshi-Ryota/mrbgpdv2/bgp"

// Kernel route installation needs rtnetlink; elsewhere routes are only kept
// in the in-memory Loc-RIB.
func newInstaller(bool) bgp.Installer {
	return bgp.InstallerFunc(func(bgp.Delta) error { return nil })
}
