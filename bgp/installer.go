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

// An Installer applies Loc-RIB deltas to the forwarding table. Apply must
// be idempotent: re-adding an identical entry and re-withdrawing an absent
// one are no-ops, because the kernel table may already reflect state from
// before a crash.
type Installer interface {
	Apply(Delta) error
}

// InstallerFunc adapts a function to the Installer interface.
type InstallerFunc func(Delta) error

func (f InstallerFunc) Apply(d Delta) error { return f(d) }

// noopInstaller discards deltas. It is the default when no installer is
// configured; the Loc-RIB is still maintained, the kernel is untouched.
type noopInstaller struct{}

func (noopInstaller) Apply(Delta) error { return nil }
