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
	"sync"
	"time"
)

const (
	// DefaultHoldTime is the hold time proposed in the OPEN message when the
	// config does not specify one. Per RFC 4271 it must be at least 3 seconds.
	DefaultHoldTime = 90 * time.Second
	// openSentHoldTime caps how long we wait for the peer's OPEN before
	// giving up on the session. RFC 4271 section 8.2.2 suggests a large
	// value for the hold timer while in OpenSent.
	openSentHoldTime = 240 * time.Second
	// defaultMessageTimeout is the write deadline for outgoing messages.
	defaultMessageTimeout = 30 * time.Second
	// defaultDialTimeout bounds an active mode connection attempt.
	defaultDialTimeout = 10 * time.Second
)

// A timer is a restartable countdown that fires a callback on expiry. Every
// schedule invalidates any earlier countdown via a generation counter, so a
// stale expiry that already left the time package can never fire against a
// newer session state.
type timer struct {
	fire func()

	mu  sync.Mutex
	gen uint64
	t   *time.Timer
}

func newTimer(fire func()) *timer {
	return &timer{fire: fire}
}

// schedule starts or restarts the countdown.
func (t *timer) schedule(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	gen := t.gen
	if t.t != nil {
		t.t.Stop()
	}
	t.t = time.AfterFunc(d, func() {
		t.mu.Lock()
		live := gen == t.gen
		t.mu.Unlock()
		if live {
			t.fire()
		}
	})
}

// stop cancels the countdown. A countdown that already expired but has not
// yet run its callback is invalidated as well.
func (t *timer) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.t != nil {
		t.t.Stop()
		t.t = nil
	}
}
