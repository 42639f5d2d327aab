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

	"github.com/eapache/channels"
)

// eventQueue is the per-peer buffer of pending state machine events. It is
// unbounded so that producers (timer callbacks, the connection read loop)
// never block, and events are drained strictly in arrival order.
type eventQueue struct {
	ch *channels.InfiniteChannel

	mu     sync.Mutex
	closed bool
}

func newEventQueue() *eventQueue {
	return &eventQueue{ch: channels.NewInfiniteChannel()}
}

// push enqueues an event. Pushes after close are dropped; a stopped peer has
// no state left for the event to apply to.
func (q *eventQueue) push(ev Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.ch.In() <- ev
}

// events returns the ordered drain channel. Values are always of type Event.
func (q *eventQueue) events() <-chan interface{} {
	return q.ch.Out()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.ch.Close()
}
