// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package telemetrytest

import (
	"sync"

	"github.com/livekit/xrstream/pkg/telemetry"
)

// CaptureSink records every event it receives.
type CaptureSink struct {
	lock   sync.Mutex
	events []telemetry.Event
}

func (c *CaptureSink) SendEvent(event telemetry.Event) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.events = append(c.events, event)
}

func (c *CaptureSink) Events() []telemetry.Event {
	c.lock.Lock()
	defer c.lock.Unlock()

	return append([]telemetry.Event(nil), c.events...)
}

// Of returns the payloads of every captured event with the given id, in arrival order.
func (c *CaptureSink) Of(id telemetry.EventID) []telemetry.EventData {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out []telemetry.EventData
	for _, e := range c.events {
		if e.ID() == id {
			out = append(out, e.Data)
		}
	}
	return out
}

func (c *CaptureSink) Reset() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.events = nil
}

func Last[T telemetry.EventData](c *CaptureSink) (T, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for i := len(c.events) - 1; i >= 0; i-- {
		if data, ok := c.events[i].Data.(T); ok {
			return data, true
		}
	}
	var zero T
	return zero, false
}

func All[T telemetry.EventData](c *CaptureSink) []T {
	c.lock.Lock()
	defer c.lock.Unlock()

	var out []T
	for _, e := range c.events {
		if data, ok := e.Data.(T); ok {
			out = append(out, data)
		}
	}
	return out
}
