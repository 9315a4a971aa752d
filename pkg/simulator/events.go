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

package simulator

import (
	"container/heap"
	"context"
	"time"
)

type event struct {
	at  time.Duration
	seq uint64
	run func(ctx context.Context) error
}

// eventQueue orders events by time, events due at the same time run in the order they
// were scheduled.
type eventQueue struct {
	events []*event
	seq    uint64
}

func (q *eventQueue) Len() int { return len(q.events) }

func (q *eventQueue) Less(i, j int) bool {
	if q.events[i].at != q.events[j].at {
		return q.events[i].at < q.events[j].at
	}
	return q.events[i].seq < q.events[j].seq
}

func (q *eventQueue) Swap(i, j int) { q.events[i], q.events[j] = q.events[j], q.events[i] }

func (q *eventQueue) Push(x any) { q.events = append(q.events, x.(*event)) }

func (q *eventQueue) Pop() any {
	n := len(q.events)
	e := q.events[n-1]
	q.events[n-1] = nil
	q.events = q.events[:n-1]
	return e
}

func (q *eventQueue) schedule(at time.Duration, run func(ctx context.Context) error) {
	q.seq++
	heap.Push(q, &event{at: at, seq: q.seq, run: run})
}

// next pops the earliest event due before until.
func (q *eventQueue) next(until time.Duration) (*event, bool) {
	if len(q.events) == 0 || q.events[0].at >= until {
		return nil, false
	}
	return heap.Pop(q).(*event), true
}
