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

package window

import (
	"time"

	"github.com/gammazero/deque"
)

type weightedSample struct {
	value  float64
	weight float64
}

// Weighted is a bounded window where each sample counts in proportion to the time
// span it covers, e.g. throughput samples weighted by frame interarrival.
type Weighted struct {
	initial  float64
	capacity int

	samples        deque.Deque[weightedSample]
	sumValueWeight float64
	sumWeight      float64
}

func NewWeighted(initial float64, capacity int) *Weighted {
	if capacity < 1 {
		capacity = 1
	}
	return &Weighted{
		initial:  initial,
		capacity: capacity,
	}
}

// SubmitSample adds a sample covering the given span. Samples covering no time
// carry no weight and are ignored.
func (w *Weighted) SubmitSample(value float64, span time.Duration) {
	weight := span.Seconds()
	if weight <= 0 {
		return
	}

	w.samples.PushBack(weightedSample{value: value, weight: weight})
	w.sumValueWeight += value * weight
	w.sumWeight += weight

	for w.samples.Len() > w.capacity {
		evicted := w.samples.PopFront()
		w.sumValueWeight -= evicted.value * evicted.weight
		w.sumWeight -= evicted.weight
	}
}

func (w *Weighted) GetAverage() float64 {
	if w.samples.Len() == 0 || w.sumWeight <= 0 {
		return w.initial
	}

	return w.sumValueWeight / w.sumWeight
}

func (w *Weighted) Retain(k int) {
	if k < 0 {
		k = 0
	}
	for w.samples.Len() > k {
		w.samples.PopFront()
	}

	w.sumValueWeight = 0
	w.sumWeight = 0
	for i := 0; i < w.samples.Len(); i++ {
		s := w.samples.At(i)
		w.sumValueWeight += s.value * s.weight
		w.sumWeight += s.weight
	}
}

func (w *Weighted) Len() int {
	return w.samples.Len()
}
