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
	"math"

	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"
)

// ------------------------------------------------

type Number interface {
	~int64 | ~float32 | ~float64
}

// ------------------------------------------------

// Average is a bounded window of the most recent samples with an incrementally
// maintained sum. An empty window reports the value it was seeded with.
type Average[T Number] struct {
	initial  T
	capacity int

	samples deque.Deque[T]
	sum     T
}

func NewAverage[T Number](initial T, capacity int) *Average[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Average[T]{
		initial:  initial,
		capacity: capacity,
	}
}

func (a *Average[T]) SubmitSample(sample T) {
	a.samples.PushBack(sample)
	a.sum += sample

	for a.samples.Len() > a.capacity {
		a.sum -= a.samples.PopFront()
	}
}

func (a *Average[T]) GetAverage() T {
	if a.samples.Len() == 0 {
		return a.initial
	}

	return a.sum / T(a.samples.Len())
}

// GetStd returns the population standard deviation of the retained samples.
func (a *Average[T]) GetStd() T {
	n := a.samples.Len()
	if n == 0 {
		return 0
	}

	mean := float64(a.sum) / float64(n)
	variance := 0.0
	for i := 0; i < n; i++ {
		diff := float64(a.samples.At(i)) - mean
		variance += diff * diff
	}
	return T(math.Sqrt(variance / float64(n)))
}

// Retain drops all but the k most recent samples.
func (a *Average[T]) Retain(k int) {
	if k < 0 {
		k = 0
	}
	for a.samples.Len() > k {
		a.samples.PopFront()
	}

	// re-sum to shed accumulated rounding from the incremental updates
	a.sum = 0
	for i := 0; i < a.samples.Len(); i++ {
		a.sum += a.samples.At(i)
	}
}

func (a *Average[T]) Len() int {
	return a.samples.Len()
}

func (a *Average[T]) Capacity() int {
	return a.capacity
}

func (a *Average[T]) Samples() []T {
	samples := make([]T, 0, a.samples.Len())
	for i := 0; i < a.samples.Len(); i++ {
		samples = append(samples, a.samples.At(i))
	}
	return samples
}

func (a *Average[T]) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if a == nil {
		return nil
	}

	e.AddInt("len", a.samples.Len())
	e.AddInt("capacity", a.capacity)
	e.AddFloat64("average", float64(a.GetAverage()))
	e.AddFloat64("std", float64(a.GetStd()))
	return nil
}
