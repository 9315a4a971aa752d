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

type timelySample struct {
	value    float64
	interval time.Duration
}

// Timely estimates a per-second rate from samples arriving at irregular intervals.
// Samples are kept while their accumulated intervals fit inside the horizon, so the
// window spans a fixed amount of time rather than a fixed number of samples. The most
// recent sample is always kept.
type Timely struct {
	initialRate     float64
	initialInterval time.Duration
	horizon         time.Duration

	samples     deque.Deque[timelySample]
	sumValue    float64
	sumInterval time.Duration
}

func NewTimely(initialRate float64, initialInterval time.Duration, horizon time.Duration) *Timely {
	return &Timely{
		initialRate:     initialRate,
		initialInterval: initialInterval,
		horizon:         horizon,
	}
}

func (t *Timely) SubmitSample(value float64, interval time.Duration) {
	if interval < 0 {
		interval = 0
	}

	t.samples.PushBack(timelySample{value: value, interval: interval})
	t.sumValue += value
	t.sumInterval += interval

	for t.samples.Len() > 1 && t.sumInterval > t.horizon {
		evicted := t.samples.PopFront()
		t.sumValue -= evicted.value
		t.sumInterval -= evicted.interval
	}
}

// GetIntervalMean returns the mean interval between samples.
func (t *Timely) GetIntervalMean() time.Duration {
	if t.samples.Len() == 0 {
		return t.initialInterval
	}

	return t.sumInterval / time.Duration(t.samples.Len())
}

// GetRate returns accumulated value per second over the window.
func (t *Timely) GetRate() float64 {
	if t.samples.Len() == 0 || t.sumInterval <= 0 {
		return t.initialRate
	}

	return t.sumValue / t.sumInterval.Seconds()
}

func (t *Timely) Len() int {
	return t.samples.Len()
}
