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

package shardloss

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/livekit/xrstream/pkg/utils/window"
)

const (
	DefaultThroughputRefreshInterval = time.Second
)

type ThroughputSample struct {
	// bytes in frame over the time its shards took to arrive
	PeakBps float64
	// bytes received over the time since the previous frame arrived
	InstantBps float64
	// interarrival weighted average of InstantBps, refreshed once per interval
	SmoothedBps float64
}

type ThroughputParams struct {
	HistorySize     int
	RefreshInterval time.Duration
	Clock           clock.Clock
}

type Throughput struct {
	params ThroughputParams

	weighted    *window.Weighted
	lastRefresh time.Time
	smoothed    float64
}

func NewThroughput(params ThroughputParams) *Throughput {
	if params.RefreshInterval <= 0 {
		params.RefreshInterval = DefaultThroughputRefreshInterval
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	return &Throughput{
		params:      params,
		weighted:    window.NewWeighted(0, params.HistorySize),
		lastRefresh: params.Clock.Now(),
	}
}

func (t *Throughput) Update(bytesInFrame, rxBytes uint32, frameSpan, interarrival time.Duration) ThroughputSample {
	sample := ThroughputSample{
		PeakBps:    bitsPerSecond(bytesInFrame, frameSpan),
		InstantBps: bitsPerSecond(rxBytes, interarrival),
	}

	t.weighted.SubmitSample(sample.InstantBps, interarrival)

	now := t.params.Clock.Now()
	if now.Sub(t.lastRefresh) >= t.params.RefreshInterval {
		t.lastRefresh = now
		t.smoothed = t.weighted.GetAverage()
	}
	sample.SmoothedBps = t.smoothed
	return sample
}

func bitsPerSecond(bytes uint32, over time.Duration) float64 {
	if over <= 0 {
		return 0
	}
	return float64(bytes) * 8 / over.Seconds()
}
