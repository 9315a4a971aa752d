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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestEstimator(t *testing.T) {
	t.Run("same frame shard advance", func(t *testing.T) {
		e := NewEstimator()
		e.FrameSent(0, 10)

		require.Equal(t, Estimate{Sent: 4, Lost: 0}, e.Update(0, 3, 4))
		require.Equal(t, Estimate{Sent: 4, Lost: 1}, e.Update(0, 7, 3))
		// nothing new
		require.Equal(t, Estimate{Sent: 0, Lost: 0}, e.Update(0, 7, 0))
	})

	t.Run("frame advance with known intermediate frames", func(t *testing.T) {
		e := NewEstimator()
		e.FrameSent(0, 10)
		e.FrameSent(1, 5)
		e.FrameSent(2, 6)
		e.FrameSent(3, 8)

		require.Equal(t, 4, e.Update(0, 3, 4).Sent)

		// 6 left in frame 0, 5+6 in frames 1 and 2, 3 in frame 3
		estimate := e.Update(3, 2, 18)
		require.Equal(t, Estimate{Sent: 20, Lost: 2}, estimate)

		// frames below the highest one are forgotten
		require.Equal(t, 1, e.NumTrackedFrames())

		sent, lost := e.Totals()
		require.Equal(t, int64(24), sent)
		require.Equal(t, int64(2), lost)
	})

	t.Run("frame advance with unknown previous frame", func(t *testing.T) {
		e := NewEstimator()
		e.FrameSent(1, 5)
		e.FrameSent(2, 4)

		require.Equal(t, Estimate{Sent: 7, Lost: 0}, e.Update(2, 1, 7))
	})

	t.Run("regress sends nothing", func(t *testing.T) {
		e := NewEstimator()
		e.FrameSent(4, 3)
		e.FrameSent(5, 3)
		e.Update(5, 1, 2)

		estimate := e.Update(4, 2, 1)
		require.Equal(t, Estimate{Sent: 0, Lost: -1}, estimate)

		// the previous position follows the report even when it regressed
		require.Equal(t, 2, e.Update(4, 4, 2).Sent)
	})
}

func TestThroughput(t *testing.T) {
	mockClock := clock.NewMock()
	tp := NewThroughput(ThroughputParams{
		HistorySize: 16,
		Clock:       mockClock,
	})

	sample := tp.Update(1000, 500, time.Millisecond, 10*time.Millisecond)
	require.InDelta(t, 8e6, sample.PeakBps, 1e-3)
	require.InDelta(t, 4e5, sample.InstantBps, 1e-3)
	require.Equal(t, 0.0, sample.SmoothedBps)

	mockClock.Add(time.Second)
	sample = tp.Update(0, 2000, 0, 20*time.Millisecond)
	require.Equal(t, 0.0, sample.PeakBps)
	require.InDelta(t, 8e5, sample.InstantBps, 1e-3)
	require.InDelta(t, 20000.0/0.03, sample.SmoothedBps, 1e-3)

	// held until the next refresh
	sample = tp.Update(0, 0, 0, 10*time.Millisecond)
	require.InDelta(t, 20000.0/0.03, sample.SmoothedBps, 1e-3)

	// no interarrival, no throughput
	require.Equal(t, 0.0, tp.Update(100, 100, 0, 0).InstantBps)
}
