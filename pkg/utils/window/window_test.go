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
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAverage(t *testing.T) {
	t.Run("empty window reports seed", func(t *testing.T) {
		a := NewAverage(16*time.Millisecond, 4)
		require.Equal(t, 16*time.Millisecond, a.GetAverage())
		require.Equal(t, time.Duration(0), a.GetStd())
		require.Equal(t, 0, a.Len())
	})

	t.Run("evicts oldest beyond capacity", func(t *testing.T) {
		a := NewAverage(0.0, 3)
		for _, v := range []float64{1, 2, 3, 4, 5} {
			a.SubmitSample(v)
		}
		require.Equal(t, 3, a.Len())
		require.Equal(t, []float64{3, 4, 5}, a.Samples())
		require.InDelta(t, 4.0, a.GetAverage(), 1e-9)
	})

	t.Run("std over retained samples", func(t *testing.T) {
		a := NewAverage(0.0, 8)
		for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
			a.SubmitSample(v)
		}
		require.InDelta(t, 5.0, a.GetAverage(), 1e-9)
		require.InDelta(t, 2.0, a.GetStd(), 1e-9)
	})

	t.Run("durations", func(t *testing.T) {
		a := NewAverage(time.Duration(0), 2)
		a.SubmitSample(10 * time.Millisecond)
		a.SubmitSample(20 * time.Millisecond)
		a.SubmitSample(30 * time.Millisecond)
		require.Equal(t, 25*time.Millisecond, a.GetAverage())
		require.Equal(t, 5*time.Millisecond, a.GetStd())
	})

	t.Run("mean matches retained samples for random input", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for _, capacity := range []int{1, 5, 32} {
			a := NewAverage(0.0, capacity)
			for i := 0; i < 500; i++ {
				a.SubmitSample(rng.Float64() * 1000)
				require.LessOrEqual(t, a.Len(), capacity)

				samples := a.Samples()
				sum := 0.0
				for _, s := range samples {
					sum += s
				}
				require.InDelta(t, sum/float64(len(samples)), a.GetAverage(), 1e-6)
			}
		}
	})
}

func TestAverageRetain(t *testing.T) {
	a := NewAverage(0.0, 10)
	for i := 1; i <= 8; i++ {
		a.SubmitSample(float64(i))
	}

	a.Retain(3)
	require.Equal(t, []float64{6, 7, 8}, a.Samples())
	require.InDelta(t, 7.0, a.GetAverage(), 1e-9)

	// retaining more than present keeps everything
	a.Retain(20)
	require.Equal(t, 3, a.Len())

	// evicted samples never come back
	a.SubmitSample(9)
	require.Equal(t, []float64{6, 7, 8, 9}, a.Samples())

	a.Retain(0)
	require.Equal(t, 0, a.Len())
	require.Equal(t, 0.0, a.GetAverage())
}

func TestTimely(t *testing.T) {
	t.Run("seeded values when empty", func(t *testing.T) {
		tw := NewTimely(60, 16*time.Millisecond, time.Second)
		require.Equal(t, 16*time.Millisecond, tw.GetIntervalMean())
		require.Equal(t, 60.0, tw.GetRate())
	})

	t.Run("rate over horizon", func(t *testing.T) {
		tw := NewTimely(60, 16*time.Millisecond, time.Second)
		for i := 0; i < 200; i++ {
			tw.SubmitSample(1, 10*time.Millisecond)
		}
		// only one second worth of intervals is kept
		require.Equal(t, 100, tw.Len())
		require.Equal(t, 10*time.Millisecond, tw.GetIntervalMean())
		require.InDelta(t, 100.0, tw.GetRate(), 1e-6)
	})

	t.Run("adapts to a framerate change", func(t *testing.T) {
		tw := NewTimely(60, 16*time.Millisecond, time.Second)
		for i := 0; i < 100; i++ {
			tw.SubmitSample(1, 10*time.Millisecond)
		}
		for i := 0; i < 50; i++ {
			tw.SubmitSample(1, 20*time.Millisecond)
		}
		require.Equal(t, 20*time.Millisecond, tw.GetIntervalMean())
	})

	t.Run("keeps latest sample even when longer than horizon", func(t *testing.T) {
		tw := NewTimely(60, 16*time.Millisecond, time.Second)
		tw.SubmitSample(1, 2*time.Second)
		require.Equal(t, 1, tw.Len())
		require.Equal(t, 2*time.Second, tw.GetIntervalMean())
	})
}

func TestWeighted(t *testing.T) {
	w := NewWeighted(0, 10)
	require.Equal(t, 0.0, w.GetAverage())

	// a short burst at a high rate must not dominate a long span at a lower rate
	w.SubmitSample(100, 1*time.Millisecond)
	w.SubmitSample(10, 99*time.Millisecond)
	require.InDelta(t, (100*0.001+10*0.099)/0.1, w.GetAverage(), 1e-9)

	// zero span carries no weight
	w.SubmitSample(1e9, 0)
	require.Equal(t, 2, w.Len())

	for i := 0; i < 20; i++ {
		w.SubmitSample(5, 10*time.Millisecond)
	}
	require.Equal(t, 10, w.Len())
	require.InDelta(t, 5.0, w.GetAverage(), 1e-9)

	w.Retain(2)
	require.Equal(t, 2, w.Len())
	require.InDelta(t, 5.0, w.GetAverage(), 1e-9)
}
