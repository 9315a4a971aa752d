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

package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/xrstream/pkg/streamstats/packets"
)

func TestFrame(t *testing.T) {
	base := time.Unix(100, 0)
	f := NewFrame(5 * time.Millisecond)
	require.Equal(t, packets.UnknownFrameIndex, f.FrameIndex)
	require.False(t, f.HasIndex())

	_, ok := f.At(StageFramePresent)
	require.False(t, ok)
	require.Equal(t, time.Duration(0), f.Between(StageTrackingReceived, StageFramePresent))

	require.True(t, f.Reach(StageTrackingReceived, base))
	require.True(t, f.Reach(StageFramePresent, base.Add(3*time.Millisecond)))
	require.Equal(t, 3*time.Millisecond, f.Between(StageTrackingReceived, StageFramePresent))
	// reversed order saturates
	require.Equal(t, time.Duration(0), f.Between(StageFramePresent, StageTrackingReceived))

	t.Run("stage is stamped once", func(t *testing.T) {
		require.False(t, f.Reach(StageFramePresent, base.Add(time.Second)))
		at, ok := f.At(StageFramePresent)
		require.True(t, ok)
		require.Equal(t, base.Add(3*time.Millisecond), at)
	})

	t.Run("index is assigned once", func(t *testing.T) {
		require.True(t, f.AssignIndex(7))
		require.False(t, f.AssignIndex(8))
		require.Equal(t, int32(7), f.FrameIndex)
	})

	t.Run("clone is independent", func(t *testing.T) {
		c := f.Clone()
		require.True(t, c.Reach(StageFrameComposed, base))
		require.False(t, f.Reached(StageFrameComposed))
	})
}

func TestBuffer(t *testing.T) {
	t.Run("push front evicts back", func(t *testing.T) {
		b := NewBuffer[int](3)
		for i := 0; i < 3; i++ {
			_, evicted := b.PushFront(i)
			require.False(t, evicted)
		}
		out, evicted := b.PushFront(3)
		require.True(t, evicted)
		require.Equal(t, 0, out)
		require.Equal(t, 3, b.Len())

		first, ok := b.Find(func(int) bool { return true })
		require.True(t, ok)
		require.Equal(t, 3, first)
	})

	t.Run("push back evicts front", func(t *testing.T) {
		b := NewBuffer[int](2)
		b.PushBack(1)
		b.PushBack(2)
		out, evicted := b.PushBack(3)
		require.True(t, evicted)
		require.Equal(t, 1, out)
		require.False(t, b.Contains(func(v int) bool { return v == 1 }))
	})

	t.Run("remove", func(t *testing.T) {
		b := NewBuffer[int](10)
		for i := 0; i < 6; i++ {
			b.PushBack(i)
		}

		v, ok := b.Remove(func(v int) bool { return v == 4 })
		require.True(t, ok)
		require.Equal(t, 4, v)
		_, ok = b.Remove(func(v int) bool { return v == 4 })
		require.False(t, ok)

		removed := b.RemoveAll(func(v int) bool { return v%2 == 0 })
		require.Equal(t, []int{0, 2}, removed)
		require.Equal(t, 3, b.Len())

		var rest []int
		for b.Len() > 0 {
			v, _ := b.Remove(func(int) bool { return true })
			rest = append(rest, v)
		}
		require.Equal(t, []int{1, 3, 5}, rest)
	})

	t.Run("capacity floor", func(t *testing.T) {
		require.Equal(t, 1, NewBuffer[int](0).Capacity())
	})
}
