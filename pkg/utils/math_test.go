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

package utils

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSaturatingSince(t *testing.T) {
	base := time.Now()
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		a := base.Add(time.Duration(rng.Int63n(int64(time.Second))))
		b := a.Add(time.Duration(rng.Int63n(int64(time.Second))))
		// a is never after b
		require.Equal(t, time.Duration(0), SaturatingSince(a, b))
		require.Equal(t, b.Sub(a), SaturatingSince(b, a))
	}
}

func TestSaturatingSub(t *testing.T) {
	require.Equal(t, time.Duration(0), SaturatingSub(time.Millisecond, 2*time.Millisecond))
	require.Equal(t, time.Duration(0), SaturatingSub(time.Millisecond, time.Millisecond))
	require.Equal(t, time.Millisecond, SaturatingSub(2*time.Millisecond, time.Millisecond))
}

func TestFramerate(t *testing.T) {
	require.InDelta(t, 90.0, Framerate(FrameInterval(90)), 1e-6)
	// floored at 1 Hz
	require.Equal(t, 1.0, Framerate(3*time.Second))
	require.Equal(t, 1.0, Framerate(0))
	require.Equal(t, time.Duration(0), FrameInterval(0))

	require.Equal(t, 1000.0, PerSecond(0))
	require.InDelta(t, 50.0, PerSecond(20*time.Millisecond), 1e-9)
}

func TestFramesDuration(t *testing.T) {
	require.Equal(t, 15*time.Millisecond, FramesDuration(1.5, 10*time.Millisecond))
	require.Equal(t, time.Duration(0), FramesDuration(-1, 10*time.Millisecond))
}
