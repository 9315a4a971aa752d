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
	"math"
	"time"
)

// SaturatingSub returns a-b, or zero when b >= a.
func SaturatingSub(a, b time.Duration) time.Duration {
	if a <= b {
		return 0
	}
	return a - b
}

// SaturatingSince returns later-earlier, or zero when earlier is not before later.
func SaturatingSince(later, earlier time.Time) time.Duration {
	if d := later.Sub(earlier); d > 0 {
		return d
	}
	return 0
}

func DurationFromSeconds(seconds float64) time.Duration {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0
	}
	if seconds >= math.MaxInt64/float64(time.Second) {
		return math.MaxInt64
	}
	return time.Duration(seconds * float64(time.Second))
}

// FrameInterval converts a framerate into a frame interval.
func FrameInterval(framerate float64) time.Duration {
	if framerate <= 0 {
		return 0
	}
	return DurationFromSeconds(1 / framerate)
}

// FramesDuration is how long a number of frames, possibly fractional, lasts.
func FramesDuration(frames float64, frameInterval time.Duration) time.Duration {
	return max(time.Duration(frames*float64(frameInterval)), 0)
}

// Framerate inverts a frame interval, never dropping below 1 Hz.
func Framerate(interval time.Duration) float64 {
	seconds := interval.Seconds()
	if seconds > 1 || seconds <= 0 {
		seconds = 1
	}
	return 1 / seconds
}

// PerSecond inverts an interval with a 1 ms floor so sub-millisecond intervals do not explode.
func PerSecond(interval time.Duration) float64 {
	return 1 / max(interval, time.Millisecond).Seconds()
}

func Milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
