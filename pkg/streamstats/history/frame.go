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
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/utils"
)

type Stage int

const (
	StageTrackingReceived Stage = iota
	StageFramePresent
	StageFrameComposed
	StageFrameEncoded
	StageVideoPacketReceived
	StageFrameDecoded
	StageCompositorStart
	StageSubmitted
	// the client's statistics for the frame reached the sending side
	StageStatisticsReported

	numStages
)

// StageInputAcquired is the receiving side's name for the tracking stage.
const StageInputAcquired = StageTrackingReceived

func (s Stage) String() string {
	switch s {
	case StageTrackingReceived:
		return "TRACKING_RECEIVED"
	case StageFramePresent:
		return "FRAME_PRESENT"
	case StageFrameComposed:
		return "FRAME_COMPOSED"
	case StageFrameEncoded:
		return "FRAME_ENCODED"
	case StageVideoPacketReceived:
		return "VIDEO_PACKET_RECEIVED"
	case StageFrameDecoded:
		return "FRAME_DECODED"
	case StageCompositorStart:
		return "COMPOSITOR_START"
	case StageSubmitted:
		return "SUBMITTED"
	case StageStatisticsReported:
		return "STATISTICS_REPORTED"
	default:
		return "UNKNOWN"
	}
}

// ------------------------------------------------

// Frame tracks one frame through the pipeline. A stage time is only meaningful once the
// stage has been reached, and a stage is reached at most once.
type Frame struct {
	TargetTimestamp time.Duration
	FrameIndex      int32
	IsIDR           bool
	PacketBytes     int

	at      [numStages]time.Time
	reached [numStages]bool
}

func NewFrame(targetTimestamp time.Duration) *Frame {
	return &Frame{
		TargetTimestamp: targetTimestamp,
		FrameIndex:      packets.UnknownFrameIndex,
	}
}

// Reach records the stage at the given time. It returns false, leaving the frame
// untouched, when the stage was already reached.
func (f *Frame) Reach(stage Stage, at time.Time) bool {
	if f.reached[stage] {
		return false
	}

	f.at[stage] = at
	f.reached[stage] = true
	return true
}

func (f *Frame) Reached(stage Stage) bool {
	return f.reached[stage]
}

func (f *Frame) At(stage Stage) (time.Time, bool) {
	return f.at[stage], f.reached[stage]
}

// Between returns the time spent from one stage to another, zero unless both were reached.
func (f *Frame) Between(from, to Stage) time.Duration {
	if !f.reached[from] || !f.reached[to] {
		return 0
	}
	return utils.SaturatingSince(f.at[to], f.at[from])
}

func (f *Frame) HasIndex() bool {
	return f.FrameIndex != packets.UnknownFrameIndex
}

// AssignIndex sets the frame index once.
func (f *Frame) AssignIndex(index int32) bool {
	if f.HasIndex() {
		return false
	}
	f.FrameIndex = index
	return true
}

func (f *Frame) Clone() *Frame {
	c := *f
	return &c
}

func (f *Frame) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if f == nil {
		return nil
	}

	e.AddDuration("TargetTimestamp", f.TargetTimestamp)
	e.AddInt32("FrameIndex", f.FrameIndex)
	e.AddBool("IsIDR", f.IsIDR)
	e.AddInt("PacketBytes", f.PacketBytes)
	for stage := StageTrackingReceived; stage < numStages; stage++ {
		if f.reached[stage] {
			e.AddTime(stage.String(), f.at[stage])
		}
	}
	return nil
}
