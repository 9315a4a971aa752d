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

package packets

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// UnknownFrameIndex marks a frame whose index has not been assigned by the transport yet.
const UnknownFrameIndex int32 = -1

// VideoStatsRx is what the receiving transport knows about a frame once its last shard
// arrived.
type VideoStatsRx struct {
	FrameIndex int32 `json:"frame_index"`

	FrameSpan         time.Duration `json:"frame_span"`
	FrameInterarrival time.Duration `json:"frame_interarrival"`

	InterarrivalJitter time.Duration `json:"interarrival_jitter"`
	JitterAvgFrame     time.Duration `json:"jitter_avg_frame"`
	OWDelay            time.Duration `json:"ow_delay"`
	FilteredOWDelay    time.Duration `json:"filtered_ow_delay"`

	RxBytes         uint32 `json:"rx_bytes"`
	BytesInFrame    uint32 `json:"bytes_in_frame"`
	BytesInFrameApp uint32 `json:"bytes_in_frame_app"`

	FramesSkipped uint32 `json:"frames_skipped"`
	FramesDropped uint32 `json:"frames_dropped"`

	RxShardCounter         uint32 `json:"rx_shard_counter"`
	DuplicatedShardCounter uint32 `json:"duplicated_shard_counter"`

	HighestRxFrameIndex int32 `json:"highest_rx_frame_index"`
	HighestRxShardIndex int32 `json:"highest_rx_shard_index"`
}

// ClientStatistics is sent by the client once per displayed frame.
type ClientStatistics struct {
	TargetTimestamp time.Duration `json:"target_timestamp"`
	FrameIndex      int32         `json:"frame_index"`

	FrameInterval        time.Duration `json:"frame_interval"`
	VideoDecode          time.Duration `json:"video_decode"`
	VideoDecoderQueue    time.Duration `json:"video_decoder_queue"`
	Rendering            time.Duration `json:"rendering"`
	VsyncQueue           time.Duration `json:"vsync_queue"`
	TotalPipelineLatency time.Duration `json:"total_pipeline_latency"`

	Rx VideoStatsRx `json:"rx"`
}

func (c *ClientStatistics) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if c == nil {
		return nil
	}

	e.AddDuration("TargetTimestamp", c.TargetTimestamp)
	e.AddInt32("FrameIndex", c.FrameIndex)
	e.AddDuration("FrameInterval", c.FrameInterval)
	e.AddDuration("VideoDecode", c.VideoDecode)
	e.AddDuration("VideoDecoderQueue", c.VideoDecoderQueue)
	e.AddDuration("Rendering", c.Rendering)
	e.AddDuration("VsyncQueue", c.VsyncQueue)
	e.AddDuration("TotalPipelineLatency", c.TotalPipelineLatency)
	e.AddUint32("RxBytes", c.Rx.RxBytes)
	e.AddUint32("FramesDropped", c.Rx.FramesDropped)
	e.AddUint32("RxShardCounter", c.Rx.RxShardCounter)
	return nil
}

// NetworkStatistics is the network half of ClientStatistics, reported to the sender for
// every frame that was received completely.
type NetworkStatistics struct {
	FrameIndex int32 `json:"frame_index"`

	HighestRxFrameIndex int32  `json:"highest_rx_frame_index"`
	HighestRxShardIndex int32  `json:"highest_rx_shard_index"`
	RxShardCounter      uint32 `json:"rx_shard_counter"`

	DuplicatedShardCounter uint32 `json:"duplicated_shard_counter"`
	FramesSkipped          uint32 `json:"frames_skipped"`

	RxBytes      uint32 `json:"rx_bytes"`
	BytesInFrame uint32 `json:"bytes_in_frame"`

	FrameSpan          time.Duration `json:"frame_span"`
	FrameInterarrival  time.Duration `json:"frame_interarrival"`
	InterarrivalJitter time.Duration `json:"interarrival_jitter"`
	OWDelay            time.Duration `json:"ow_delay"`
	FilteredOWDelay    time.Duration `json:"filtered_ow_delay"`
}

func (c *ClientStatistics) NetworkStatistics() NetworkStatistics {
	return NetworkStatistics{
		FrameIndex:             c.FrameIndex,
		HighestRxFrameIndex:    c.Rx.HighestRxFrameIndex,
		HighestRxShardIndex:    c.Rx.HighestRxShardIndex,
		RxShardCounter:         c.Rx.RxShardCounter,
		DuplicatedShardCounter: c.Rx.DuplicatedShardCounter,
		FramesSkipped:          c.Rx.FramesSkipped,
		RxBytes:                c.Rx.RxBytes,
		BytesInFrame:           c.Rx.BytesInFrame,
		FrameSpan:              c.Rx.FrameSpan,
		FrameInterarrival:      c.Rx.FrameInterarrival,
		InterarrivalJitter:     c.Rx.InterarrivalJitter,
		OWDelay:                c.Rx.OWDelay,
		FilteredOWDelay:        c.Rx.FilteredOWDelay,
	}
}
