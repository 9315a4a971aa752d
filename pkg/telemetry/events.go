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

package telemetry

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

var ErrUnknownEventID = errors.New("unknown event id")

type EventID string

const (
	EventIDLog                    EventID = "log"
	EventIDSession                EventID = "session"
	EventIDStatisticsSummary      EventID = "statistics_summary"
	EventIDGraphStatistics        EventID = "graph_statistics"
	EventIDGraphNetworkStatistics EventID = "graph_network_statistics"
	EventIDHeuristicStats         EventID = "heuristic_stats"
	EventIDTracking               EventID = "tracking"
	EventIDButtons                EventID = "buttons"
	EventIDHaptics                EventID = "haptics"
)

type EventData interface {
	EventID() EventID
}

type Event struct {
	Timestamp time.Time
	Data      EventData
}

type eventJSON struct {
	Timestamp time.Time       `json:"timestamp"`
	ID        EventID         `json:"id"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) ID() EventID {
	if e.Data == nil {
		return ""
	}
	return e.Data.EventID()
}

func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, ErrUnknownEventID
	}

	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventJSON{
		Timestamp: e.Timestamp,
		ID:        e.Data.EventID(),
		Data:      data,
	})
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw eventJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var data EventData
	switch raw.ID {
	case EventIDLog:
		data = &LogEntry{}
	case EventIDSession:
		data = &SessionEvent{}
	case EventIDStatisticsSummary:
		data = &StatisticsSummary{}
	case EventIDGraphStatistics:
		data = &GraphStatistics{}
	case EventIDGraphNetworkStatistics:
		data = &GraphNetworkStatistics{}
	case EventIDHeuristicStats:
		data = &HeuristicStats{}
	case EventIDTracking:
		data = &TrackingEvent{}
	case EventIDButtons:
		data = &ButtonsEvent{}
	case EventIDHaptics:
		data = &HapticsEvent{}
	default:
		return errors.Wrapf(ErrUnknownEventID, "%q", raw.ID)
	}

	if err := json.Unmarshal(raw.Data, data); err != nil {
		return err
	}
	e.Timestamp = raw.Timestamp
	e.Data = data
	return nil
}

// ------------------------------------------------

type LogSeverity string

const (
	LogSeverityError   LogSeverity = "error"
	LogSeverityWarning LogSeverity = "warning"
	LogSeverityInfo    LogSeverity = "info"
	LogSeverityDebug   LogSeverity = "debug"
)

type LogEntry struct {
	Severity LogSeverity `json:"severity"`
	Content  string      `json:"content"`
}

func (*LogEntry) EventID() EventID { return EventIDLog }

// SessionEvent carries the active settings, keyed like the config file.
type SessionEvent struct {
	Settings map[string]any `json:"settings"`
}

func (*SessionEvent) EventID() EventID { return EventIDSession }

// ------------------------------------------------

type StatisticsSummary struct {
	VideoPacketsTotal   int     `json:"video_packets_total"`
	VideoPacketsPerSec  int     `json:"video_packets_per_sec"`
	VideoMbytesTotal    int     `json:"video_mbytes_total"`
	VideoMbitsPerSec    float64 `json:"video_mbits_per_sec"`
	VideoThroughputMbps float64 `json:"video_throughput_mbits_per_sec"`

	TotalPipelineLatencyAverageMs  float64 `json:"total_pipeline_latency_average_ms"`
	GameDelayAverageMs             float64 `json:"game_delay_average_ms"`
	ServerCompositorDelayAverageMs float64 `json:"server_compositor_delay_average_ms"`
	EncodeDelayAverageMs           float64 `json:"encode_delay_average_ms"`
	NetworkDelayAverageMs          float64 `json:"network_delay_average_ms"`
	DecodeDelayAverageMs           float64 `json:"decode_delay_average_ms"`
	DecoderQueueDelayAverageMs     float64 `json:"decoder_queue_delay_average_ms"`
	ClientCompositorAverageMs      float64 `json:"client_compositor_average_ms"`
	VsyncQueueDelayAverageMs       float64 `json:"vsync_queue_delay_average_ms"`

	PacketsDroppedTotal  int `json:"packets_dropped_total"`
	PacketsDroppedPerSec int `json:"packets_dropped_per_sec"`
	PacketsSkippedTotal  int `json:"packets_skipped_total"`
	PacketsSkippedPerSec int `json:"packets_skipped_per_sec"`

	ShardLossRate float64 `json:"shard_loss_rate"`
	FrameJitterMs float64 `json:"frame_jitter_ms"`

	ClientFPS float64 `json:"client_fps"`
	ServerFPS float64 `json:"server_fps"`

	BatteryHMD uint32 `json:"battery_hmd"`
	HMDPlugged bool   `json:"hmd_plugged"`
}

func (*StatisticsSummary) EventID() EventID { return EventIDStatisticsSummary }

// NominalBitrateStats lists every ceiling the bitrate controller applied. A nil field
// means the corresponding limiter is disabled.
type NominalBitrateStats struct {
	ScaledCalculatedBps      *float64 `json:"scaled_calculated_bps"`
	DecoderLatencyLimiterBps *float64 `json:"decoder_latency_limiter_bps"`
	NetworkLatencyLimiterBps *float64 `json:"network_latency_limiter_bps"`
	EncoderLatencyLimiterBps *float64 `json:"encoder_latency_limiter_bps"`
	ManualMaxBps             *float64 `json:"manual_max_bps"`
	ManualMinBps             *float64 `json:"manual_min_bps"`
	RequestedBps             float64  `json:"requested_bps"`
}

func Some(v float64) *float64 {
	return &v
}

type GraphStatistics struct {
	FrameIndex    int32  `json:"frame_index"`
	IsIDR         bool   `json:"is_idr"`
	FramesDropped uint32 `json:"frames_dropped"`

	TotalPipelineLatencyS float64 `json:"total_pipeline_latency_s"`
	GameTimeS             float64 `json:"game_time_s"`
	ServerCompositorS     float64 `json:"server_compositor_s"`
	EncoderS              float64 `json:"encoder_s"`
	NetworkS              float64 `json:"network_s"`
	DecoderS              float64 `json:"decoder_s"`
	DecoderQueueS         float64 `json:"decoder_queue_s"`
	ClientCompositorS     float64 `json:"client_compositor_s"`
	VsyncQueueS           float64 `json:"vsync_queue_s"`

	NominalBitrate   NominalBitrateStats `json:"nominal_bitrate"`
	ActualBitrateBps float64             `json:"actual_bitrate_bps"`
}

func (*GraphStatistics) EventID() EventID { return EventIDGraphStatistics }

type GraphNetworkStatistics struct {
	FrameIndex int32 `json:"frame_index"`

	ClientFPS float64 `json:"client_fps"`
	ServerFPS float64 `json:"server_fps"`

	FrameSpanMs          float64 `json:"frame_span_ms"`
	InterarrivalJitterMs float64 `json:"interarrival_jitter_ms"`
	OWDelayMs            float64 `json:"ow_delay_ms"`
	FilteredOWDelayMs    float64 `json:"filtered_ow_delay_ms"`
	RTTMs                float64 `json:"rtt_ms"`
	FrameInterarrivalMs  float64 `json:"frame_interarrival_ms"`
	FrameJitterMs        float64 `json:"frame_jitter_ms"`

	FramesSkipped    uint32 `json:"frames_skipped"`
	ShardsLost       int    `json:"shards_lost"`
	ShardsDuplicated uint32 `json:"shards_duplicated"`
	ShardsSent       int    `json:"shards_sent"`

	InstantNetworkThroughputBps float64 `json:"instant_network_throughput_bps"`
	PeakNetworkThroughputBps    float64 `json:"peak_network_throughput_bps"`
	IntervalAvgThroughputBps    float64 `json:"interval_avg_plot_throughput"`

	NominalBitrate NominalBitrateStats `json:"nominal_bitrate"`
}

func (*GraphNetworkStatistics) EventID() EventID { return EventIDGraphNetworkStatistics }

type HeuristicStats struct {
	FrameInterval time.Duration `json:"frame_interval"`
	Framerate     float64       `json:"framerate"`
	StepsBps      float64       `json:"steps_bps"`

	FPSHeur    float64 `json:"fps_heur"`
	RTTAvgHeur float64 `json:"rtt_avg_heur"`
	RandomProb float64 `json:"random_prob"`

	ThresholdFPS float64 `json:"threshold_fps"`
	ThresholdRTT float64 `json:"threshold_rtt"`
	ThresholdU   float64 `json:"threshold_u"`
}

func (*HeuristicStats) EventID() EventID { return EventIDHeuristicStats }

// ------------------------------------------------

type Pose struct {
	Orientation [4]float32 `json:"orientation"`
	Position    [3]float32 `json:"position"`
}

type DeviceMotion struct {
	Pose            Pose       `json:"pose"`
	LinearVelocity  [3]float32 `json:"linear_velocity"`
	AngularVelocity [3]float32 `json:"angular_velocity"`
}

type TrackingEvent struct {
	HeadMotion        *DeviceMotion    `json:"head_motion"`
	ControllerMotions [2]*DeviceMotion `json:"controller_motions"`
	EyeGazes          [2]*Pose         `json:"eye_gazes"`
}

func (*TrackingEvent) EventID() EventID { return EventIDTracking }

type ButtonValue struct {
	Binary *bool    `json:"binary,omitempty"`
	Scalar *float32 `json:"scalar,omitempty"`
}

type ButtonEvent struct {
	Path  string      `json:"path"`
	Value ButtonValue `json:"value"`
}

type ButtonsEvent []ButtonEvent

func (*ButtonsEvent) EventID() EventID { return EventIDButtons }

type HapticsEvent struct {
	Path      string        `json:"path"`
	Duration  time.Duration `json:"duration"`
	Frequency float32       `json:"frequency"`
	Amplitude float32       `json:"amplitude"`
}

func (*HapticsEvent) EventID() EventID { return EventIDHaptics }
