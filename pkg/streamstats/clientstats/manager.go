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

package clientstats

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/streamstats/history"
	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/utils"
	"github.com/livekit/xrstream/pkg/utils/window"
)

type Params struct {
	MaxHistorySize       int
	NominalFrameInterval time.Duration
	PipelineFrames       float64

	Clock  clock.Clock
	Sink   telemetry.Sink
	Logger logger.Logger
}

type record struct {
	*history.Frame
	stats packets.ClientStatistics
}

func newRecord(targetTimestamp time.Duration) *record {
	return &record{
		Frame: history.NewFrame(targetTimestamp),
		stats: packets.ClientStatistics{
			TargetTimestamp: targetTimestamp,
			FrameIndex:      packets.UnknownFrameIndex,
		},
	}
}

func (r *record) clone() *record {
	return &record{
		Frame: r.Frame.Clone(),
		stats: r.stats,
	}
}

// ------------------------------------------------

// Manager tracks frames on the receiving side and builds the per frame ClientStatistics
// report. It is not safe for concurrent use.
type Manager struct {
	params Params

	intake *history.Buffer[*record]
	stats  *history.Buffer[*record]

	prevVsync                   time.Time
	totalPipelineLatencyAverage *window.Average[time.Duration]
	steamvrPipelineLatency      time.Duration
}

func NewManager(params Params) *Manager {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Sink == nil {
		params.Sink = telemetry.NullSink
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	return &Manager{
		params:                      params,
		intake:                      history.NewBuffer[*record](params.MaxHistorySize),
		stats:                       history.NewBuffer[*record](params.MaxHistorySize),
		prevVsync:                   params.Clock.Now(),
		totalPipelineLatencyAverage: window.NewAverage(time.Duration(0), params.MaxHistorySize),
		steamvrPipelineLatency:      utils.FramesDuration(params.PipelineFrames, params.NominalFrameInterval),
	}
}

func byTimestamp(ts time.Duration) func(*record) bool {
	return func(r *record) bool {
		return r.TargetTimestamp == ts
	}
}

func pendingStage(ts time.Duration, stage history.Stage) func(*record) bool {
	return func(r *record) bool {
		return r.TargetTimestamp == ts && !r.Reached(stage)
	}
}

func (m *Manager) ReportInputAcquired(targetTimestamp time.Duration) {
	if m.intake.Contains(byTimestamp(targetTimestamp)) {
		return
	}

	r := newRecord(targetTimestamp)
	r.Reach(history.StageInputAcquired, m.params.Clock.Now())
	m.intake.PushFront(r)
}

func (m *Manager) ReportVideoPacketReceived(targetTimestamp time.Duration) {
	r, ok := m.intake.Find(pendingStage(targetTimestamp, history.StageVideoPacketReceived))
	if !ok {
		return
	}

	r.Reach(history.StageVideoPacketReceived, m.params.Clock.Now())
	m.stats.PushBack(r.clone())
}

// ReportVideoStatistics attaches what the transport measured while receiving the frame.
// Only the first report for a frame is kept.
func (m *Manager) ReportVideoStatistics(targetTimestamp time.Duration, rx packets.VideoStatsRx) {
	r, ok := m.stats.Find(func(r *record) bool {
		return r.TargetTimestamp == targetTimestamp && !r.HasIndex()
	})
	if !ok {
		return
	}

	r.AssignIndex(rx.FrameIndex)
	r.stats.FrameIndex = rx.FrameIndex
	r.stats.Rx = rx
}

func (m *Manager) ReportVideoPacketDropped(frameIndex int32) {
	if frameIndex == packets.UnknownFrameIndex {
		return
	}
	if _, ok := m.stats.Remove(func(r *record) bool { return r.FrameIndex == frameIndex }); ok {
		m.params.Logger.Debugw("video packet dropped", "frameIndex", frameIndex)
	}
}

func (m *Manager) ReportFrameDecoded(targetTimestamp time.Duration) {
	r, ok := m.stats.Find(pendingStage(targetTimestamp, history.StageFrameDecoded))
	if !ok {
		return
	}

	r.Reach(history.StageFrameDecoded, m.params.Clock.Now())
	r.stats.VideoDecode = r.Between(history.StageVideoPacketReceived, history.StageFrameDecoded)
}

func (m *Manager) ReportCompositorStart(targetTimestamp time.Duration) {
	r, ok := m.stats.Find(pendingStage(targetTimestamp, history.StageCompositorStart))
	if !ok {
		return
	}

	now := m.params.Clock.Now()
	r.Reach(history.StageCompositorStart, now)

	received, _ := r.At(history.StageVideoPacketReceived)
	r.stats.VideoDecoderQueue = utils.SaturatingSince(now, received.Add(r.stats.VideoDecode))
}

// ReportSubmit closes the frame. vsyncQueue is the time from submission to the next
// vsync, as reported by the runtime.
func (m *Manager) ReportSubmit(targetTimestamp time.Duration, vsyncQueue time.Duration) {
	r, ok := m.stats.Find(pendingStage(targetTimestamp, history.StageSubmitted))
	if !ok {
		return
	}

	now := m.params.Clock.Now()
	r.Reach(history.StageSubmitted, now)

	received, _ := r.At(history.StageVideoPacketReceived)
	r.stats.Rendering = utils.SaturatingSince(now, received.Add(r.stats.VideoDecode+r.stats.VideoDecoderQueue))
	r.stats.VsyncQueue = vsyncQueue

	inputAcquired, _ := r.At(history.StageInputAcquired)
	r.stats.TotalPipelineLatency = utils.SaturatingSince(now, inputAcquired) + vsyncQueue
	m.totalPipelineLatencyAverage.SubmitSample(r.stats.TotalPipelineLatency)

	vsync := now.Add(vsyncQueue)
	r.stats.FrameInterval = utils.SaturatingSince(vsync, m.prevVsync)
	m.prevVsync = vsync
}

// Summary takes the frame's statistics out of the history. Older frames still waiting
// were dropped after decoding, their network counters are folded into the result and
// each of them counts as one more dropped frame.
func (m *Manager) Summary(targetTimestamp time.Duration) (packets.ClientStatistics, bool) {
	r, ok := m.stats.Remove(byTimestamp(targetTimestamp))
	if !ok {
		return packets.ClientStatistics{}, false
	}

	summary := r.stats
	for _, dropped := range m.stats.RemoveAll(func(o *record) bool {
		return o.TargetTimestamp < targetTimestamp
	}) {
		summary.Rx.FrameInterarrival += dropped.stats.Rx.FrameInterarrival
		summary.Rx.RxBytes += dropped.stats.Rx.RxBytes
		summary.Rx.DuplicatedShardCounter += dropped.stats.Rx.DuplicatedShardCounter
		summary.Rx.RxShardCounter += dropped.stats.Rx.RxShardCounter
		summary.Rx.FramesSkipped += dropped.stats.Rx.FramesSkipped
		summary.Rx.FramesDropped += dropped.stats.Rx.FramesDropped + 1

		m.params.Logger.Warnw(
			"dropped video packet", nil,
			"frameIndex", dropped.stats.FrameIndex,
			"reason", "maximum decoded frames buffering achieved",
		)
		m.params.Sink.SendEvent(telemetry.NewEvent(m.params.Clock.Now(), &telemetry.LogEntry{
			Severity: telemetry.LogSeverityWarning,
			Content: fmt.Sprintf(
				"Dropped video packet %d. Reason: maximum decoded frames buffering achieved",
				dropped.stats.FrameIndex,
			),
		}))
	}

	return summary, true
}

// AverageTotalPipelineLatency is the latency used for head pose prediction.
func (m *Manager) AverageTotalPipelineLatency() time.Duration {
	return m.totalPipelineLatencyAverage.GetAverage()
}

// TrackerPredictionOffset is the latency used for controller and tracker pose prediction.
func (m *Manager) TrackerPredictionOffset() time.Duration {
	return utils.SaturatingSub(m.totalPipelineLatencyAverage.GetAverage(), m.steamvrPipelineLatency)
}

func (m *Manager) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if m == nil {
		return nil
	}

	e.AddInt("intakeFrames", m.intake.Len())
	e.AddInt("statsFrames", m.stats.Len())
	e.AddDuration("totalPipelineLatencyAverage", m.totalPipelineLatencyAverage.GetAverage())
	e.AddDuration("trackerPredictionOffset", m.TrackerPredictionOffset())
	return nil
}
