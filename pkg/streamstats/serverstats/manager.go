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

package serverstats

import (
	"hash/fnv"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/streamstats/history"
	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/streamstats/shardloss"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/utils"
	"github.com/livekit/xrstream/pkg/utils/window"
)

const (
	initialFrameInterval = 16 * time.Millisecond
	// used in place of the first interarrival, there is no previous frame to measure against
	firstFrameInterarrival = 11 * time.Millisecond

	framesMovingInitialRate     = 60
	framesMovingInitialInterval = 16 * time.Millisecond
	framesMovingHorizon         = time.Second

	DefaultMaxBatteryDevices = 16
)

// HeadDeviceID identifies the headset in battery reports.
var HeadDeviceID = DeviceID("/user/head")

// DeviceID hashes a device path into the id used by ReportBattery.
func DeviceID(path string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(path))
	return h.Sum64()
}

type Params struct {
	MaxHistorySize       int
	NominalFrameInterval time.Duration
	// compositor pipeline depth in frames
	PipelineFrames    float64
	SummaryInterval   time.Duration
	MaxBatteryDevices int

	Clock  clock.Clock
	Sink   telemetry.Sink
	Logger logger.Logger
}

type batteryState struct {
	gauge   float32
	plugged bool
}

type latencyWindows struct {
	totalPipeline    *window.Average[time.Duration]
	game             *window.Average[time.Duration]
	serverCompositor *window.Average[time.Duration]
	encode           *window.Average[time.Duration]
	network          *window.Average[time.Duration]
	decode           *window.Average[time.Duration]
	decoderQueue     *window.Average[time.Duration]
	clientCompositor *window.Average[time.Duration]
	vsyncQueue       *window.Average[time.Duration]
}

func newLatencyWindows(size int) latencyWindows {
	return latencyWindows{
		totalPipeline:    window.NewAverage(time.Duration(0), size),
		game:             window.NewAverage(time.Duration(0), size),
		serverCompositor: window.NewAverage(time.Duration(0), size),
		encode:           window.NewAverage(time.Duration(0), size),
		network:          window.NewAverage(time.Duration(0), size),
		decode:           window.NewAverage(time.Duration(0), size),
		decoderQueue:     window.NewAverage(time.Duration(0), size),
		clientCompositor: window.NewAverage(time.Duration(0), size),
		vsyncQueue:       window.NewAverage(time.Duration(0), size),
	}
}

type counter struct {
	total   int
	partial int
}

func (c *counter) add(n int) {
	c.total += n
	c.partial += n
}

// Manager tracks frames on the sending side, from tracking reception to the client's
// per frame report, and publishes the derived statistics. It is not safe for concurrent use.
type Manager struct {
	params Params

	// frames by target timestamp, newest at the front
	intake *history.Buffer[*history.Frame]
	// presented frames, oldest at the front
	stats *history.Buffer[*history.Frame]

	lastSummary        time.Time
	lastNominalBitrate telemetry.NominalBitrateStats
	lastFramePresent   time.Time
	lastVsync          time.Time

	videoPackets   counter
	videoBytes     counter
	packetsDropped counter
	packetsSkipped counter

	shardsSentPartial   int
	shardsLostPartial   int
	rxBytesPartial      uint64
	interarrivalPartial time.Duration

	batteries              *lru.Cache[uint64, batteryState]
	steamvrPipelineLatency time.Duration

	latencies                  latencyWindows
	frameIntervalAverage       *window.Average[time.Duration]
	clientFrameIntervalAverage *window.Average[time.Duration]
	frameInterarrivalAverage   *window.Average[time.Duration]
	serverFramesMoving         *window.Timely
	clientFramesMoving         *window.Timely

	shardLoss     *shardloss.Estimator
	throughput    *shardloss.Throughput
	isFirstReport bool
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
	if params.SummaryInterval <= 0 {
		params.SummaryInterval = config.StatisticsSummaryInterval
	}
	if params.MaxBatteryDevices <= 0 {
		params.MaxBatteryDevices = DefaultMaxBatteryDevices
	}

	// only fails on a non-positive size
	batteries, _ := lru.New[uint64, batteryState](params.MaxBatteryDevices)

	now := params.Clock.Now()
	size := params.MaxHistorySize
	return &Manager{
		params:           params,
		intake:           history.NewBuffer[*history.Frame](size),
		stats:            history.NewBuffer[*history.Frame](size),
		lastSummary:      now,
		lastFramePresent: now,
		lastVsync:        now,
		batteries:        batteries,

		steamvrPipelineLatency:     utils.FramesDuration(params.PipelineFrames, params.NominalFrameInterval),
		latencies:                  newLatencyWindows(size),
		frameIntervalAverage:       window.NewAverage(initialFrameInterval, size),
		clientFrameIntervalAverage: window.NewAverage(initialFrameInterval, size),
		frameInterarrivalAverage:   window.NewAverage(time.Duration(0), size),
		serverFramesMoving:         window.NewTimely(framesMovingInitialRate, framesMovingInitialInterval, framesMovingHorizon),
		clientFramesMoving:         window.NewTimely(framesMovingInitialRate, framesMovingInitialInterval, framesMovingHorizon),
		shardLoss:                  shardloss.NewEstimator(),
		throughput: shardloss.NewThroughput(shardloss.ThroughputParams{
			HistorySize: size,
			Clock:       params.Clock,
		}),
		isFirstReport: true,
	}
}

func byTimestamp(ts time.Duration) func(*history.Frame) bool {
	return func(f *history.Frame) bool {
		return f.TargetTimestamp == ts
	}
}

func pendingStage(ts time.Duration, stage history.Stage) func(*history.Frame) bool {
	return func(f *history.Frame) bool {
		return f.TargetTimestamp == ts && !f.Reached(stage)
	}
}

func byIndex(index int32) func(*history.Frame) bool {
	return func(f *history.Frame) bool {
		return f.FrameIndex == index
	}
}

func pendingIndex(index int32, stage history.Stage) func(*history.Frame) bool {
	return func(f *history.Frame) bool {
		return f.FrameIndex == index && !f.Reached(stage)
	}
}

func (m *Manager) ReportTrackingReceived(targetTimestamp time.Duration) {
	if m.intake.Contains(byTimestamp(targetTimestamp)) {
		return
	}

	frame := history.NewFrame(targetTimestamp)
	frame.Reach(history.StageTrackingReceived, m.params.Clock.Now())
	m.intake.PushFront(frame)
}

// ReportFramePresent stamps a frame as presented offset before now and moves a copy into
// the stats buffer.
func (m *Manager) ReportFramePresent(targetTimestamp time.Duration, offset time.Duration) {
	frame, ok := m.intake.Find(byTimestamp(targetTimestamp))
	if !ok {
		return
	}

	now := m.params.Clock.Now().Add(-offset)
	if !frame.Reach(history.StageFramePresent, now) {
		return
	}

	interval := utils.SaturatingSince(now, m.lastFramePresent)
	m.lastFramePresent = now

	m.frameIntervalAverage.SubmitSample(interval)
	m.serverFramesMoving.SubmitSample(1, interval)

	m.stats.PushBack(frame.Clone())
}

func (m *Manager) ReportFrameComposed(targetTimestamp time.Duration, offset time.Duration) {
	frame, ok := m.stats.Find(pendingStage(targetTimestamp, history.StageFrameComposed))
	if !ok {
		return
	}

	frame.Reach(history.StageFrameComposed, m.params.Clock.Now().Add(-offset))
}

// ReportFrameEncoded returns the encoder latency of the frame, zero when it is not tracked.
// The video packet and byte counters include every encoded frame, tracked or not.
func (m *Manager) ReportFrameEncoded(targetTimestamp time.Duration, bytes int, isIDR bool) time.Duration {
	m.videoPackets.add(1)
	m.videoBytes.add(bytes)

	frame, ok := m.stats.Find(pendingStage(targetTimestamp, history.StageFrameEncoded))
	if !ok {
		return 0
	}

	frame.IsIDR = isIDR
	frame.PacketBytes = bytes
	frame.Reach(history.StageFrameEncoded, m.params.Clock.Now())

	return frame.Between(history.StageFrameComposed, history.StageFrameEncoded)
}

// ReportFrameSent assigns the transport's frame index and remembers how many shards the
// frame was split into.
func (m *Manager) ReportFrameSent(targetTimestamp time.Duration, frameIndex int32, shards int) {
	if frame, ok := m.stats.Find(func(f *history.Frame) bool {
		return f.TargetTimestamp == targetTimestamp && !f.HasIndex()
	}); ok {
		frame.AssignIndex(frameIndex)
	}

	m.shardLoss.FrameSent(frameIndex, shards)
}

// ReportDropped counts a video packet the transport gave up on. A known frame index also
// forgets the frame.
func (m *Manager) ReportDropped(frameIndex int32) {
	m.packetsDropped.add(1)

	if frameIndex == packets.UnknownFrameIndex {
		return
	}
	m.stats.Remove(byIndex(frameIndex))
}

func (m *Manager) ReportBattery(deviceID uint64, gauge float32, plugged bool) {
	m.batteries.Add(deviceID, batteryState{gauge: gauge, plugged: plugged})
}

func (m *Manager) ReportNominalBitrateStats(stats telemetry.NominalBitrateStats) {
	m.lastNominalBitrate = stats
}

// ReportNetworkStatistics consumes the network report of a frame that was received
// completely. It returns the peak throughput and the frame interarrival to feed the
// bitrate controller with.
func (m *Manager) ReportNetworkStatistics(ns packets.NetworkStatistics, rtt time.Duration) (float64, time.Duration) {
	m.packetsSkipped.add(int(ns.FramesSkipped))
	m.rxBytesPartial += uint64(ns.RxBytes)
	m.interarrivalPartial += ns.FrameInterarrival

	interarrival := ns.FrameInterarrival
	if m.isFirstReport {
		interarrival = firstFrameInterarrival
		m.isFirstReport = false
	} else {
		m.frameInterarrivalAverage.SubmitSample(interarrival)
	}

	throughput := m.throughput.Update(ns.BytesInFrame, ns.RxBytes, ns.FrameSpan, ns.FrameInterarrival)

	estimate := m.shardLoss.Update(ns.HighestRxFrameIndex, ns.HighestRxShardIndex, ns.RxShardCounter)
	m.shardsSentPartial += estimate.Sent
	m.shardsLostPartial += estimate.Lost

	m.send(&telemetry.GraphNetworkStatistics{
		FrameIndex:                  ns.FrameIndex,
		ClientFPS:                   utils.PerSecond(m.clientFramesMoving.GetIntervalMean()),
		ServerFPS:                   utils.PerSecond(m.serverFramesMoving.GetIntervalMean()),
		FrameSpanMs:                 utils.Milliseconds(ns.FrameSpan),
		InterarrivalJitterMs:        utils.Milliseconds(ns.InterarrivalJitter),
		OWDelayMs:                   utils.Milliseconds(ns.OWDelay),
		FilteredOWDelayMs:           utils.Milliseconds(ns.FilteredOWDelay),
		RTTMs:                       utils.Milliseconds(rtt),
		FrameInterarrivalMs:         utils.Milliseconds(ns.FrameInterarrival),
		FrameJitterMs:               utils.Milliseconds(m.frameInterarrivalAverage.GetStd()),
		FramesSkipped:               ns.FramesSkipped,
		ShardsLost:                  estimate.Lost,
		ShardsDuplicated:            ns.DuplicatedShardCounter,
		ShardsSent:                  estimate.Sent,
		InstantNetworkThroughputBps: throughput.InstantBps,
		PeakNetworkThroughputBps:    throughput.PeakBps,
		IntervalAvgThroughputBps:    throughput.SmoothedBps,
		NominalBitrate:              m.lastNominalBitrate,
	})

	return throughput.PeakBps, interarrival
}

// ReportStatistics consumes the client's report of a displayed frame and returns the
// network latency of that frame, zero when the frame is not tracked or was already reported.
func (m *Manager) ReportStatistics(cs packets.ClientStatistics) time.Duration {
	if cs.FrameIndex == packets.UnknownFrameIndex {
		return 0
	}
	frame, ok := m.stats.Find(pendingIndex(cs.FrameIndex, history.StageStatisticsReported))
	if !ok {
		return 0
	}
	frame.Reach(history.StageStatisticsReported, m.params.Clock.Now())

	m.packetsDropped.add(int(cs.Rx.FramesDropped))

	m.clientFrameIntervalAverage.SubmitSample(cs.FrameInterval)
	m.clientFramesMoving.SubmitSample(1, cs.FrameInterval)

	game := frame.Between(history.StageTrackingReceived, history.StageFramePresent)
	serverCompositor := frame.Between(history.StageFramePresent, history.StageFrameComposed)
	encoder := frame.Between(history.StageFrameComposed, history.StageFrameEncoded)

	// what is left of the total once every measured stage is accounted for, it includes
	// the tracking packet transport and the spread of the video shards
	network := utils.SaturatingSub(
		cs.TotalPipelineLatency,
		game+serverCompositor+encoder+cs.VideoDecode+cs.VideoDecoderQueue+cs.Rendering+cs.VsyncQueue,
	)

	m.latencies.totalPipeline.SubmitSample(cs.TotalPipelineLatency)
	m.latencies.game.SubmitSample(game)
	m.latencies.serverCompositor.SubmitSample(serverCompositor)
	m.latencies.encode.SubmitSample(encoder)
	m.latencies.network.SubmitSample(network)
	m.latencies.decode.SubmitSample(cs.VideoDecode)
	m.latencies.decoderQueue.SubmitSample(cs.VideoDecoderQueue)
	m.latencies.clientCompositor.SubmitSample(cs.Rendering)
	m.latencies.vsyncQueue.SubmitSample(cs.VsyncQueue)

	actualBitrateBps := 0.0
	if network > 0 {
		actualBitrateBps = float64(frame.PacketBytes) * 8 / network.Seconds()
	}

	m.send(&telemetry.GraphStatistics{
		FrameIndex:            cs.FrameIndex,
		IsIDR:                 frame.IsIDR,
		FramesDropped:         cs.Rx.FramesDropped,
		TotalPipelineLatencyS: cs.TotalPipelineLatency.Seconds(),
		GameTimeS:             game.Seconds(),
		ServerCompositorS:     serverCompositor.Seconds(),
		EncoderS:              encoder.Seconds(),
		NetworkS:              network.Seconds(),
		DecoderS:              cs.VideoDecode.Seconds(),
		DecoderQueueS:         cs.VideoDecoderQueue.Seconds(),
		ClientCompositorS:     cs.Rendering.Seconds(),
		VsyncQueueS:           cs.VsyncQueue.Seconds(),
		NominalBitrate:        m.lastNominalBitrate,
		ActualBitrateBps:      actualBitrateBps,
	})

	m.ReportStatisticsSummary()

	return network
}

// ReportStatisticsSummary publishes a StatisticsSummary and resets the per interval
// counters once the summary interval has elapsed.
func (m *Manager) ReportStatisticsSummary() {
	now := m.params.Clock.Now()
	if !now.After(m.lastSummary.Add(m.params.SummaryInterval)) {
		return
	}

	intervalS := now.Sub(m.lastSummary).Seconds()
	perSecond := func(n int) int {
		return int(float64(n) / intervalS)
	}

	shardLossRate := 0.0
	if m.shardsSentPartial != 0 {
		shardLossRate = float64(m.shardsLostPartial) / float64(m.shardsSentPartial)
	}

	throughputMbps := 0.0
	if m.interarrivalPartial > 0 {
		throughputMbps = float64(m.rxBytesPartial) * 8 / 1e6 / m.interarrivalPartial.Seconds()
	}

	battery, _ := m.batteries.Peek(HeadDeviceID)

	m.send(&telemetry.StatisticsSummary{
		VideoPacketsTotal:   m.videoPackets.total,
		VideoPacketsPerSec:  perSecond(m.videoPackets.partial),
		VideoMbytesTotal:    int(float64(m.videoBytes.total) / 1e6),
		VideoMbitsPerSec:    float64(m.videoBytes.partial) * 8 / 1e6 / intervalS,
		VideoThroughputMbps: throughputMbps,

		TotalPipelineLatencyAverageMs:  utils.Milliseconds(m.latencies.totalPipeline.GetAverage()),
		GameDelayAverageMs:             utils.Milliseconds(m.latencies.game.GetAverage()),
		ServerCompositorDelayAverageMs: utils.Milliseconds(m.latencies.serverCompositor.GetAverage()),
		EncodeDelayAverageMs:           utils.Milliseconds(m.latencies.encode.GetAverage()),
		NetworkDelayAverageMs:          utils.Milliseconds(m.latencies.network.GetAverage()),
		DecodeDelayAverageMs:           utils.Milliseconds(m.latencies.decode.GetAverage()),
		DecoderQueueDelayAverageMs:     utils.Milliseconds(m.latencies.decoderQueue.GetAverage()),
		ClientCompositorAverageMs:      utils.Milliseconds(m.latencies.clientCompositor.GetAverage()),
		VsyncQueueDelayAverageMs:       utils.Milliseconds(m.latencies.vsyncQueue.GetAverage()),

		PacketsDroppedTotal:  m.packetsDropped.total,
		PacketsDroppedPerSec: perSecond(m.packetsDropped.partial),
		PacketsSkippedTotal:  m.packetsSkipped.total,
		PacketsSkippedPerSec: perSecond(m.packetsSkipped.partial),

		ShardLossRate: shardLossRate,
		FrameJitterMs: utils.Milliseconds(m.frameInterarrivalAverage.GetStd()),

		ClientFPS: utils.PerSecond(m.clientFrameIntervalAverage.GetAverage()),
		ServerFPS: utils.PerSecond(m.frameIntervalAverage.GetAverage()),

		BatteryHMD: uint32(battery.gauge * 100),
		HMDPlugged: battery.plugged,
	})

	m.videoPackets.partial = 0
	m.videoBytes.partial = 0
	m.packetsDropped.partial = 0
	m.packetsSkipped.partial = 0
	m.shardsSentPartial = 0
	m.shardsLostPartial = 0
	m.rxBytesPartial = 0
	m.interarrivalPartial = 0

	m.lastSummary = now
}

func (m *Manager) VideoPipelineLatencyAverage() time.Duration {
	return m.latencies.totalPipeline.GetAverage()
}

// TrackerPoseTimeOffset is how far the pipeline latency is below the runtime's own
// pipeline depth. It mirrors the client's prediction offset.
func (m *Manager) TrackerPoseTimeOffset() time.Duration {
	return utils.SaturatingSub(m.steamvrPipelineLatency, m.latencies.totalPipeline.GetAverage())
}

// DurationUntilNextVsync does not block, waiting is up to the caller.
func (m *Manager) DurationUntilNextVsync() time.Duration {
	interval := m.params.NominalFrameInterval
	if interval <= 0 {
		return 0
	}

	now := m.params.Clock.Now()
	if elapsed := now.Sub(m.lastVsync); elapsed > interval {
		// skip every whole interval already in the past
		m.lastVsync = m.lastVsync.Add((elapsed - 1) / interval * interval)
	}
	return utils.SaturatingSince(m.lastVsync.Add(interval), now)
}

func (m *Manager) send(data telemetry.EventData) {
	m.params.Sink.SendEvent(telemetry.NewEvent(m.params.Clock.Now(), data))
}

func (m *Manager) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if m == nil {
		return nil
	}

	e.AddInt("intakeFrames", m.intake.Len())
	e.AddInt("statsFrames", m.stats.Len())
	e.AddInt("videoPacketsTotal", m.videoPackets.total)
	e.AddInt("packetsDroppedTotal", m.packetsDropped.total)
	e.AddInt("packetsSkippedTotal", m.packetsSkipped.total)
	e.AddDuration("totalPipelineLatencyAverage", m.latencies.totalPipeline.GetAverage())
	e.AddDuration("frameIntervalAverage", m.frameIntervalAverage.GetAverage())
	if err := e.AddObject("shardLoss", m.shardLoss); err != nil {
		return err
	}
	return nil
}
