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

package bitrate

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dustin/go-humanize"
	"github.com/gammazero/deque"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/utils"
	"github.com/livekit/xrstream/pkg/utils/window"
)

const (
	initialFrameInterval     = 16 * time.Millisecond
	initialLatency           = 5 * time.Millisecond
	initialBitrateBps        = 30_000_000.0
	initialFrameInterarrival = 11 * time.Millisecond

	framerateResetRetainedSamples = 5

	maxBitrateBps = float64(1 << 62)
)

type EncoderParams struct {
	Updated    bool
	BitrateBps uint64
	Framerate  float64
}

type Params struct {
	MaxHistorySize   int
	NominalFramerate float64

	Clock clock.Clock
	// uniform draw in [0, 1), must be safe to call from any goroutine
	Rand   func() float64
	Sink   telemetry.Sink
	Logger logger.Logger
}

type packetSize struct {
	timestamp time.Duration
	bits      float64
}

// Manager computes encoder parameters from frame timing, encoder output and network
// feedback. It is not safe for concurrent use.
type Manager struct {
	params Params

	nominalFrameInterval time.Duration
	frameIntervalAverage *window.Average[time.Duration]
	// packet sizes wait here until the matching network latency is reported
	packetSizes           deque.Deque[packetSize]
	encoderLatencyAverage *window.Average[time.Duration]
	networkLatencyAverage *window.Average[time.Duration]
	rttAverage            *window.Average[time.Duration]
	bitrateAverage        *window.Average[float64]

	decoderLatencyOverstepCount int
	dynamicMaxBitrate           float64

	lastFrameInstant  time.Time
	lastUpdateInstant time.Time

	previousConfig    config.BitrateConfig
	hasPreviousConfig bool
	updateNeeded      bool

	lastTargetBitrate    float64
	frameInterarrivalAvg time.Duration
	heuristicStats       telemetry.HeuristicStats
}

func NewManager(params Params) *Manager {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Rand == nil {
		params.Rand = rand.Float64
	}
	if params.Sink == nil {
		params.Sink = telemetry.NullSink
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	now := params.Clock.Now()
	return &Manager{
		params:                params,
		nominalFrameInterval:  utils.FrameInterval(params.NominalFramerate),
		frameIntervalAverage:  window.NewAverage(initialFrameInterval, params.MaxHistorySize),
		encoderLatencyAverage: window.NewAverage(initialLatency, params.MaxHistorySize),
		networkLatencyAverage: window.NewAverage(initialLatency, params.MaxHistorySize),
		rttAverage:            window.NewAverage(initialLatency, params.MaxHistorySize),
		bitrateAverage:        window.NewAverage(initialBitrateBps, params.MaxHistorySize),
		dynamicMaxBitrate:     math.MaxFloat64,
		lastFrameInstant:      now,
		lastUpdateInstant:     now,
		updateNeeded:          true,
		lastTargetBitrate:     initialBitrateBps,
		frameInterarrivalAvg:  initialFrameInterarrival,
	}
}

// ReportFramePresent feeds the frame interval statistics. Frame present is the most
// accurate event for measuring the framerate.
func (m *Manager) ReportFramePresent(adaptToFramerate config.Switch[config.AdaptiveFramerateConfig]) {
	now := m.params.Clock.Now()

	interval := utils.SaturatingSince(now, m.lastFrameInstant)
	m.lastFrameInstant = now

	m.frameIntervalAverage.SubmitSample(interval)

	conf, ok := adaptToFramerate.Get()
	if !ok {
		return
	}

	average := m.frameIntervalAverage.GetAverage()
	if average <= 0 {
		return
	}
	ratio := float64(interval) / float64(average)
	if ratio > conf.FramerateResetThresholdMultiplier || ratio < 1/conf.FramerateResetThresholdMultiplier {
		// keep a few samples for stability
		m.frameIntervalAverage.Retain(framerateResetRetainedSamples)
		m.updateNeeded = true

		m.params.Logger.Debugw("framerate changed", "interval", interval, "average", average)
	}
}

func (m *Manager) ReportFrameEncoded(timestamp time.Duration, encoderLatency time.Duration, sizeBytes int) {
	m.encoderLatencyAverage.SubmitSample(encoderLatency)

	m.packetSizes.PushBack(packetSize{timestamp: timestamp, bits: float64(sizeBytes) * 8})
	for m.packetSizes.Len() > max(m.params.MaxHistorySize, 1) {
		m.packetSizes.PopFront()
	}
}

// ReportNetworkRTT feeds the latency window used by the heuristic mode and returns the
// statistics of the last heuristic decision.
func (m *Manager) ReportNetworkRTT(rtt time.Duration) telemetry.HeuristicStats {
	m.rttAverage.SubmitSample(rtt)

	return m.heuristicStats
}

// ReportFrameLatencies feeds network and decoder latency of a displayed frame. A zero
// network latency means it could not be measured and the report is ignored.
func (m *Manager) ReportFrameLatencies(
	mode config.BitrateMode,
	timestamp time.Duration,
	networkLatency time.Duration,
	decoderLatency time.Duration,
	frameInterarrivalAvg time.Duration,
) {
	if networkLatency <= 0 {
		return
	}
	if frameInterarrivalAvg > 0 {
		m.frameInterarrivalAvg = frameInterarrivalAvg
	}

	m.networkLatencyAverage.SubmitSample(networkLatency)

	// packet sizes with no latency report are discarded, oldest first
	for m.packetSizes.Len() > 0 {
		ps := m.packetSizes.PopFront()
		if ps.timestamp == timestamp {
			m.bitrateAverage.SubmitSample(ps.bits / networkLatency.Seconds())
			break
		}
	}

	adaptive, ok := mode.(config.AdaptiveMode)
	if !ok {
		return
	}
	limiter, ok := adaptive.DecoderLatencyLimiter.Get()
	if !ok {
		return
	}

	if decoderLatency > time.Duration(limiter.MaxDecoderLatencyMs)*time.Millisecond {
		m.decoderLatencyOverstepCount++

		if m.decoderLatencyOverstepCount >= limiter.LatencyOverstepFrames {
			m.dynamicMaxBitrate = math.Min(m.bitrateAverage.GetAverage(), m.dynamicMaxBitrate) * limiter.LatencyOverstepMultiplier
			m.updateNeeded = true
			m.decoderLatencyOverstepCount = 0

			m.params.Logger.Infow(
				"decoder latency too high, lowering bitrate ceiling",
				"decoderLatency", decoderLatency,
				"ceiling", humanize.SIWithDigits(m.dynamicMaxBitrate, 2, "bps"),
			)
		}
	} else {
		m.decoderLatencyOverstepCount = 0
	}
}

// GetEncoderParams returns new encoder parameters when the configuration changed, an
// update was forced or the update interval elapsed. Otherwise the result is not updated
// and the returned stats are nil.
func (m *Manager) GetEncoderParams(conf config.BitrateConfig) (EncoderParams, *telemetry.NominalBitrateStats) {
	if conf.Mode == nil {
		return EncoderParams{}, nil
	}

	now := m.params.Clock.Now()

	if !m.hasPreviousConfig || conf != m.previousConfig {
		m.previousConfig = conf
		m.hasPreviousConfig = true
	} else if !m.updateNeeded {
		_, isConstant := conf.Mode.(config.ConstantMode)
		if isConstant || now.Before(m.lastUpdateInstant.Add(updateInterval(conf))) {
			return EncoderParams{}, nil
		}
	}

	m.lastUpdateInstant = now
	m.updateNeeded = false

	stats := &telemetry.NominalBitrateStats{}

	bitrateBps := m.lastTargetBitrate
	switch mode := conf.Mode.(type) {
	case config.ConstantMode:
		bitrateBps = float64(mode.Mbps) * 1e6
	case config.SimpleHeuristicMode:
		bitrateBps = m.heuristicBitrate(mode, stats)
	case config.AdaptiveMode:
		bitrateBps = m.adaptiveBitrate(mode, stats)
	}
	if math.IsNaN(bitrateBps) || bitrateBps < 0 {
		bitrateBps = 0
	}
	bitrateBps = math.Min(bitrateBps, maxBitrateBps)

	stats.RequestedBps = bitrateBps
	m.lastTargetBitrate = bitrateBps

	frameInterval := m.nominalFrameInterval
	if conf.AdaptToFramerate.Enabled {
		frameInterval = m.frameIntervalAverage.GetAverage()
	}

	params := EncoderParams{
		Updated:    true,
		BitrateBps: uint64(bitrateBps),
		Framerate:  utils.Framerate(frameInterval),
	}
	m.params.Logger.Debugw(
		"encoder params updated",
		"mode", conf.Mode.Type(),
		"bitrate", humanize.SIWithDigits(bitrateBps, 2, "bps"),
		"framerate", params.Framerate,
	)
	return params, stats
}

func updateInterval(conf config.BitrateConfig) time.Duration {
	if mode, ok := conf.Mode.(config.SimpleHeuristicMode); ok {
		if seconds, ok := mode.UpdateIntervalS.Get(); ok {
			return utils.DurationFromSeconds(seconds)
		}
	}
	if conf.UpdateInterval > 0 {
		return conf.UpdateInterval
	}
	return config.DefaultBitrateUpdateInterval
}

func (m *Manager) heuristicBitrate(mode config.SimpleHeuristicMode, stats *telemetry.NominalBitrateStats) float64 {
	bitrateBps := m.lastTargetBitrate

	frameInterval := m.frameIntervalAverage.GetAverage()
	framerate := utils.Framerate(frameInterval)
	rttAvg := m.rttAverage.GetAverage().Seconds()
	fpsHeur := 1 / m.frameInterarrivalAvg.Seconds()
	randomProb := m.params.Rand()

	if th, ok := mode.Thresholds.Get(); ok {
		stepsBps := th.StepsMbps * 1e6
		thresholdFPS := th.FPSThresholdMultiplier * framerate
		thresholdRTT := frameInterval.Seconds() * th.MultiplierRTTThreshold

		if fpsHeur >= thresholdFPS {
			if rttAvg > thresholdRTT {
				if randomProb >= th.ThresholdRandomUniform {
					bitrateBps -= stepsBps
				}
			} else if randomProb <= th.ThresholdRandomUniform {
				bitrateBps += stepsBps
			}
		} else {
			// starving framerate always backs off
			bitrateBps -= stepsBps
		}

		m.heuristicStats = telemetry.HeuristicStats{
			FrameInterval: frameInterval,
			Framerate:     framerate,
			StepsBps:      stepsBps,
			FPSHeur:       fpsHeur,
			RTTAvgHeur:    rttAvg,
			RandomProb:    randomProb,
			ThresholdFPS:  thresholdFPS,
			ThresholdRTT:  thresholdRTT,
			ThresholdU:    th.ThresholdRandomUniform,
		}
		heuristicStats := m.heuristicStats
		m.params.Sink.SendEvent(telemetry.NewEvent(m.params.Clock.Now(), &heuristicStats))
	}

	return clampBitrate(bitrateBps, mode.MinBitrateMbps, mode.MaxBitrateMbps, stats)
}

func (m *Manager) adaptiveBitrate(mode config.AdaptiveMode, stats *telemetry.NominalBitrateStats) float64 {
	averageBps := m.bitrateAverage.GetAverage()

	bitrateBps := averageBps * mode.SaturationMultiplier
	stats.ScaledCalculatedBps = telemetry.Some(bitrateBps)

	bitrateBps = math.Min(bitrateBps, m.dynamicMaxBitrate)
	if mode.DecoderLatencyLimiter.Enabled {
		stats.DecoderLatencyLimiterBps = telemetry.Some(m.dynamicMaxBitrate)
	}

	if maxMs, ok := mode.MaxNetworkLatencyMs.Get(); ok {
		if networkLatency := m.networkLatencyAverage.GetAverage(); networkLatency > 0 {
			limit := averageBps * (float64(maxMs) / 1000) / networkLatency.Seconds()
			bitrateBps = math.Min(bitrateBps, limit)
			stats.NetworkLatencyLimiterBps = telemetry.Some(limit)
		}
	}

	if limiter, ok := mode.EncoderLatencyLimiter.Get(); ok && m.nominalFrameInterval > 0 {
		saturation := m.encoderLatencyAverage.GetAverage().Seconds() / m.nominalFrameInterval.Seconds()
		if saturation > 0 {
			limit := averageBps * limiter.MaxSaturationMultiplier / saturation
			stats.EncoderLatencyLimiterBps = telemetry.Some(limit)

			// assumes encoder latency grows linearly with bitrate
			if saturation > limiter.MaxSaturationMultiplier {
				bitrateBps = math.Min(bitrateBps, limit)
			}
		}
	}

	return clampBitrate(bitrateBps, mode.MinBitrateMbps, mode.MaxBitrateMbps, stats)
}

func clampBitrate(bitrateBps float64, minMbps, maxMbps config.Switch[float64], stats *telemetry.NominalBitrateStats) float64 {
	if math.IsNaN(bitrateBps) {
		bitrateBps = 0
	}
	if hi, ok := maxMbps.Get(); ok {
		hi *= 1e6
		bitrateBps = math.Min(bitrateBps, hi)
		stats.ManualMaxBps = telemetry.Some(hi)
	}
	if lo, ok := minMbps.Get(); ok {
		lo *= 1e6
		bitrateBps = math.Max(bitrateBps, lo)
		stats.ManualMinBps = telemetry.Some(lo)
	}
	return bitrateBps
}

func (m *Manager) MarshalLogObject(e zapcore.ObjectEncoder) error {
	if m == nil {
		return nil
	}

	e.AddDuration("frameIntervalAverage", m.frameIntervalAverage.GetAverage())
	e.AddDuration("encoderLatencyAverage", m.encoderLatencyAverage.GetAverage())
	e.AddDuration("networkLatencyAverage", m.networkLatencyAverage.GetAverage())
	e.AddDuration("rttAverage", m.rttAverage.GetAverage())
	e.AddFloat64("bitrateAverage", m.bitrateAverage.GetAverage())
	e.AddFloat64("dynamicMaxBitrate", m.dynamicMaxBitrate)
	e.AddInt("decoderLatencyOverstepCount", m.decoderLatencyOverstepCount)
	e.AddFloat64("lastTargetBitrate", m.lastTargetBitrate)
	e.AddBool("updateNeeded", m.updateNeeded)
	e.AddInt("pendingPacketSizes", m.packetSizes.Len())
	return nil
}
