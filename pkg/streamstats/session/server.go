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

package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/streamstats/bitrate"
	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/streamstats/serverstats"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/utils"
)

const DefaultQueueSize = 256

type ServerParams struct {
	Config    *config.Provider
	QueueSize int

	Clock clock.Clock
	// uniform draw in [0, 1) for the heuristic bitrate mode
	Rand   func() float64
	Sink   telemetry.Sink
	Logger logger.Logger
}

// Server is the sending side of a stream. Reports are applied in order on the server's
// own goroutine and never block the caller. Queries wait for every report queued before them.
type Server struct {
	params ServerParams
	ops    *utils.OpsQueue

	stats   *serverstats.Manager
	bitrate *bitrate.Manager

	numReports atomic.Uint64
}

func NewServer(params ServerParams) *Server {
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.Sink == nil {
		params.Sink = telemetry.NullSink
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}
	if params.QueueSize <= 0 {
		params.QueueSize = DefaultQueueSize
	}

	stream := params.Config.Get().Stream
	return &Server{
		params: params,
		ops:    utils.NewOpsQueue(params.Logger, "server-session", params.QueueSize),
		stats: serverstats.NewManager(serverstats.Params{
			MaxHistorySize:       stream.MaxHistorySize,
			NominalFrameInterval: stream.NominalFrameInterval(),
			PipelineFrames:       stream.PipelineFrames,
			Clock:                params.Clock,
			Sink:                 params.Sink,
			Logger:               params.Logger,
		}),
		bitrate: bitrate.NewManager(bitrate.Params{
			MaxHistorySize:   stream.MaxHistorySize,
			NominalFramerate: stream.NominalFramerate,
			Clock:            params.Clock,
			Rand:             params.Rand,
			Sink:             params.Sink,
			Logger:           params.Logger,
		}),
	}
}

func (s *Server) Start() {
	s.ops.Start()
}

// Stop applies the reports already queued and returns once they are done.
func (s *Server) Stop() {
	s.ops.Stop()
	<-s.ops.Done()
}

func (s *Server) enqueue(op func()) {
	if err := s.ops.Enqueue(op); err == nil {
		s.numReports.Inc()
	}
}

// NumReports is how many reports were accepted.
func (s *Server) NumReports() uint64 {
	return s.numReports.Load()
}

func (s *Server) NumDropped() uint64 {
	return s.ops.NumDropped()
}

// Sync waits for every report queued so far.
func (s *Server) Sync(ctx context.Context) error {
	return s.ops.Call(ctx, func() {})
}

func (s *Server) ReportTrackingReceived(targetTimestamp time.Duration) {
	s.enqueue(func() {
		s.stats.ReportTrackingReceived(targetTimestamp)
	})
}

func (s *Server) ReportFramePresent(targetTimestamp time.Duration, offset time.Duration) {
	s.enqueue(func() {
		s.stats.ReportFramePresent(targetTimestamp, offset)
		s.bitrate.ReportFramePresent(s.params.Config.Bitrate().AdaptToFramerate)
	})
}

func (s *Server) ReportFrameComposed(targetTimestamp time.Duration, offset time.Duration) {
	s.enqueue(func() {
		s.stats.ReportFrameComposed(targetTimestamp, offset)
	})
}

func (s *Server) ReportFrameEncoded(targetTimestamp time.Duration, bytes int, isIDR bool) {
	s.enqueue(func() {
		encoderLatency := s.stats.ReportFrameEncoded(targetTimestamp, bytes, isIDR)
		s.bitrate.ReportFrameEncoded(targetTimestamp, encoderLatency, bytes)
	})
}

func (s *Server) ReportFrameSent(targetTimestamp time.Duration, frameIndex int32, shards int) {
	s.enqueue(func() {
		s.stats.ReportFrameSent(targetTimestamp, frameIndex, shards)
	})
}

func (s *Server) ReportDropped(frameIndex int32) {
	s.enqueue(func() {
		s.stats.ReportDropped(frameIndex)
	})
}

func (s *Server) ReportBattery(deviceID uint64, gauge float32, plugged bool) {
	s.enqueue(func() {
		s.stats.ReportBattery(deviceID, gauge, plugged)
	})
}

// ReportClientStatistics consumes the client's report of a displayed frame together with
// the current round trip time, and feeds the derived latencies to the bitrate controller.
func (s *Server) ReportClientStatistics(cs packets.ClientStatistics, rtt time.Duration) {
	s.enqueue(func() {
		networkLatency := s.stats.ReportStatistics(cs)
		_, interarrival := s.stats.ReportNetworkStatistics(cs.NetworkStatistics(), rtt)

		s.bitrate.ReportNetworkRTT(rtt)
		s.bitrate.ReportFrameLatencies(
			s.params.Config.Bitrate().Mode,
			cs.TargetTimestamp,
			networkLatency,
			cs.VideoDecode,
			interarrival,
		)
	})
}

// GetEncoderParams runs a bitrate control cycle against the current configuration.
func (s *Server) GetEncoderParams(ctx context.Context) (bitrate.EncoderParams, error) {
	var params bitrate.EncoderParams
	err := s.ops.Call(ctx, func() {
		var stats *telemetry.NominalBitrateStats
		params, stats = s.bitrate.GetEncoderParams(s.params.Config.Bitrate())
		if stats != nil {
			s.stats.ReportNominalBitrateStats(*stats)
		}
	})
	return params, err
}

func (s *Server) VideoPipelineLatencyAverage(ctx context.Context) (time.Duration, error) {
	var latency time.Duration
	err := s.ops.Call(ctx, func() {
		latency = s.stats.VideoPipelineLatencyAverage()
	})
	return latency, err
}

func (s *Server) TrackerPoseTimeOffset(ctx context.Context) (time.Duration, error) {
	var offset time.Duration
	err := s.ops.Call(ctx, func() {
		offset = s.stats.TrackerPoseTimeOffset()
	})
	return offset, err
}

func (s *Server) DurationUntilNextVsync(ctx context.Context) (time.Duration, error) {
	var d time.Duration
	err := s.ops.Call(ctx, func() {
		d = s.stats.DurationUntilNextVsync()
	})
	return d, err
}

// LogState writes the controller state at debug level.
func (s *Server) LogState(ctx context.Context) error {
	return s.ops.Call(ctx, func() {
		s.params.Logger.Debugw("server session", "stats", s.stats, "bitrate", s.bitrate)
	})
}
