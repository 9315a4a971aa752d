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
	"github.com/livekit/xrstream/pkg/streamstats/clientstats"
	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/utils"
)

type ClientParams struct {
	Config    *config.Provider
	QueueSize int
	// when set, the statistics of every submitted frame are taken out of the history and
	// handed over, on the client's goroutine
	OnStatistics func(cs packets.ClientStatistics)

	Clock  clock.Clock
	Sink   telemetry.Sink
	Logger logger.Logger
}

// Client is the receiving side of a stream, see Server.
type Client struct {
	params ClientParams
	ops    *utils.OpsQueue

	stats *clientstats.Manager

	numReports atomic.Uint64
}

func NewClient(params ClientParams) *Client {
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
	return &Client{
		params: params,
		ops:    utils.NewOpsQueue(params.Logger, "client-session", params.QueueSize),
		stats: clientstats.NewManager(clientstats.Params{
			MaxHistorySize:       stream.MaxHistorySize,
			NominalFrameInterval: stream.NominalFrameInterval(),
			PipelineFrames:       stream.PipelineFrames,
			Clock:                params.Clock,
			Sink:                 params.Sink,
			Logger:               params.Logger,
		}),
	}
}

func (c *Client) Start() {
	c.ops.Start()
}

func (c *Client) Stop() {
	c.ops.Stop()
	<-c.ops.Done()
}

func (c *Client) enqueue(op func()) {
	if err := c.ops.Enqueue(op); err == nil {
		c.numReports.Inc()
	}
}

func (c *Client) NumReports() uint64 {
	return c.numReports.Load()
}

func (c *Client) Sync(ctx context.Context) error {
	return c.ops.Call(ctx, func() {})
}

func (c *Client) ReportInputAcquired(targetTimestamp time.Duration) {
	c.enqueue(func() {
		c.stats.ReportInputAcquired(targetTimestamp)
	})
}

func (c *Client) ReportVideoPacketReceived(targetTimestamp time.Duration) {
	c.enqueue(func() {
		c.stats.ReportVideoPacketReceived(targetTimestamp)
	})
}

func (c *Client) ReportVideoStatistics(targetTimestamp time.Duration, rx packets.VideoStatsRx) {
	c.enqueue(func() {
		c.stats.ReportVideoStatistics(targetTimestamp, rx)
	})
}

func (c *Client) ReportVideoPacketDropped(frameIndex int32) {
	c.enqueue(func() {
		c.stats.ReportVideoPacketDropped(frameIndex)
	})
}

func (c *Client) ReportFrameDecoded(targetTimestamp time.Duration) {
	c.enqueue(func() {
		c.stats.ReportFrameDecoded(targetTimestamp)
	})
}

func (c *Client) ReportCompositorStart(targetTimestamp time.Duration) {
	c.enqueue(func() {
		c.stats.ReportCompositorStart(targetTimestamp)
	})
}

func (c *Client) ReportSubmit(targetTimestamp time.Duration, vsyncQueue time.Duration) {
	c.enqueue(func() {
		c.stats.ReportSubmit(targetTimestamp, vsyncQueue)

		if c.params.OnStatistics == nil {
			return
		}
		if summary, ok := c.stats.Summary(targetTimestamp); ok {
			c.params.OnStatistics(summary)
		}
	})
}

func (c *Client) Summary(ctx context.Context, targetTimestamp time.Duration) (packets.ClientStatistics, bool, error) {
	var (
		summary packets.ClientStatistics
		ok      bool
	)
	err := c.ops.Call(ctx, func() {
		summary, ok = c.stats.Summary(targetTimestamp)
	})
	return summary, ok, err
}

func (c *Client) AverageTotalPipelineLatency(ctx context.Context) (time.Duration, error) {
	var latency time.Duration
	err := c.ops.Call(ctx, func() {
		latency = c.stats.AverageTotalPipelineLatency()
	})
	return latency, err
}

func (c *Client) TrackerPredictionOffset(ctx context.Context) (time.Duration, error) {
	var offset time.Duration
	err := c.ops.Call(ctx, func() {
		offset = c.stats.TrackerPredictionOffset()
	})
	return offset, err
}
