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

package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/livekit/xrstream/pkg/telemetry"
)

func newTestSink(t *testing.T) (*Sink, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	s, err := NewSink(reg, prometheus.Labels{"session": "test"})
	require.NoError(t, err)
	return s, reg
}

func TestSink_Summary(t *testing.T) {
	s, _ := newTestSink(t)

	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.StatisticsSummary{
		TotalPipelineLatencyAverageMs: 42,
		NetworkDelayAverageMs:         7,
		VideoPacketsPerSec:            90,
		PacketsDroppedPerSec:          2,
		VideoThroughputMbps:           55.5,
		ShardLossRate:                 0.01,
		ClientFPS:                     89,
		ServerFPS:                     90,
		BatteryHMD:                    80,
		HMDPlugged:                    true,
	}))

	require.Equal(t, 42.0, testutil.ToFloat64(s.latencyAverage.WithLabelValues("total")))
	require.Equal(t, 7.0, testutil.ToFloat64(s.latencyAverage.WithLabelValues("network")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.latencyAverage.WithLabelValues("decode")))
	require.Equal(t, 90.0, testutil.ToFloat64(s.packets.WithLabelValues("video")))
	require.Equal(t, 2.0, testutil.ToFloat64(s.packets.WithLabelValues("dropped")))
	require.Equal(t, 55.5, testutil.ToFloat64(s.throughputMbps))
	require.Equal(t, 0.01, testutil.ToFloat64(s.shardLossRate))
	require.Equal(t, 89.0, testutil.ToFloat64(s.framerate.WithLabelValues("client")))
	require.Equal(t, 90.0, testutil.ToFloat64(s.framerate.WithLabelValues("server")))
	require.Equal(t, 80.0, testutil.ToFloat64(s.battery))
	require.Equal(t, 1.0, testutil.ToFloat64(s.hmdPlugged))
}

func TestSink_GraphStatistics(t *testing.T) {
	s, _ := newTestSink(t)

	stats := &telemetry.GraphStatistics{
		TotalPipelineLatencyS: 0.035,
		FramesDropped:         3,
		ActualBitrateBps:      20e6,
		NominalBitrate: telemetry.NominalBitrateStats{
			ScaledCalculatedBps:      telemetry.Some(40e6),
			NetworkLatencyLimiterBps: telemetry.Some(25e6),
			RequestedBps:             25e6,
		},
	}
	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), stats))

	require.Equal(t, 25e6, testutil.ToFloat64(s.requestedBps))
	require.Equal(t, 20e6, testutil.ToFloat64(s.actualBps))
	require.Equal(t, 3.0, testutil.ToFloat64(s.framesDropped))
	require.Equal(t, 2, testutil.CollectAndCount(s.limiterBps))
	require.Equal(t, 25e6, testutil.ToFloat64(s.limiterBps.WithLabelValues("network_latency")))
	require.Equal(t, 1, testutil.CollectAndCount(s.pipelineLatency))

	t.Run("disabled limiter is removed", func(t *testing.T) {
		stats.NominalBitrate.NetworkLatencyLimiterBps = nil
		s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), stats))
		require.Equal(t, 1, testutil.CollectAndCount(s.limiterBps))
		require.Equal(t, 6.0, testutil.ToFloat64(s.framesDropped))
	})
}

func TestSink_NetworkStatistics(t *testing.T) {
	s, _ := newTestSink(t)

	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.GraphNetworkStatistics{
		RTTMs:            12,
		ShardsSent:       10,
		ShardsLost:       2,
		ShardsDuplicated: 1,
	}))
	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.GraphNetworkStatistics{
		ShardsSent: 10,
		ShardsLost: -1,
	}))

	require.Equal(t, 20.0, testutil.ToFloat64(s.shards.WithLabelValues("sent")))
	require.Equal(t, 2.0, testutil.ToFloat64(s.shards.WithLabelValues("lost")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.shards.WithLabelValues("duplicated")))
}

func TestSink_IgnoresOtherEvents(t *testing.T) {
	s, reg := newTestSink(t)

	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.LogEntry{Content: "hello"}))
	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.HeuristicStats{}))

	require.Equal(t, 1.0, testutil.ToFloat64(s.heuristicEvents))
	n, err := testutil.GatherAndCount(reg, "xrstream_bitrate_requested_bps")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestNewSink_DuplicateRegistration(t *testing.T) {
	s, reg := newTestSink(t)

	_, err := NewSink(reg, prometheus.Labels{"session": "test"})
	require.Error(t, err)

	// the first sink stays registered
	s.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.GraphStatistics{
		NominalBitrate: telemetry.NominalBitrateStats{RequestedBps: 1},
	}))
	n, err := testutil.GatherAndCount(reg, "xrstream_bitrate_requested_bps")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	s.Unregister(reg)
	_, err = NewSink(reg, prometheus.Labels{"session": "test"})
	require.NoError(t, err)
}
