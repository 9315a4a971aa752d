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

package simulator

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/telemetry/telemetrytest"
)

func TestLink(t *testing.T) {
	conf := config.SimulatorConfig{
		CapacityMbps:     8,
		BaseLatency:      2 * time.Millisecond,
		ShardPayloadSize: 1000,
	}
	link, err := NewLink(conf, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	tx := link.Send(0, 10000)
	require.Equal(t, 10, tx.Shards)
	require.Equal(t, 0, tx.ShardsLost)
	require.Equal(t, 10*time.Millisecond, tx.Span)
	require.Equal(t, time.Duration(0), tx.QueueDelay)
	require.Equal(t, 12*time.Millisecond, tx.Arrival)
	require.True(t, tx.Delivered())

	// queues behind the first frame
	tx = link.Send(5*time.Millisecond, 4500)
	require.Equal(t, 5, tx.Shards)
	require.Equal(t, 5*time.Millisecond, tx.QueueDelay)
	require.Equal(t, 4500*time.Microsecond, tx.Span)
	require.Equal(t, 16500*time.Microsecond, tx.Arrival)
	require.Equal(t, 11500*time.Microsecond, tx.Latency())
	require.Equal(t, 4*time.Millisecond+4500*time.Microsecond, link.RTT(10*time.Millisecond))

	// idle again
	require.Equal(t, 4*time.Millisecond, link.RTT(time.Second))
	tx = link.Send(time.Second, 0)
	require.Equal(t, 1, tx.Shards)
	require.Equal(t, time.Second+2*time.Millisecond, tx.Arrival)

	t.Run("unlimited", func(t *testing.T) {
		conf := conf
		conf.CapacityMbps = 0
		link, err := NewLink(conf, rand.New(rand.NewPCG(1, 2)))
		require.NoError(t, err)

		tx := link.Send(0, 1_000_000)
		require.Equal(t, time.Duration(0), tx.Span)
		require.Equal(t, 2*time.Millisecond, tx.Arrival)
	})

	t.Run("loss", func(t *testing.T) {
		conf := conf
		conf.LossProbability = 0.5
		link, err := NewLink(conf, rand.New(rand.NewPCG(1, 2)))
		require.NoError(t, err)

		lost := 0
		for i := 0; i < 100; i++ {
			lost += link.Send(time.Duration(i)*time.Second, 10000).ShardsLost
		}
		require.Greater(t, lost, 400)
		require.Less(t, lost, 600)
	})
}

func TestValidateLink(t *testing.T) {
	valid := config.DefaultConfig.Simulator
	require.NoError(t, ValidateLink(valid))

	bad := valid
	bad.ShardPayloadSize = 0
	require.ErrorIs(t, ValidateLink(bad), ErrInvalidShardPayload)

	bad = valid
	bad.LossProbability = 1
	require.ErrorIs(t, ValidateLink(bad), ErrInvalidLoss)

	bad = valid
	bad.CapacityMbps = -1
	require.ErrorIs(t, ValidateLink(bad), ErrInvalidCapacity)
}

// ------------------------------------------------

func newTestSimulator(t *testing.T, conf string, sink telemetry.Sink) *Simulator {
	c, err := config.NewConfig(conf, true, nil, nil)
	require.NoError(t, err)

	sim, err := New(Params{
		Config: config.NewProvider(c),
		Seed:   42,
		Sink:   sink,
	})
	require.NoError(t, err)
	sim.Start()
	t.Cleanup(sim.Stop)
	return sim
}

const baseSimulatorConfig = `stream:
  nominal_framerate: 72
simulator:
  capacity_mbps: 80
  base_latency: 4ms
  loss_probability: %v
  shard_payload_size: 1400
  decode_latency: 3ms
  encode_latency: 4ms
`

func simulatorConfig(lossProbability float64) string {
	return fmt.Sprintf(baseSimulatorConfig, lossProbability)
}

func TestSimulator_Adaptive(t *testing.T) {
	sink := &telemetrytest.CaptureSink{}
	sim := newTestSimulator(t, simulatorConfig(0), sink)

	require.NoError(t, sim.RunFrames(context.Background(), 400))

	res := sim.Result()
	require.Equal(t, 400, res.FramesSent)
	require.Equal(t, 0, res.FramesLost)
	require.Equal(t, 0, res.ShardsLost)
	require.GreaterOrEqual(t, res.FramesDelivered, 395)
	require.GreaterOrEqual(t, res.BitrateUpdates, 4)
	require.Len(t, res.Samples, res.BitrateUpdates)
	require.Equal(t, 401*sim.FrameInterval(), res.Elapsed)

	// the throughput estimate can never exceed what the link carries
	for _, sample := range res.Samples[1:] {
		require.Less(t, sample.BitrateBps, uint64(80e6))
		require.GreaterOrEqual(t, sample.BitrateBps, uint64(5e6))
		if sample.FramesDelivered > 0 {
			require.Greater(t, sample.NetworkLatency, 4*time.Millisecond)
		}
	}
	require.Greater(t, res.BitrateBps, uint64(10e6))

	require.NotEmpty(t, telemetrytest.All[*telemetry.GraphStatistics](sink))
	summaries := telemetrytest.All[*telemetry.StatisticsSummary](sink)
	require.NotEmpty(t, summaries)
	require.Greater(t, summaries[len(summaries)-1].VideoPacketsPerSec, 0)

	latency, err := sim.Client().AverageTotalPipelineLatency(context.Background())
	require.NoError(t, err)
	require.Greater(t, latency, 20*time.Millisecond)
}

func TestSimulator_ConstantOverCapacity(t *testing.T) {
	sim := newTestSimulator(t, simulatorConfig(0)+`bitrate:
  mode:
    type: constant
    mbps: 100
`, nil)
	ctx := context.Background()

	require.NoError(t, sim.RunFrames(ctx, 100))
	first := sim.Result()
	require.NoError(t, sim.RunFrames(ctx, 100))
	second := sim.Result()

	require.Equal(t, 1, second.BitrateUpdates)
	require.Equal(t, uint64(100e6), second.BitrateBps)
	require.Len(t, second.Samples, 1)

	// the link cannot keep up and the queue keeps growing
	require.Less(t, second.FramesDelivered, second.FramesSent-50)
	require.Greater(t, second.Samples[0].MaxQueueDelay, first.Samples[0].MaxQueueDelay)
	require.Greater(t, second.Samples[0].MaxQueueDelay, 500*time.Millisecond)
}

func TestSimulator_Loss(t *testing.T) {
	conf := simulatorConfig(0.01)
	sink := &telemetrytest.CaptureSink{}
	sim := newTestSimulator(t, conf, sink)

	require.NoError(t, sim.RunFrames(context.Background(), 300))

	res := sim.Result()
	require.Greater(t, res.ShardsLost, 0)
	require.Greater(t, res.FramesLost, 0)
	require.Greater(t, res.FramesDelivered, 0)
	require.LessOrEqual(t, res.FramesLost, res.ShardsLost)
	require.Equal(t, res.FramesSent, 300)

	lost := 0
	for _, ns := range telemetrytest.All[*telemetry.GraphNetworkStatistics](sink) {
		lost += ns.ShardsLost
	}
	require.Greater(t, lost, 0)
}

func TestSimulator_Deterministic(t *testing.T) {
	conf := simulatorConfig(0.01)

	var results []Result
	for i := 0; i < 2; i++ {
		sim := newTestSimulator(t, conf, nil)
		require.NoError(t, sim.RunFrames(context.Background(), 150))
		results = append(results, sim.Result())
	}
	require.Equal(t, results[0], results[1])
}

func TestSimulator_Canceled(t *testing.T) {
	sim := newTestSimulator(t, simulatorConfig(0), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sim.RunFrames(ctx, 10), context.Canceled)
}

func TestNew_InvalidLink(t *testing.T) {
	c, err := config.NewConfig(simulatorConfig(0), true, nil, nil)
	require.NoError(t, err)
	c.Simulator.ShardPayloadSize = 0

	_, err = New(Params{Config: config.NewProvider(c)})
	require.ErrorIs(t, err, ErrInvalidShardPayload)
}
