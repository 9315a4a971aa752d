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
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/livekit/xrstream/pkg/telemetry"
)

const xrstreamNamespace = "xrstream"

var (
	latencyStages = []string{
		"total",
		"game",
		"server_compositor",
		"encode",
		"network",
		"decode",
		"decoder_queue",
		"client_compositor",
		"vsync_queue",
	}

	limiterNames = []string{
		"scaled_calculated",
		"decoder_latency",
		"network_latency",
		"encoder_latency",
		"manual_max",
		"manual_min",
	}
)

// Sink mirrors statistics events into Prometheus collectors.
type Sink struct {
	latencyAverage *prometheus.GaugeVec
	framerate      *prometheus.GaugeVec
	packets        *prometheus.GaugeVec
	videoMbps      prometheus.Gauge
	throughputMbps prometheus.Gauge
	shardLossRate  prometheus.Gauge
	frameJitter    prometheus.Gauge
	battery        prometheus.Gauge
	hmdPlugged     prometheus.Gauge

	pipelineLatency prometheus.Histogram
	rtt             prometheus.Histogram
	shards          *prometheus.CounterVec
	framesDropped   prometheus.Counter

	requestedBps prometheus.Gauge
	actualBps    prometheus.Gauge
	limiterBps   *prometheus.GaugeVec

	heuristicEvents prometheus.Counter
}

func NewSink(registerer prometheus.Registerer, constLabels prometheus.Labels) (*Sink, error) {
	s := &Sink{
		latencyAverage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "pipeline",
			Name:        "latency_average_ms",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		framerate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "video",
			Name:        "fps",
			ConstLabels: constLabels,
		}, []string{"side"}),
		packets: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "video",
			Name:        "packets_per_sec",
			ConstLabels: constLabels,
		}, []string{"type"}),
		videoMbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "video",
			Name:        "mbits_per_sec",
			ConstLabels: constLabels,
		}),
		throughputMbps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "video",
			Name:        "throughput_mbits_per_sec",
			ConstLabels: constLabels,
		}),
		shardLossRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "network",
			Name:        "shard_loss_rate",
			ConstLabels: constLabels,
		}),
		frameJitter: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "network",
			Name:        "frame_jitter_ms",
			ConstLabels: constLabels,
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "device",
			Name:        "hmd_battery_percent",
			ConstLabels: constLabels,
		}),
		hmdPlugged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "device",
			Name:        "hmd_plugged",
			ConstLabels: constLabels,
		}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "pipeline",
			Name:        "total_latency_ms",
			ConstLabels: constLabels,
			Buckets:     []float64{10, 20, 30, 40, 50, 60, 80, 100, 150, 200, 300},
		}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "network",
			Name:        "rtt_ms",
			ConstLabels: constLabels,
			Buckets:     []float64{1, 2, 5, 10, 20, 30, 50, 75, 100, 200, 500},
		}),
		shards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "network",
			Name:        "shards",
			ConstLabels: constLabels,
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "video",
			Name:        "frames_dropped",
			ConstLabels: constLabels,
		}),
		requestedBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "bitrate",
			Name:        "requested_bps",
			ConstLabels: constLabels,
		}),
		actualBps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "bitrate",
			Name:        "actual_bps",
			ConstLabels: constLabels,
		}),
		limiterBps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "bitrate",
			Name:        "limiter_bps",
			ConstLabels: constLabels,
		}, []string{"limiter"}),
		heuristicEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   xrstreamNamespace,
			Subsystem:   "bitrate",
			Name:        "heuristic_updates",
			ConstLabels: constLabels,
		}),
	}

	var (
		err        error
		registered []prometheus.Collector
	)
	for _, c := range s.collectors() {
		if rerr := registerer.Register(c); rerr != nil {
			err = multierr.Append(err, rerr)
			continue
		}
		registered = append(registered, c)
	}
	if err != nil {
		for _, c := range registered {
			registerer.Unregister(c)
		}
		return nil, err
	}
	return s, nil
}

func (s *Sink) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		s.latencyAverage,
		s.framerate,
		s.packets,
		s.videoMbps,
		s.throughputMbps,
		s.shardLossRate,
		s.frameJitter,
		s.battery,
		s.hmdPlugged,
		s.pipelineLatency,
		s.rtt,
		s.shards,
		s.framesDropped,
		s.requestedBps,
		s.actualBps,
		s.limiterBps,
		s.heuristicEvents,
	}
}

func (s *Sink) Unregister(registerer prometheus.Registerer) {
	for _, c := range s.collectors() {
		registerer.Unregister(c)
	}
}

func (s *Sink) SendEvent(event telemetry.Event) {
	switch data := event.Data.(type) {
	case *telemetry.StatisticsSummary:
		s.onSummary(data)
	case *telemetry.GraphStatistics:
		s.onGraphStatistics(data)
	case *telemetry.GraphNetworkStatistics:
		s.onNetworkStatistics(data)
	case *telemetry.HeuristicStats:
		s.heuristicEvents.Inc()
	}
}

func (s *Sink) onSummary(data *telemetry.StatisticsSummary) {
	for i, v := range []float64{
		data.TotalPipelineLatencyAverageMs,
		data.GameDelayAverageMs,
		data.ServerCompositorDelayAverageMs,
		data.EncodeDelayAverageMs,
		data.NetworkDelayAverageMs,
		data.DecodeDelayAverageMs,
		data.DecoderQueueDelayAverageMs,
		data.ClientCompositorAverageMs,
		data.VsyncQueueDelayAverageMs,
	} {
		s.latencyAverage.WithLabelValues(latencyStages[i]).Set(v)
	}

	s.framerate.WithLabelValues("server").Set(data.ServerFPS)
	s.framerate.WithLabelValues("client").Set(data.ClientFPS)

	s.packets.WithLabelValues("video").Set(float64(data.VideoPacketsPerSec))
	s.packets.WithLabelValues("dropped").Set(float64(data.PacketsDroppedPerSec))
	s.packets.WithLabelValues("skipped").Set(float64(data.PacketsSkippedPerSec))

	s.videoMbps.Set(data.VideoMbitsPerSec)
	s.throughputMbps.Set(data.VideoThroughputMbps)
	s.shardLossRate.Set(data.ShardLossRate)
	s.frameJitter.Set(data.FrameJitterMs)
	s.battery.Set(float64(data.BatteryHMD))
	if data.HMDPlugged {
		s.hmdPlugged.Set(1)
	} else {
		s.hmdPlugged.Set(0)
	}
}

func (s *Sink) onGraphStatistics(data *telemetry.GraphStatistics) {
	s.pipelineLatency.Observe(data.TotalPipelineLatencyS * 1000)
	s.framesDropped.Add(float64(data.FramesDropped))
	s.actualBps.Set(data.ActualBitrateBps)
	s.setNominalBitrate(&data.NominalBitrate)
}

func (s *Sink) onNetworkStatistics(data *telemetry.GraphNetworkStatistics) {
	if data.RTTMs > 0 {
		s.rtt.Observe(data.RTTMs)
	}
	if data.ShardsSent > 0 {
		s.shards.WithLabelValues("sent").Add(float64(data.ShardsSent))
	}
	// late shards from a previous frame make the lost count go negative
	if data.ShardsLost > 0 {
		s.shards.WithLabelValues("lost").Add(float64(data.ShardsLost))
	}
	s.shards.WithLabelValues("duplicated").Add(float64(data.ShardsDuplicated))
}

func (s *Sink) setNominalBitrate(stats *telemetry.NominalBitrateStats) {
	s.requestedBps.Set(stats.RequestedBps)
	for i, v := range []*float64{
		stats.ScaledCalculatedBps,
		stats.DecoderLatencyLimiterBps,
		stats.NetworkLatencyLimiterBps,
		stats.EncoderLatencyLimiterBps,
		stats.ManualMaxBps,
		stats.ManualMinBps,
	} {
		if v == nil {
			s.limiterBps.DeleteLabelValues(limiterNames[i])
			continue
		}
		s.limiterBps.WithLabelValues(limiterNames[i]).Set(*v)
	}
}
