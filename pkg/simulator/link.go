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
	"math"
	"math/rand/v2"
	"time"

	"github.com/pkg/errors"

	"github.com/livekit/xrstream/pkg/config"
)

var (
	ErrInvalidShardPayload = errors.New("shard_payload_size must be positive")
	ErrInvalidLoss         = errors.New("loss_probability must be in [0, 1)")
	ErrInvalidCapacity     = errors.New("capacity_mbps must not be negative")
)

// Transmission describes how one encoded frame crossed the link.
type Transmission struct {
	Shards     int
	ShardsLost int
	// time between the first and the last shard leaving the sender
	Span       time.Duration
	QueueDelay time.Duration
	SentAt     time.Duration
	Arrival    time.Duration
}

func (t Transmission) Delivered() bool {
	return t.ShardsLost == 0
}

func (t Transmission) Latency() time.Duration {
	return t.Arrival - t.SentAt
}

// Link is a single bottleneck with a fixed capacity, a constant propagation delay and
// independent per shard loss. Frames queue behind each other when the link is busy.
type Link struct {
	capacityBps      float64
	baseLatency      time.Duration
	lossProbability  float64
	shardPayloadSize int
	rand             *rand.Rand

	busyUntil time.Duration
}

func ValidateLink(conf config.SimulatorConfig) error {
	if conf.ShardPayloadSize <= 0 {
		return ErrInvalidShardPayload
	}
	if conf.LossProbability < 0 || conf.LossProbability >= 1 {
		return ErrInvalidLoss
	}
	if conf.CapacityMbps < 0 {
		return ErrInvalidCapacity
	}
	return nil
}

func NewLink(conf config.SimulatorConfig, rnd *rand.Rand) (*Link, error) {
	if err := ValidateLink(conf); err != nil {
		return nil, err
	}
	return &Link{
		capacityBps:      conf.CapacityMbps * 1e6,
		baseLatency:      conf.BaseLatency,
		lossProbability:  conf.LossProbability,
		shardPayloadSize: conf.ShardPayloadSize,
		rand:             rnd,
	}, nil
}

// Send queues a frame of the given size at time at. A zero capacity link is unlimited.
func (l *Link) Send(at time.Duration, bytes int) Transmission {
	shards := max(1, int(math.Ceil(float64(bytes)/float64(l.shardPayloadSize))))

	var span time.Duration
	if l.capacityBps > 0 {
		span = time.Duration(float64(bytes) * 8 * float64(time.Second) / l.capacityBps)
	}

	start := max(at, l.busyUntil)
	l.busyUntil = start + span

	lost := 0
	if l.lossProbability > 0 {
		for i := 0; i < shards; i++ {
			if l.rand.Float64() < l.lossProbability {
				lost++
			}
		}
	}

	return Transmission{
		Shards:     shards,
		ShardsLost: lost,
		Span:       span,
		QueueDelay: start - at,
		SentAt:     at,
		Arrival:    l.busyUntil + l.baseLatency,
	}
}

// RTT is the round trip time a packet sent at time at would measure.
func (l *Link) RTT(at time.Duration) time.Duration {
	return 2*l.baseLatency + max(l.busyUntil-at, 0)
}

func (l *Link) BaseLatency() time.Duration {
	return l.baseLatency
}
