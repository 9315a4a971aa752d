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

package shardloss

import (
	"github.com/elliotchance/orderedmap/v2"
	"go.uber.org/zap/zapcore"
)

type Estimate struct {
	Sent int
	Lost int
}

// Estimator reconstructs how many shards were sent between two network reports, given
// the shard count of every frame handed to the transport and the highest frame/shard
// pair the receiver has seen. Reordering across more than one frame boundary is not
// modeled.
type Estimator struct {
	shardsPerFrame *orderedmap.OrderedMap[int32, int]

	prevHighestFrame int32
	prevHighestShard int32

	totalSent int64
	totalLost int64
}

func NewEstimator() *Estimator {
	return &Estimator{
		shardsPerFrame:   orderedmap.NewOrderedMap[int32, int](),
		prevHighestFrame: 0,
		prevHighestShard: -1,
	}
}

// FrameSent records the number of shards a frame was split into.
func (e *Estimator) FrameSent(frameIndex int32, shards int) {
	e.shardsPerFrame.Set(frameIndex, shards)
}

// Update consumes one receiver report. received is the number of shards the receiver
// counted since its previous report.
func (e *Estimator) Update(highestFrame, highestShard int32, received uint32) Estimate {
	sent := 0

	switch {
	case highestFrame == e.prevHighestFrame:
		if highestShard > e.prevHighestShard {
			sent = int(highestShard - e.prevHighestShard)
		}

	case highestFrame > e.prevHighestFrame:
		fromPrev := 0
		if count, ok := e.shardsPerFrame.Get(e.prevHighestFrame); ok {
			fromPrev = max(count-int(e.prevHighestShard+1), 0)
		}

		fromBetween := 0
		for el := e.shardsPerFrame.Front(); el != nil; el = el.Next() {
			if el.Key > e.prevHighestFrame && el.Key < highestFrame {
				fromBetween += el.Value
			}
		}

		fromCurrent := int(max(highestShard, -1)) + 1

		sent = fromPrev + fromBetween + fromCurrent
	}

	estimate := Estimate{
		Sent: sent,
		Lost: sent - int(received),
	}
	e.totalSent += int64(estimate.Sent)
	e.totalLost += int64(estimate.Lost)

	e.prevHighestFrame = highestFrame
	e.prevHighestShard = highestShard
	e.prune(highestFrame)

	return estimate
}

func (e *Estimator) prune(below int32) {
	for el := e.shardsPerFrame.Front(); el != nil; {
		next := el.Next()
		if el.Key < below {
			e.shardsPerFrame.Delete(el.Key)
		}
		el = next
	}
}

// NumTrackedFrames returns how many frames still have a known shard count.
func (e *Estimator) NumTrackedFrames() int {
	return e.shardsPerFrame.Len()
}

func (e *Estimator) Totals() (sent int64, lost int64) {
	return e.totalSent, e.totalLost
}

func (e *Estimator) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	if e == nil {
		return nil
	}

	enc.AddInt32("prevHighestFrame", e.prevHighestFrame)
	enc.AddInt32("prevHighestShard", e.prevHighestShard)
	enc.AddInt("trackedFrames", e.shardsPerFrame.Len())
	enc.AddInt64("totalSent", e.totalSent)
	enc.AddInt64("totalLost", e.totalLost)
	return nil
}
