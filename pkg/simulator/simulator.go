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
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/streamstats/bitrate"
	"github.com/livekit/xrstream/pkg/streamstats/packets"
	"github.com/livekit/xrstream/pkg/streamstats/session"
	"github.com/livekit/xrstream/pkg/telemetry"
)

// fixed stage durations of the simulated pipeline
const (
	gameRenderTime       = 3 * time.Millisecond
	serverCompositeTime  = time.Millisecond
	clientCompositorWait = time.Millisecond
	clientRenderTime     = 3 * time.Millisecond
	vsyncQueueTime       = time.Millisecond
)

type Params struct {
	Config *config.Provider
	Seed   uint64
	Sink   telemetry.Sink
	Logger logger.Logger
}

// Sample covers the frames encoded while one bitrate was in effect.
type Sample struct {
	At         time.Duration
	Duration   time.Duration
	BitrateBps uint64
	Framerate  float64

	FramesSent      int
	FramesDelivered int
	FramesLost      int
	// mean one way latency of the delivered frames
	NetworkLatency time.Duration
	MaxQueueDelay  time.Duration
}

type Result struct {
	Elapsed time.Duration

	FramesSent      int
	FramesDelivered int
	FramesLost      int
	ShardsSent      int
	ShardsLost      int

	BitrateBps     uint64
	BitrateUpdates int
	Samples        []Sample
}

type frame struct {
	index int32
	ts    time.Duration
	bytes int
	idr   bool
	tx    Transmission
}

// Simulator streams frames through a server and a client session connected by a
// simulated link. Time is virtual, every stage of every frame is an event on a mock
// clock and both sessions have applied an event's reports before time moves on.
// A Simulator is not safe for concurrent use.
type Simulator struct {
	params Params
	conf   config.SimulatorConfig

	clock  *clock.Mock
	epoch  time.Time
	server *session.Server
	client *session.Client
	link   *Link
	events eventQueue
	rtt    atomic.Duration

	frameInterval time.Duration
	nextFrame     int32
	now           time.Duration

	encoder          bitrate.EncoderParams
	decoderBusyUntil time.Duration
	lastArrival      time.Duration
	// shards of lost frames that still arrived, reported with the next delivered frame
	pendingShards uint32

	result   Result
	interval Sample
	latency  time.Duration
}

func New(params Params) (*Simulator, error) {
	if params.Sink == nil {
		params.Sink = telemetry.NullSink
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger()
	}

	conf := params.Config.Get()
	link, err := NewLink(conf.Simulator, rand.New(rand.NewPCG(params.Seed, 1)))
	if err != nil {
		return nil, err
	}

	heuristicRand := &lockedRand{rand: rand.New(rand.NewPCG(params.Seed, 2))}
	mock := clock.NewMock()
	s := &Simulator{
		params:        params,
		conf:          conf.Simulator,
		clock:         mock,
		epoch:         mock.Now(),
		link:          link,
		frameInterval: conf.Stream.NominalFrameInterval(),
	}
	s.rtt.Store(link.RTT(0))

	s.server = session.NewServer(session.ServerParams{
		Config: params.Config,
		Clock:  mock,
		Rand:   heuristicRand.Float64,
		Sink:   params.Sink,
		Logger: params.Logger.WithValues("side", "server"),
	})
	s.client = session.NewClient(session.ClientParams{
		Config: params.Config,
		OnStatistics: func(cs packets.ClientStatistics) {
			s.server.ReportClientStatistics(cs, s.rtt.Load())
		},
		Clock:  mock,
		Sink:   params.Sink,
		Logger: params.Logger.WithValues("side", "client"),
	})
	return s, nil
}

func (s *Simulator) Start() {
	s.server.Start()
	s.client.Start()
}

func (s *Simulator) Stop() {
	s.client.Stop()
	s.server.Stop()
}

func (s *Simulator) Server() *session.Server {
	return s.server
}

func (s *Simulator) Client() *session.Client {
	return s.client
}

// Now is the virtual time elapsed since the simulation started.
func (s *Simulator) Now() time.Duration {
	return s.now
}

func (s *Simulator) FrameInterval() time.Duration {
	return s.frameInterval
}

// RunFrames starts the given number of frames and advances virtual time to the start
// of the frame after them. Frames still in flight continue on the next call.
func (s *Simulator) RunFrames(ctx context.Context, frames int) error {
	for i := 0; i < frames; i++ {
		f := &frame{
			index: s.nextFrame,
			ts:    time.Duration(s.nextFrame+1) * s.frameInterval,
			idr:   s.nextFrame == 0,
		}
		s.nextFrame++
		s.events.schedule(f.ts, func(ctx context.Context) error {
			return s.inputAcquired(f)
		})
	}

	until := time.Duration(s.nextFrame+1) * s.frameInterval
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, ok := s.events.next(until)
		if !ok {
			break
		}
		if err := s.advance(ctx, e.at); err != nil {
			return err
		}
		if err := e.run(ctx); err != nil {
			return err
		}
	}
	return s.advance(ctx, until)
}

// advance lets both sessions catch up, then moves the clock.
func (s *Simulator) advance(ctx context.Context, to time.Duration) error {
	// the client may hand statistics over to the server, sync it first
	if err := s.client.Sync(ctx); err != nil {
		return err
	}
	if err := s.server.Sync(ctx); err != nil {
		return err
	}
	if to > s.now {
		s.now = to
		s.clock.Set(s.epoch.Add(to))
	}
	return nil
}

// Result summarizes the simulation so far. The last sample covers the bitrate still in
// effect.
func (s *Simulator) Result() Result {
	r := s.result
	r.Elapsed = s.now
	r.Samples = append([]Sample(nil), s.result.Samples...)
	if s.result.BitrateUpdates > 0 {
		r.Samples = append(r.Samples, s.currentSample())
	}
	return r
}

// ------------------------------------------------

func (s *Simulator) inputAcquired(f *frame) error {
	s.client.ReportInputAcquired(f.ts)
	s.events.schedule(s.now+s.link.BaseLatency(), func(ctx context.Context) error {
		return s.trackingReceived(f)
	})
	return nil
}

func (s *Simulator) trackingReceived(f *frame) error {
	s.server.ReportTrackingReceived(f.ts)
	s.events.schedule(s.now+gameRenderTime, func(ctx context.Context) error {
		s.server.ReportFramePresent(f.ts, 0)
		s.events.schedule(s.now+serverCompositeTime, func(ctx context.Context) error {
			return s.frameComposed(ctx, f)
		})
		return nil
	})
	return nil
}

func (s *Simulator) frameComposed(ctx context.Context, f *frame) error {
	s.server.ReportFrameComposed(f.ts, 0)

	params, err := s.server.GetEncoderParams(ctx)
	if err != nil {
		return err
	}
	if params.Updated {
		s.updateEncoder(params)
	}

	framerate := s.encoder.Framerate
	if framerate <= 0 {
		framerate = s.params.Config.Get().Stream.NominalFramerate
	}
	f.bytes = int(float64(s.encoder.BitrateBps) / 8 / framerate)

	s.events.schedule(s.now+s.conf.EncodeLatency, func(ctx context.Context) error {
		return s.frameEncoded(f)
	})
	return nil
}

func (s *Simulator) updateEncoder(params bitrate.EncoderParams) {
	if s.result.BitrateUpdates > 0 {
		s.closeInterval()
	}
	s.encoder = params
	s.result.BitrateBps = params.BitrateBps
	s.result.BitrateUpdates++
	s.interval = Sample{
		At:         s.now,
		BitrateBps: params.BitrateBps,
		Framerate:  params.Framerate,
	}
	s.latency = 0
}

func (s *Simulator) closeInterval() {
	s.result.Samples = append(s.result.Samples, s.currentSample())
}

func (s *Simulator) currentSample() Sample {
	sample := s.interval
	sample.Duration = s.now - sample.At
	if sample.FramesDelivered > 0 {
		sample.NetworkLatency = s.latency / time.Duration(sample.FramesDelivered)
	}
	return sample
}

func (s *Simulator) frameEncoded(f *frame) error {
	s.server.ReportFrameEncoded(f.ts, f.bytes, f.idr)

	f.tx = s.link.Send(s.now, f.bytes)
	s.rtt.Store(s.link.RTT(s.now))
	s.server.ReportFrameSent(f.ts, f.index, f.tx.Shards)

	s.result.FramesSent++
	s.result.ShardsSent += f.tx.Shards
	s.result.ShardsLost += f.tx.ShardsLost
	s.interval.FramesSent++
	s.interval.MaxQueueDelay = max(s.interval.MaxQueueDelay, f.tx.QueueDelay)

	s.events.schedule(f.tx.Arrival, func(ctx context.Context) error {
		return s.frameArrived(f)
	})
	return nil
}

func (s *Simulator) frameArrived(f *frame) error {
	received := uint32(f.tx.Shards - f.tx.ShardsLost)
	if !f.tx.Delivered() {
		s.pendingShards += received
		s.result.FramesLost++
		s.interval.FramesLost++
		s.client.ReportVideoPacketDropped(f.index)
		return nil
	}

	s.result.FramesDelivered++
	s.interval.FramesDelivered++
	s.latency += f.tx.Latency()

	var interarrival, jitter time.Duration
	if s.lastArrival > 0 {
		interarrival = s.now - s.lastArrival
		jitter = interarrival - s.frameInterval
		if jitter < 0 {
			jitter = -jitter
		}
	}
	s.lastArrival = s.now

	s.client.ReportVideoPacketReceived(f.ts)
	s.client.ReportVideoStatistics(f.ts, packets.VideoStatsRx{
		FrameIndex:          f.index,
		FrameSpan:           f.tx.Span,
		FrameInterarrival:   interarrival,
		InterarrivalJitter:  jitter,
		OWDelay:             f.tx.Latency(),
		FilteredOWDelay:     f.tx.Latency(),
		RxBytes:             uint32(f.bytes),
		BytesInFrame:        uint32(f.bytes),
		BytesInFrameApp:     uint32(f.bytes),
		RxShardCounter:      s.pendingShards + received,
		HighestRxFrameIndex: f.index,
		HighestRxShardIndex: int32(f.tx.Shards - 1),
	})
	s.pendingShards = 0

	decodeStart := max(s.now, s.decoderBusyUntil)
	s.decoderBusyUntil = decodeStart + s.conf.DecodeLatency
	s.events.schedule(s.decoderBusyUntil, func(ctx context.Context) error {
		return s.frameDecoded(f)
	})
	return nil
}

func (s *Simulator) frameDecoded(f *frame) error {
	s.client.ReportFrameDecoded(f.ts)
	s.events.schedule(s.now+clientCompositorWait, func(ctx context.Context) error {
		s.client.ReportCompositorStart(f.ts)
		s.events.schedule(s.now+clientRenderTime, func(ctx context.Context) error {
			s.client.ReportSubmit(f.ts, vsyncQueueTime)
			return nil
		})
		return nil
	})
	return nil
}

func (r Result) MarshalLogObject(e zapcore.ObjectEncoder) error {
	e.AddDuration("Elapsed", r.Elapsed)
	e.AddInt("FramesSent", r.FramesSent)
	e.AddInt("FramesDelivered", r.FramesDelivered)
	e.AddInt("FramesLost", r.FramesLost)
	e.AddInt("ShardsSent", r.ShardsSent)
	e.AddInt("ShardsLost", r.ShardsLost)
	e.AddUint64("BitrateBps", r.BitrateBps)
	e.AddInt("BitrateUpdates", r.BitrateUpdates)
	return nil
}

// ------------------------------------------------

type lockedRand struct {
	lock sync.Mutex
	rand *rand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.rand.Float64()
}
