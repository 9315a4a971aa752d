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

package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/utils"
)

// Sink is a one way, fire and forget consumer of telemetry events. SendEvent must not block.
type Sink interface {
	SendEvent(event Event)
}

type SinkFunc func(event Event)

func (f SinkFunc) SendEvent(event Event) {
	f(event)
}

func NewEvent(at time.Time, data EventData) Event {
	return Event{Timestamp: at, Data: data}
}

// ------------------------------------------------

type nullSink struct{}

func (nullSink) SendEvent(Event) {}

var NullSink Sink = nullSink{}

// ------------------------------------------------

type FanoutSink []Sink

func (f FanoutSink) SendEvent(event Event) {
	for _, s := range f {
		s.SendEvent(event)
	}
}

// ------------------------------------------------

// LogSink writes every event to the logger. Log events keep their severity, all other
// events are written at debug level.
type LogSink struct {
	Logger logger.Logger
}

func (l LogSink) SendEvent(event Event) {
	switch data := event.Data.(type) {
	case *LogEntry:
		switch data.Severity {
		case LogSeverityError:
			l.Logger.Errorw(data.Content, nil)
		case LogSeverityWarning:
			l.Logger.Warnw(data.Content, nil)
		case LogSeverityInfo:
			l.Logger.Infow(data.Content)
		default:
			l.Logger.Debugw(data.Content)
		}
	default:
		l.Logger.Debugw("telemetry event", "id", event.ID(), "data", data)
	}
}

// ------------------------------------------------

// JSONLinesSink writes one JSON encoded event per line.
type JSONLinesSink struct {
	logger logger.Logger

	lock sync.Mutex
	w    io.Writer
	enc  *json.Encoder
}

func NewJSONLinesSink(w io.Writer, logger logger.Logger) *JSONLinesSink {
	return &JSONLinesSink{
		logger: logger,
		w:      w,
		enc:    json.NewEncoder(w),
	}
}

func (j *JSONLinesSink) SendEvent(event Event) {
	j.lock.Lock()
	defer j.lock.Unlock()

	if err := j.enc.Encode(event); err != nil {
		j.logger.Warnw("could not write event", err, "id", event.ID())
	}
}

func (j *JSONLinesSink) Close() error {
	j.lock.Lock()
	defer j.lock.Unlock()

	if c, ok := j.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ------------------------------------------------

type QueuedSinkParams struct {
	Next      Sink
	QueueSize int
	Logger    logger.Logger
}

// QueuedSink hands events to the next sink from its own goroutine. Events that do not
// fit in the queue are dropped.
type QueuedSink struct {
	next Sink
	ops  *utils.OpsQueue
}

const defaultEventQueueSize = 1024

func NewQueuedSink(params QueuedSinkParams) *QueuedSink {
	if params.QueueSize <= 0 {
		params.QueueSize = defaultEventQueueSize
	}
	q := &QueuedSink{
		next: params.Next,
		ops:  utils.NewOpsQueue(params.Logger, "telemetry", params.QueueSize),
	}
	q.ops.Start()
	return q
}

func (q *QueuedSink) SendEvent(event Event) {
	_ = q.ops.Enqueue(func() {
		q.next.SendEvent(event)
	})
}

func (q *QueuedSink) NumDropped() uint64 {
	return q.ops.NumDropped()
}

// Stop delivers what is already queued and returns once done.
func (q *QueuedSink) Stop() {
	q.ops.Stop()
	<-q.ops.Done()
}
