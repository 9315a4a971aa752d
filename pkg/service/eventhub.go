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

package service

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/telemetry"
)

const (
	pingFrequency = 10 * time.Second
	pingTimeout   = 2 * time.Second
	writeTimeout  = 5 * time.Second

	// events waiting for a slow subscriber beyond this are dropped
	maxPendingEvents = 256
)

// EventHub broadcasts telemetry events as JSON text messages to every connected
// websocket subscriber.
type EventHub struct {
	logger   logger.Logger
	upgrader websocket.Upgrader

	lock        sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool

	numDropped atomic.Uint64
}

type subscriber struct {
	conn *websocket.Conn
	// a single worker keeps messages in order
	writer *workerpool.WorkerPool
	done   chan struct{}
	once   sync.Once
}

func NewEventHub(logger logger.Logger) *EventHub {
	return &EventHub{
		logger: logger,
		upgrader: websocket.Upgrader{
			// cross origin access is governed by the cors middleware
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("could not upgrade events connection", err)
		return
	}

	sub := &subscriber{
		conn:   conn,
		writer: workerpool.New(1),
		done:   make(chan struct{}),
	}

	h.lock.Lock()
	if h.closed {
		h.lock.Unlock()
		_ = conn.Close()
		return
	}
	h.subscribers[sub] = struct{}{}
	h.lock.Unlock()

	h.logger.Infow("events subscriber connected", "remote", r.RemoteAddr)
	go h.pingWorker(sub)

	// subscribers never send anything, reading only surfaces the close
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !IsWebSocketCloseError(err) {
				h.logger.Debugw("events subscriber read failed", "error", err)
			}
			break
		}
	}
	h.remove(sub)
	h.logger.Infow("events subscriber disconnected", "remote", r.RemoteAddr)
}

func (h *EventHub) SendEvent(event telemetry.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Warnw("could not marshal event", err, "id", event.ID())
		return
	}

	h.lock.RLock()
	defer h.lock.RUnlock()

	for sub := range h.subscribers {
		if sub.writer.WaitingQueueSize() >= maxPendingEvents {
			h.numDropped.Inc()
			continue
		}
		sub.writer.Submit(func() {
			if err := sub.write(websocket.TextMessage, payload); err != nil {
				h.logger.Debugw("could not write event", "error", err)
				go h.remove(sub)
			}
		})
	}
}

func (h *EventHub) NumSubscribers() int {
	h.lock.RLock()
	defer h.lock.RUnlock()

	return len(h.subscribers)
}

func (h *EventHub) NumDropped() uint64 {
	return h.numDropped.Load()
}

// Close disconnects every subscriber and rejects new ones.
func (h *EventHub) Close() {
	h.lock.Lock()
	h.closed = true
	subs := h.subscribers
	h.subscribers = make(map[*subscriber]struct{})
	h.lock.Unlock()

	for sub := range subs {
		sub.close()
	}
}

func (h *EventHub) remove(sub *subscriber) {
	h.lock.Lock()
	delete(h.subscribers, sub)
	h.lock.Unlock()

	sub.close()
}

func (h *EventHub) pingWorker(sub *subscriber) {
	ticker := time.NewTicker(pingFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, []byte(""), time.Now().Add(pingTimeout)); err != nil {
				return
			}
		}
	}
}

// ------------------------------------------------

func (s *subscriber) write(messageType int, payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, payload)
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		// let queued events go out before closing
		go func() {
			s.writer.StopWait()
			_ = s.conn.Close()
		}()
	})
}

// IsWebSocketCloseError checks that error is normal/expected closure
func IsWebSocketCloseError(err error) bool {
	return errors.Is(err, io.EOF) ||
		strings.HasSuffix(err.Error(), "use of closed network connection") ||
		strings.HasSuffix(err.Error(), "connection reset by peer") ||
		websocket.IsCloseError(
			err,
			websocket.CloseAbnormalClosure,
			websocket.CloseGoingAway,
			websocket.CloseNormalClosure,
			websocket.CloseNoStatusReceived,
		)
}
