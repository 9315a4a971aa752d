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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/config"
	"github.com/livekit/xrstream/pkg/telemetry"
)

func newTestServer(t *testing.T) (*Server, *EventHub, *prometheus.Registry) {
	conf, err := config.NewConfig("", true, nil, nil)
	require.NoError(t, err)
	conf.Port = 0
	conf.BindAddresses = []string{"127.0.0.1"}

	reg := prometheus.NewRegistry()
	hub := NewEventHub(logger.GetLogger())
	s := NewServer(ServerParams{
		Config:   config.NewProvider(conf),
		Gatherer: reg,
		Events:   hub,
	})
	return s, hub, reg
}

func get(t *testing.T, url string, header http.Header) (*http.Response, string) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func TestServer_Endpoints(t *testing.T) {
	s, _, reg := newTestServer(t)
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "xrstream", Name: "test_gauge"})
	reg.MustRegister(gauge)
	gauge.Set(3)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	t.Run("healthz", func(t *testing.T) {
		res, body := get(t, ts.URL+"/healthz", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, "OK", body)
	})

	t.Run("config", func(t *testing.T) {
		res, body := get(t, ts.URL+"/config", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Equal(t, "0", res.Header.Get("X-Config-Version"))
		require.Contains(t, body, "nominal_framerate: 72")
		require.Contains(t, body, "type: adaptive")
	})

	t.Run("metrics", func(t *testing.T) {
		res, body := get(t, ts.URL+"/metrics", nil)
		require.Equal(t, http.StatusOK, res.StatusCode)
		require.Contains(t, body, "xrstream_test_gauge 3")
	})

	t.Run("cors", func(t *testing.T) {
		res, _ := get(t, ts.URL+"/healthz", http.Header{"Origin": []string{"http://dashboard.local"}})
		require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("not found", func(t *testing.T) {
		res, _ := get(t, ts.URL+"/rtc", nil)
		require.Equal(t, http.StatusNotFound, res.StatusCode)
	})
}

func TestEventHub_Broadcast(t *testing.T) {
	s, hub, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events"
	var conns []*websocket.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		conns = append(conns, conn)
	}
	require.Eventually(t, func() bool { return hub.NumSubscribers() == 2 }, time.Second, 10*time.Millisecond)

	at := time.Unix(100, 0)
	hub.SendEvent(telemetry.NewEvent(at, &telemetry.LogEntry{Severity: telemetry.LogSeverityInfo, Content: "one"}))
	hub.SendEvent(telemetry.NewEvent(at, &telemetry.GraphStatistics{FrameIndex: 2}))

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

		var ids []telemetry.EventID
		for i := 0; i < 2; i++ {
			messageType, payload, err := conn.ReadMessage()
			require.NoError(t, err)
			require.Equal(t, websocket.TextMessage, messageType)

			var e telemetry.Event
			require.NoError(t, json.Unmarshal(payload, &e))
			ids = append(ids, e.ID())
		}
		require.Equal(t, []telemetry.EventID{telemetry.EventIDLog, telemetry.EventIDGraphStatistics}, ids)
	}

	t.Run("disconnect", func(t *testing.T) {
		require.NoError(t, conns[0].Close())
		require.Eventually(t, func() bool { return hub.NumSubscribers() == 1 }, time.Second, 10*time.Millisecond)
	})

	t.Run("close", func(t *testing.T) {
		hub.Close()
		require.Equal(t, 0, hub.NumSubscribers())

		require.NoError(t, conns[1].SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err := conns[1].ReadMessage()
		require.Error(t, err)

		// new subscribers are turned away
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err == nil {
			require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
			_, _, err = conn.ReadMessage()
			require.Error(t, err)
		}
	})
}

func TestServer_Start(t *testing.T) {
	s, _, _ := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Start(ctx)
	}()
	require.Eventually(t, s.IsRunning, time.Second, 10*time.Millisecond)
	require.ErrorIs(t, s.Start(ctx), ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * shutdownTimeout):
		t.Fatal("server did not stop")
	}
	require.False(t, s.IsRunning())
}
