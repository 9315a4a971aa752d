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

package telemetry_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/xrstream/pkg/telemetry"
	"github.com/livekit/xrstream/pkg/telemetry/telemetrytest"
)

func TestEvent_JSON(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	binary := true
	for _, data := range []telemetry.EventData{
		&telemetry.LogEntry{Severity: telemetry.LogSeverityWarning, Content: "dropped"},
		&telemetry.SessionEvent{Settings: map[string]any{"stream": map[string]any{"nominal_framerate": 72.0}}},
		&telemetry.StatisticsSummary{VideoPacketsTotal: 10, ClientFPS: 71.5, BatteryHMD: 40},
		&telemetry.GraphStatistics{
			FrameIndex: 7,
			NetworkS:   0.005,
			NominalBitrate: telemetry.NominalBitrateStats{
				ManualMaxBps: telemetry.Some(100e6),
				RequestedBps: 30e6,
			},
		},
		&telemetry.GraphNetworkStatistics{FrameIndex: 7, ShardsLost: -1, RTTMs: 12},
		&telemetry.HeuristicStats{FrameInterval: 11 * time.Millisecond, Framerate: 90},
		&telemetry.TrackingEvent{HeadMotion: &telemetry.DeviceMotion{}},
		&telemetry.ButtonsEvent{{Path: "/user/hand/left/input/trigger/click", Value: telemetry.ButtonValue{Binary: &binary}}},
		&telemetry.HapticsEvent{Path: "/user/hand/right/output/haptic", Duration: 20 * time.Millisecond},
	} {
		t.Run(string(data.EventID()), func(t *testing.T) {
			b, err := json.Marshal(telemetry.NewEvent(at, data))
			require.NoError(t, err)

			var out telemetry.Event
			require.NoError(t, json.Unmarshal(b, &out))
			require.Equal(t, data.EventID(), out.ID())
			require.True(t, at.Equal(out.Timestamp))
			require.Equal(t, data, out.Data)
		})
	}
}

func TestEvent_JSONUnknown(t *testing.T) {
	var out telemetry.Event
	err := json.Unmarshal([]byte(`{"timestamp":"2024-05-01T12:00:00Z","id":"bogus","data":{}}`), &out)
	require.ErrorIs(t, err, telemetry.ErrUnknownEventID)

	_, err = json.Marshal(telemetry.Event{})
	require.Error(t, err)
}

func TestNominalBitrateStats_DisabledLimiterIsNull(t *testing.T) {
	b, err := json.Marshal(telemetry.NominalBitrateStats{RequestedBps: 1})
	require.NoError(t, err)
	require.Contains(t, string(b), `"decoder_latency_limiter_bps":null`)
}

// ------------------------------------------------

func TestFanoutSink(t *testing.T) {
	var a, b telemetrytest.CaptureSink
	var calls int
	sink := telemetry.FanoutSink{&a, &b, telemetry.SinkFunc(func(telemetry.Event) { calls++ })}

	sink.SendEvent(telemetry.NewEvent(time.Unix(1, 0), &telemetry.LogEntry{Content: "one"}))
	sink.SendEvent(telemetry.NewEvent(time.Unix(2, 0), &telemetry.StatisticsSummary{}))

	require.Len(t, a.Events(), 2)
	require.Len(t, b.Events(), 2)
	require.Equal(t, 2, calls)
	require.Len(t, a.Of(telemetry.EventIDLog), 1)

	last, ok := telemetrytest.Last[*telemetry.LogEntry](&b)
	require.True(t, ok)
	require.Equal(t, "one", last.Content)
}

func TestJSONLinesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := telemetry.NewJSONLinesSink(&buf, logger.GetLogger())

	sink.SendEvent(telemetry.NewEvent(time.Unix(1, 0), &telemetry.LogEntry{Content: "one"}))
	sink.SendEvent(telemetry.NewEvent(time.Unix(2, 0), &telemetry.GraphNetworkStatistics{FrameIndex: 3}))
	// not serializable, written nowhere
	sink.SendEvent(telemetry.Event{})
	require.NoError(t, sink.Close())

	var ids []telemetry.EventID
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var e telemetry.Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		ids = append(ids, e.ID())
	}
	require.Equal(t, []telemetry.EventID{telemetry.EventIDLog, telemetry.EventIDGraphNetworkStatistics}, ids)
}

func TestLogSink(t *testing.T) {
	sink := telemetry.LogSink{Logger: logger.GetLogger()}
	for _, severity := range []telemetry.LogSeverity{
		telemetry.LogSeverityError,
		telemetry.LogSeverityWarning,
		telemetry.LogSeverityInfo,
		telemetry.LogSeverityDebug,
	} {
		sink.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.LogEntry{Severity: severity, Content: "test"}))
	}
	sink.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.HeuristicStats{}))
}

func TestQueuedSink(t *testing.T) {
	var capture telemetrytest.CaptureSink
	sink := telemetry.NewQueuedSink(telemetry.QueuedSinkParams{
		Next:      &capture,
		QueueSize: 16,
		Logger:    logger.GetLogger(),
	})

	for i := 0; i < 10; i++ {
		sink.SendEvent(telemetry.NewEvent(time.Unix(int64(i), 0), &telemetry.GraphStatistics{FrameIndex: int32(i)}))
	}
	sink.Stop()

	stats := telemetrytest.All[*telemetry.GraphStatistics](&capture)
	require.Len(t, stats, 10)
	for i, s := range stats {
		require.Equal(t, int32(i), s.FrameIndex)
	}
	require.Zero(t, sink.NumDropped())

	// no longer accepting events
	sink.SendEvent(telemetry.NewEvent(time.Unix(0, 0), &telemetry.LogEntry{}))
	require.Len(t, capture.Events(), 10)
}
