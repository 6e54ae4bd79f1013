package publish_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/srg/ctgate/internal/ctlog"
	"github.com/srg/ctgate/internal/publish"
	"github.com/srg/ctgate/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tagAddr = "01AABBCCDDEEFF"

var fixedNow = time.Unix(1700000500, 0)

func minimalLog(t *testing.T) *ctlog.Log {
	t.Helper()
	log, err := ctlog.Decode(testutils.MinimalLog())
	require.NoError(t, err)
	return log
}

func encoder(f publish.Format) *publish.Encoder {
	return publish.NewEncoder(f, publish.DefaultTopics("gw1")).WithClock(func() time.Time { return fixedNow })
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    publish.Format
		wantErr bool
	}{
		{"json", publish.FormatJSON, false},
		{" B64 ", publish.FormatB64, false},
		{"MG100", publish.FormatMG100, false},
		{"json_legacy", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := publish.ParseFormat(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, publish.ErrUnknownFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTopics(t *testing.T) {
	topics := publish.DefaultTopics("gw1")
	assert.Equal(t, "ctgate/gw1/ct/data", topics.Telemetry)
	assert.Equal(t, "ctgate/gw1/ct/status", topics.Status)
	assert.Equal(t, "ctgate/gw1/ct/data/b64/"+tagAddr, topics.Data(publish.FormatB64, tagAddr))
}

func TestEncoderTelemetry(t *testing.T) {
	log := minimalLog(t)

	t.Run("json", func(t *testing.T) {
		msg, err := encoder(publish.FormatJSON).Telemetry(tagAddr, log)
		require.NoError(t, err)
		assert.Equal(t, "ctgate/gw1/ct/data/json/"+tagAddr, msg.Topic)
		assert.Equal(t, fixedNow, msg.At)
		testutils.NewJSONAsserter(t).Assert(string(msg.Payload), `{
			"header": {"device_id": "c0ffee123456", "battery_mv": 3040},
			"entries": [{"checksum_valid": true, "records": [{"rssi": -61}]}]
		}`)
	})

	t.Run("b64", func(t *testing.T) {
		msg, err := encoder(publish.FormatB64).Telemetry(tagAddr, log)
		require.NoError(t, err)
		var body struct {
			Payload string `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &body))
		raw, err := base64.StdEncoding.DecodeString(body.Payload)
		require.NoError(t, err)
		assert.Equal(t, testutils.MinimalLog(), raw)
	})

	t.Run("mg100", func(t *testing.T) {
		msg, err := encoder(publish.FormatMG100).Telemetry(tagAddr, log)
		require.NoError(t, err)
		assert.True(t, msg.Format.Binary())
		assert.Equal(t, log.EncodeMG100(fixedNow), msg.Payload)
	})
}

func TestEncoderStatus(t *testing.T) {
	msg, err := encoder(publish.FormatJSON).Status("gateway started")
	require.NoError(t, err)
	assert.Equal(t, "ctgate/gw1/ct/status", msg.Topic)
	assert.JSONEq(t, `{"status": "gateway started"}`, string(msg.Payload))
	assert.Empty(t, msg.Address)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	sink := publish.NewConsoleSink(&buf, encoder(publish.FormatMG100)).DisableColor()
	log := minimalLog(t)

	require.NoError(t, sink.Status(context.Background(), "up"))
	require.NoError(t, sink.Publish(context.Background(), tagAddr, log))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `status topic: ctgate/gw1/ct/status, payload: {"status":"up"}`, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "tag topic: ctgate/gw1/ct/data/mg100/"+tagAddr+", payload: 0100c0ffee123456"), lines[1])

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sink.Publish(ctx, tagAddr, log), context.Canceled)
}

func TestSQLiteSink(t *testing.T) {
	// GOAL: Every published log and status line lands in the local store
	//
	// TEST SCENARIO: Publish two logs for two tags plus a status line →
	// Recent returns them newest first, filterable by address

	path := filepath.Join(t.TempDir(), "messages.db")
	sink, err := publish.OpenSQLite(path, encoder(publish.FormatB64), testutils.QuietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	ctx := context.Background()
	log := minimalLog(t)
	require.NoError(t, sink.Status(ctx, "up"))
	require.NoError(t, sink.Publish(ctx, tagAddr, log))
	require.NoError(t, sink.Publish(ctx, "01112233445566", log))

	all, err := sink.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "01112233445566", all[0].Address)
	assert.Equal(t, "ctgate/gw1/ct/status", all[2].Topic)
	assert.True(t, all[0].At.Equal(fixedNow))

	mine, err := sink.Recent(ctx, tagAddr, 10)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, publish.FormatB64, mine[0].Format)
	assert.Contains(t, string(mine[0].Payload), base64.StdEncoding.EncodeToString(log.Raw()))

	// reopening keeps the rows
	require.NoError(t, sink.Close())
	sink, err = publish.OpenSQLite(path, encoder(publish.FormatB64), testutils.QuietLogger())
	require.NoError(t, err)
	again, err := sink.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

type flakySink struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (f *flakySink) Publish(ctx context.Context, addr string, log *ctlog.Log) error {
	return f.call()
}

func (f *flakySink) Status(ctx context.Context, text string) error {
	return f.call()
}

func (f *flakySink) call() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return errors.New("upstream unavailable")
	}
	return nil
}

func (f *flakySink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestBreakerSinkOpensAndRecovers(t *testing.T) {
	// GOAL: A dead upstream is cut off after consecutive failures and probed
	// again once the open timeout passes
	//
	// TEST SCENARIO: 3 failures → open, calls fail fast without reaching the
	// sink; upstream recovers, timeout passes → probe succeeds, closed

	inner := &flakySink{fail: true}
	sink := publish.NewBreakerSink("test", inner, publish.BreakerConfig{
		MaxFailures: 3,
		Timeout:     50 * time.Millisecond,
	}, testutils.QuietLogger())
	ctx := context.Background()
	log := minimalLog(t)

	for i := 0; i < 3; i++ {
		err := sink.Publish(ctx, tagAddr, log)
		require.Error(t, err)
		assert.NotErrorIs(t, err, publish.ErrSinkOpen)
	}
	assert.Equal(t, gobreaker.StateOpen, sink.State())

	err := sink.Publish(ctx, tagAddr, log)
	assert.ErrorIs(t, err, publish.ErrSinkOpen)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, inner.count())

	inner.mu.Lock()
	inner.fail = false
	inner.mu.Unlock()

	assert.Eventually(t, func() bool {
		return sink.Status(ctx, "probe") == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, gobreaker.StateClosed, sink.State())
}

func TestBreakerIgnoresCallerCancellation(t *testing.T) {
	inner := &cancelSink{}
	sink := publish.NewBreakerSink("test", inner, publish.BreakerConfig{MaxFailures: 1}, testutils.QuietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, sink.Publish(ctx, tagAddr, nil), context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, sink.State())
}

type cancelSink struct{}

func (cancelSink) Publish(ctx context.Context, addr string, log *ctlog.Log) error { return ctx.Err() }
func (cancelSink) Status(ctx context.Context, text string) error                  { return ctx.Err() }

func TestMultiCallsEverySink(t *testing.T) {
	good := &flakySink{}
	bad := &flakySink{fail: true}
	var buf bytes.Buffer
	console := publish.NewConsoleSink(&buf, encoder(publish.FormatJSON)).DisableColor()

	m := publish.Multi{bad, good, console}
	err := m.Publish(context.Background(), tagAddr, minimalLog(t))

	assert.ErrorContains(t, err, "upstream unavailable")
	assert.Equal(t, 1, good.count())
	assert.Equal(t, 1, bad.count())
	assert.Contains(t, buf.String(), "tag topic: ctgate/gw1/ct/data/json/"+tagAddr)

	assert.NoError(t, publish.Multi{good}.Status(context.Background(), "ok"))
}
