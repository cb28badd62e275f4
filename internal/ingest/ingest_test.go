package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/meltica-trader/errs"
	"github.com/coachpo/meltica-trader/internal/schema"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func frame(t *testing.T, typ string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	out, err := json.Marshal(envelope{Type: typ, Data: raw})
	require.NoError(t, err)
	return out
}

func mark(sym string, seq uint64, px int64) schema.Observation {
	return schema.Observation{
		Instrument: sym,
		Kind:       schema.ObservationMark,
		EventTime:  t0.Add(time.Duration(seq) * time.Second),
		Seq:        seq,
		Mark:       decimal.NewFromInt(px),
	}
}

func TestDecode(t *testing.T) {
	one, err := Decode(frame(t, FrameObservation, mark("BTC-USD", 1, 100)))
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "100", one[0].Mark.String())
	require.True(t, one[0].EventTime.Equal(t0.Add(time.Second)))

	batch, err := Decode(frame(t, FrameBatch, []schema.Observation{mark("BTC-USD", 2, 101), mark("ETH-USD", 3, 5)}))
	require.NoError(t, err)
	require.Len(t, batch, 2)

	none, err := Decode([]byte(`{"type":"heartbeat"}`))
	require.NoError(t, err)
	require.Empty(t, none)

	for _, raw := range []string{
		`{"type":"error","message":"rate limited"}`,
		`{"type":"mystery"}`,
		`not json`,
		`{"type":"observation","data":{"kind":"mark"}}`,
	} {
		_, err := Decode([]byte(raw))
		require.Equal(t, errs.CodeData, errs.CodeOf(err), raw)
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}

func TestClientStreamsAndReconnects(t *testing.T) {
	var sessions atomic.Int32
	frames := [][]byte{
		frame(t, FrameObservation, mark("BTC-USD", 1, 101)),
		frame(t, FrameObservation, mark("BTC-USD", 2, 102)),
	}
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := r.Context()
		_, req, err := conn.Read(ctx)
		if err != nil {
			return
		}
		subscribed <- string(req)
		n := sessions.Add(1)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"heartbeat"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`))
		if int(n) <= len(frames) {
			_ = conn.Write(ctx, websocket.MessageText, frames[n-1])
		}
		if n == 1 {
			_ = conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		<-ctx.Done()
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Instruments:       []string{"BTC-USD"},
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	var connects, disconnects atomic.Int32
	client.OnState(func(up bool) {
		if up {
			connects.Add(1)
		} else {
			disconnects.Add(1)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	var got []schema.Observation
	for len(got) < 2 {
		select {
		case obs := <-client.Observations():
			got = append(got, obs)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for observations")
		}
	}
	require.Equal(t, "101", got[0].Mark.String())
	require.Equal(t, "102", got[1].Mark.String())
	require.Contains(t, <-subscribed, `"instruments":["BTC-USD"]`)
	require.GreaterOrEqual(t, connects.Load(), int32(2))
	require.GreaterOrEqual(t, disconnects.Load(), int32(1))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
	}
	_, open := <-client.Observations()
	require.False(t, open)
}

func TestResyncResubscribesWithoutBackoff(t *testing.T) {
	var sessions atomic.Int32
	frames := [][]byte{
		frame(t, FrameObservation, mark("BTC-USD", 1, 101)),
		frame(t, FrameObservation, mark("BTC-USD", 2, 102)),
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		n := sessions.Add(1)
		if int(n) <= len(frames) {
			_ = conn.Write(ctx, websocket.MessageText, frames[n-1])
		}
		// hold the session open until the client leaves
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	client, err := NewClient(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Instruments:       []string{"BTC-USD"},
		ReconnectDelay:    time.Minute,
		MaxReconnectDelay: time.Minute,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	next := func() schema.Observation {
		select {
		case obs := <-client.Observations():
			return obs
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for observations")
			return schema.Observation{}
		}
	}
	require.Equal(t, "101", next().Mark.String())
	client.Resync()
	require.Equal(t, "102", next().Mark.String())
	require.Equal(t, int32(2), sessions.Load())

	cancel()
	require.NoError(t, <-done)
}
