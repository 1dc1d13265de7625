package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appmarketdata "marketsim/internal/application/service/marketdata"
	"marketsim/internal/application/service/scheduler"
	"marketsim/internal/domain/entity/instruments"
	"marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/memory"
	"marketsim/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	status scheduler.Status
	result *scheduler.CycleResult
	err    error
}

func (e *fakeEngine) Status() scheduler.Status { return e.status }

func (e *fakeEngine) TriggerCycle(context.Context) (*scheduler.CycleResult, error) {
	return e.result, e.err
}

type fakeSink struct{}

func (fakeSink) SinkConfigured() bool { return true }
func (fakeSink) Healthy() bool        { return false }
func (fakeSink) Subscribers() int     { return 2 }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func setupHandler(t *testing.T, engine *fakeEngine) (*Handler, *memory.Store, *Stream) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := memory.NewStore(marketdata.DefaultTickRetention)
	ctx := context.Background()
	aaa := &instruments.Instrument{Symbol: "AAA", Name: "Triple A", Price: 100, Volatility: 5000, CircuitLimit: 5}
	require.NoError(t, store.CreateInstrument(ctx, aaa))
	require.NoError(t, store.CreateInstrument(ctx, &instruments.Instrument{Symbol: "BBB", Price: 50, Volatility: 1000}))

	now := time.Now().UTC()
	require.NoError(t, store.UpdatePrices(ctx, []marketdata.PriceUpdate{{InstrumentUID: aaa.UID, Price: 101, At: now}}))
	current, err := store.GetInstrument(ctx, aaa.UID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateCandles(ctx, aaa.UID, current.Candles.Apply(101, now, 0), current.Version))

	m := metrics.New()
	stream := NewStream(10, quietLogger(), m)
	t.Cleanup(stream.Close)
	h := NewHandler(Deps{
		Engine:     engine,
		MarketData: appmarketdata.NewService(store, 1000, 24*time.Hour),
		Sink:       fakeSink{},
		Stream:     stream,
		Metrics:    m,
	})
	return h, store, stream
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestStatus(t *testing.T) {
	h, _, _ := setupHandler(t, &fakeEngine{status: scheduler.Status{State: "scheduled", Mode: "continuous", IntervalMS: 30000}})

	rec := do(h, http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "scheduled", body.Scheduler.State)
	assert.Equal(t, int64(30000), body.Scheduler.IntervalMS)
	assert.True(t, body.Sink.Configured)
	assert.False(t, body.Sink.Healthy)
	assert.Equal(t, 2, body.Sink.Subscribers)
}

func TestTriggerCycle(t *testing.T) {
	tests := []struct {
		name   string
		engine *fakeEngine
		want   int
	}{
		{"ok", &fakeEngine{result: &scheduler.CycleResult{DurationMS: 12}}, http.StatusOK},
		{"active", &fakeEngine{err: scheduler.ErrCycleActive}, http.StatusConflict},
		{"stopped", &fakeEngine{err: scheduler.ErrStopped}, http.StatusServiceUnavailable},
		{"failed", &fakeEngine{err: errors.New("store down")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := setupHandler(t, tt.engine)
			rec := do(h, http.MethodPost, "/api/v1/cycles/trigger")
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestInstrumentRoutes(t *testing.T) {
	h, _, _ := setupHandler(t, &fakeEngine{})

	rec := do(h, http.MethodGet, "/api/v1/instruments")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []instrumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "AAA", list[0].Symbol)
	assert.Equal(t, 101.0, list[0].Price)
	assert.Contains(t, list[0].Current, marketdata.Timeframe5m)

	rec = do(h, http.MethodGet, "/api/v1/instruments/bbb")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"symbol":"BBB"`)

	rec = do(h, http.MethodGet, "/api/v1/instruments/ZZZ")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCandlesRoute(t *testing.T) {
	h, _, _ := setupHandler(t, &fakeEngine{})

	rec := do(h, http.MethodGet, "/api/v1/instruments/AAA/candles?timeframe=5m&limit=10")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Candles []marketdata.Candle `json:"candles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Candles, 1)
	assert.Equal(t, 101.0, body.Candles[0].Close)

	for path, want := range map[string]int{
		"/api/v1/instruments/AAA/candles?limit=abc":        http.StatusBadRequest,
		"/api/v1/instruments/AAA/candles?limit=0":          http.StatusBadRequest,
		"/api/v1/instruments/AAA/candles?timeframe=weekly": http.StatusBadRequest,
		"/api/v1/instruments/ZZZ/candles":                  http.StatusNotFound,
		"/api/v1/instruments/AAA/candles?timeframe=1m":     http.StatusOK,
	} {
		assert.Equal(t, want, do(h, http.MethodGet, path).Code, path)
	}
}

func TestResetHistoryRoute(t *testing.T) {
	h, _, _ := setupHandler(t, &fakeEngine{})

	rec := do(h, http.MethodDelete, "/api/v1/instruments/AAA/history")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/instruments/AAA/candles")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"candles":[]`)

	rec = do(h, http.MethodDelete, "/api/v1/instruments/ZZZ/history")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamPushesPayload(t *testing.T) {
	h, _, stream := setupHandler(t, &fakeEngine{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 10*time.Millisecond)

	now := time.Now().UTC()
	require.NoError(t, stream.Broadcast(context.Background(), []marketdata.TickResult{
		{Symbol: "AAA", Price: 103, PreviousPrice: 100, Timestamp: now},
		{Symbol: "BBB", Price: 50, PreviousPrice: 50, Timestamp: now},
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var payload struct {
		Count   int `json:"count"`
		Updates []struct {
			Symbol        string  `json:"symbol"`
			ChangePercent float64 `json:"changePercent"`
		} `json:"updates"`
	}
	require.NoError(t, json.Unmarshal(msg, &payload))
	assert.Equal(t, 2, payload.Count)
	require.Len(t, payload.Updates, 2)
	assert.Equal(t, "AAA", payload.Updates[0].Symbol)
	assert.Equal(t, 3.0, payload.Updates[0].ChangePercent)
}
