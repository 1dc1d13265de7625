package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	appmarketdata "marketsim/internal/application/service/marketdata"
	"marketsim/internal/application/service/scheduler"
	domaininstruments "marketsim/internal/domain/entity/instruments"
	domainmarketdata "marketsim/internal/domain/entity/marketdata"
	"marketsim/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	apiBasePath  = "/api/v1"
	defaultLimit = 100
)

var errMissingSymbol = errors.New("symbol is required")

// Engine is the part of the scheduler the API drives.
type Engine interface {
	Status() scheduler.Status
	TriggerCycle(ctx context.Context) (*scheduler.CycleResult, error)
}

// SinkHealth reports the external sink state.
type SinkHealth interface {
	SinkConfigured() bool
	Healthy() bool
	Subscribers() int
}

type Handler struct {
	router     *gin.Engine
	engine     Engine
	marketdata *appmarketdata.Service
	sink       SinkHealth
	stream     *Stream
	metrics    *metrics.Metrics
	cache      redis.UniversalClient
	cacheTTL   time.Duration
}

type Deps struct {
	Engine     Engine
	MarketData *appmarketdata.Service
	Sink       SinkHealth
	Stream     *Stream
	Metrics    *metrics.Metrics
	Cache      redis.UniversalClient
	CacheTTL   time.Duration
}

func NewHandler(deps Deps) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:     router,
		engine:     deps.Engine,
		marketdata: deps.MarketData,
		sink:       deps.Sink,
		stream:     deps.Stream,
		metrics:    deps.Metrics,
		cache:      deps.Cache,
		cacheTTL:   deps.CacheTTL,
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	api := h.router.Group(apiBasePath)
	api.GET("/status", h.getStatus)
	api.POST("/cycles/trigger", h.triggerCycle)

	inst := api.Group("/instruments")
	{
		inst.GET("", h.listInstruments)
		inst.GET("/:symbol", h.getInstrument)
		inst.DELETE("/:symbol/history", h.resetHistory)

		candles := inst.Group("/:symbol/candles")
		if h.cache != nil {
			candles.Use(h.cacheMiddleware())
		}
		candles.GET("", h.getCandles)
	}

	if h.stream != nil {
		api.GET("/stream", h.stream.serve)
	}
}

type statusResponse struct {
	Scheduler scheduler.Status `json:"scheduler"`
	Sink      sinkStatus       `json:"sink"`
	Metrics   metrics.Snapshot `json:"metrics"`
}

type sinkStatus struct {
	Configured    bool `json:"configured"`
	Healthy       bool `json:"healthy"`
	Subscribers   int  `json:"subscribers"`
	StreamClients int  `json:"stream_clients"`
}

func (h *Handler) getStatus(c *gin.Context) {
	resp := statusResponse{
		Scheduler: h.engine.Status(),
		Metrics:   h.metrics.Snapshot(),
	}
	if h.sink != nil {
		resp.Sink.Configured = h.sink.SinkConfigured()
		resp.Sink.Healthy = h.sink.Healthy()
		resp.Sink.Subscribers = h.sink.Subscribers()
	}
	if h.stream != nil {
		resp.Sink.StreamClients = h.stream.Clients()
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) triggerCycle(c *gin.Context) {
	result, err := h.engine.TriggerCycle(c.Request.Context())
	switch {
	case errors.Is(err, scheduler.ErrCycleActive):
		writeError(c, http.StatusConflict, err)
		return
	case errors.Is(err, scheduler.ErrStopped):
		writeError(c, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type instrumentView struct {
	UID          string    `json:"uid"`
	Symbol       string    `json:"symbol"`
	Name         string    `json:"name,omitempty"`
	Price        float64   `json:"price"`
	Volatility   float64   `json:"volatility"`
	CircuitLimit float64   `json:"circuit_limit"`
	LastUpdated  time.Time `json:"last_updated"`

	Current map[domainmarketdata.Timeframe]*domainmarketdata.Candle `json:"current,omitempty"`
}

func newInstrumentView(inst domaininstruments.Instrument, now time.Time) instrumentView {
	view := instrumentView{
		UID:          inst.UID.String(),
		Symbol:       inst.Symbol,
		Name:         inst.Name,
		Price:        inst.Price,
		Volatility:   inst.Volatility,
		CircuitLimit: inst.CircuitLimit,
		LastUpdated:  inst.LastUpdated,
	}
	for _, tf := range domainmarketdata.Timeframes {
		if bar, ok := inst.Candles.Current(tf, now); ok {
			if view.Current == nil {
				view.Current = make(map[domainmarketdata.Timeframe]*domainmarketdata.Candle)
			}
			view.Current[tf] = &bar
		}
	}
	return view
}

func (h *Handler) listInstruments(c *gin.Context) {
	list, err := h.marketdata.ListInstruments(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	now := time.Now()
	out := make([]instrumentView, 0, len(list))
	for _, inst := range list {
		out = append(out, newInstrumentView(inst, now))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getInstrument(c *gin.Context) {
	symbol := c.Param("symbol")
	if symbol == "" {
		writeError(c, http.StatusBadRequest, errMissingSymbol)
		return
	}
	inst, err := h.marketdata.GetInstrument(c.Request.Context(), symbol)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, newInstrumentView(*inst, time.Now()))
}

func (h *Handler) getCandles(c *gin.Context) {
	timeframe := c.DefaultQuery("timeframe", string(domainmarketdata.Timeframe5m))
	limit, err := parseIntQuery(c, "limit", defaultLimit)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	bars, err := h.marketdata.GetCandles(c.Request.Context(), c.Param("symbol"), timeframe, limit)
	if err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	if bars == nil {
		bars = []domainmarketdata.Candle{}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":    c.Param("symbol"),
		"timeframe": timeframe,
		"candles":   bars,
	})
}

func (h *Handler) resetHistory(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := h.marketdata.ResetHistory(c.Request.Context(), symbol); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	h.invalidate(c.Request.Context(), symbol)
	c.Status(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domaininstruments.ErrInstrumentNotFound):
		return http.StatusNotFound
	case errors.Is(err, appmarketdata.ErrInvalidLimit),
		errors.Is(err, appmarketdata.ErrUnknownTimeframe):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// cacheMiddleware caches GET responses in Redis.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.cache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := h.cacheKey(c)
		ctx := c.Request.Context()

		if cached, err := h.cache.Get(ctx, key).Result(); err == nil {
			c.Header("X-Cache", "HIT")
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.cache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}

func (h *Handler) cacheKey(c *gin.Context) string {
	return candlesCacheKey(c.Param("symbol"), c.Request.URL.RawQuery)
}

// Symbols match case-insensitively, so the key uses the canonical form.
func candlesCacheKey(symbol, rawQuery string) string {
	return fmt.Sprintf("cache:%s:candles:%s?%s", http.MethodGet, canonicalSymbol(symbol), rawQuery)
}

func candlesCachePattern(symbol string) string {
	return fmt.Sprintf(`cache:%s:candles:%s\?*`, http.MethodGet, globEscaper.Replace(canonicalSymbol(symbol)))
}

func canonicalSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// invalidate drops cached candle responses of one symbol.
func (h *Handler) invalidate(ctx context.Context, symbol string) {
	if h.cache == nil {
		return
	}
	iter := h.cache.Scan(ctx, 0, candlesCachePattern(symbol), 100).Iterator()
	for iter.Next(ctx) {
		_ = h.cache.Del(ctx, iter.Val()).Err()
	}
}

func parseIntQuery(c *gin.Context, key string, fallback int) (int, error) {
	value := c.Query(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}
