// Package cacheapi serves the replay cache to worker processes.
package cacheapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/rollout/internal/cache"
	"github.com/xiaot623/gogo/rollout/pkg/protocol"
)

// Feed is the websocket endpoint that streams worker activity.
type Feed interface {
	HandleWebSocket(c echo.Context) error
}

// Handler handles cache server requests.
type Handler struct {
	store    *cache.Store
	feed     Feed
	registry *prometheus.Registry
	lookups  *prometheus.CounterVec
}

// NewHandler creates a new handler. feed may be nil.
func NewHandler(store *cache.Store, feed Feed) *Handler {
	registry := prometheus.NewRegistry()

	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rollout_cache_lookups_total",
		Help: "Replay cache lookups by result.",
	}, []string{"result"})
	entries := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "rollout_cache_entries",
		Help: "Records currently held in the replay cache.",
	}, func() float64 {
		return float64(store.Len())
	})
	registry.MustRegister(lookups, entries)

	return &Handler{
		store:    store,
		feed:     feed,
		registry: registry,
		lookups:  lookups,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.POST("/cached", h.Lookup)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{})))
	if h.feed != nil {
		e.GET("/ws", h.feed.HandleWebSocket)
	}
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Lookup returns the record cached at (path, index). The current replay
// metadata is included on hits and misses.
func (h *Handler) Lookup(c echo.Context) error {
	var req protocol.LookupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
	}
	if req.Path == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "path is required",
		})
	}
	if req.Index == nil || *req.Index < 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "index must be a non-negative integer",
		})
	}

	meta := h.store.Metadata()
	record, ok := h.store.Get(req.Path, *req.Index)
	if !ok {
		h.lookups.WithLabelValues("miss").Inc()
		return c.JSON(http.StatusNotFound, &protocol.LookupResponse{
			Error:       protocol.CacheMissMessage,
			PathToCount: meta.PathToCount,
			Overrides:   meta.Overrides,
		})
	}

	h.lookups.WithLabelValues("hit").Inc()
	return c.JSON(http.StatusOK, &protocol.LookupResponse{
		Span:        &record,
		PathToCount: meta.PathToCount,
		Overrides:   meta.Overrides,
	})
}
