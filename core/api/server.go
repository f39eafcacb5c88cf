// Package api serves ingestion, finalization and verification over HTTP.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/davidahmann/attend/core/attendance"
	"github.com/davidahmann/attend/internal/log"
	"github.com/davidahmann/attend/internal/metrics"
)

const (
	defaultMaxRequestBytes    = 1 << 20
	defaultRateLimitPerMinute = 120
	defaultRateWindow         = time.Minute
)

type Config struct {
	Engine *attendance.Engine
	Logger *zerolog.Logger
	// RateLimitPerMinute bounds requests per client IP on the /v1 routes.
	RateLimitPerMinute int
	RateWindow         time.Duration
	MaxRequestBytes    int64
	// MetricsHandler defaults to the Prometheus default registry.
	MetricsHandler http.Handler
}

type handler struct {
	engine          *attendance.Engine
	logger          zerolog.Logger
	maxRequestBytes int64
}

func NewHandler(config Config) (http.Handler, error) {
	if config.Engine == nil {
		return nil, fmt.Errorf("missing attendance engine")
	}
	logger := log.WithComponent("api")
	if config.Logger != nil {
		logger = *config.Logger
	}
	maxBytes := config.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxRequestBytes
	}
	limit := config.RateLimitPerMinute
	if limit <= 0 {
		limit = defaultRateLimitPerMinute
	}
	window := config.RateWindow
	if window <= 0 {
		window = defaultRateWindow
	}
	metricsHandler := config.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	h := &handler{engine: config.Engine, logger: logger, maxRequestBytes: maxBytes}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(middleware.RequestID)
	router.Use(h.observe)
	router.Get("/healthz", h.handleHealth)
	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(limit, window))
		r.Post("/events", h.handleIngest)
		r.Get("/sessions/{sessionID}", h.handleSession)
		r.Post("/sessions/{sessionID}/finalize", h.handleFinalize)
		r.Post("/sessions/{sessionID}/revalidate", h.handleRevalidate)
		r.Get("/records/{blockID}", h.handleRecord)
		r.Get("/records/{blockID}/verify", h.handleVerifyRecord)
		r.Get("/records/{blockID}/tamper", h.handleTamper)
		r.Get("/chains/{chainKey}/verify", h.handleVerifyChain)
		r.Post("/merkle", h.handleMerkle)
	})
	router.NotFound(func(writer http.ResponseWriter, _ *http.Request) {
		writeError(writer, http.StatusNotFound, "route not found")
	})
	router.MethodNotAllowed(func(writer http.ResponseWriter, _ *http.Request) {
		writeError(writer, http.StatusMethodNotAllowed, "method not allowed")
	})
	return router, nil
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(writer http.ResponseWriter, _ *http.Request) {
			writer.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeJSON(writer, http.StatusTooManyRequests, ErrorResponse{
				OK:        false,
				Error:     "too many requests",
				ErrorCode: "rate_limited",
				Retryable: true,
			})
		}),
	)
}

// observe records one metric and one log line per request, labelled with the
// matched route pattern.
func (h *handler) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		started := time.Now()
		wrapped := middleware.NewWrapResponseWriter(writer, request.ProtoMajor)
		next.ServeHTTP(wrapped, request)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := ""
		if routeContext := chi.RouteContext(request.Context()); routeContext != nil {
			route = routeContext.RoutePattern()
		}
		metrics.RecordHTTPRequest(route, request.Method, status)

		event := h.logger.Debug()
		if status >= http.StatusInternalServerError {
			event = h.logger.Error()
		}
		event.
			Str("request_id", middleware.GetReqID(request.Context())).
			Str("method", request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(started)).
			Msg("served request")
	})
}
