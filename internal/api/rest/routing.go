package rest

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/kvstore-ecs/internal/metrics"
)

const defaultRequestTimeout = 30 * time.Second

// RouterConfig controls which extras the admin router mounts
type RouterConfig struct {
	RequestTimeout time.Duration
	MetricsEnabled bool
	MetricsPath    string
}

// NewRouter builds the admin router: cluster routes, health and metrics,
// wrapped in request ID, logging, timeout and metrics middleware
func NewRouter(handler *ClusterHandler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := mux.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	if cfg.MetricsEnabled {
		r.Use(metrics.MetricsMiddleware)
		r.Handle(cfg.MetricsPath, metrics.Handler()).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", handleHealth).Methods(http.MethodGet)
	handler.RegisterRoutes(r)
	return r
}

// handleHealth handles health check requests
func handleHealth(w http.ResponseWriter, req *http.Request) {
	response := struct {
		Status string `json:"status"`
	}{
		Status: "ok",
	}
	writeJSON(w, http.StatusOK, response)
}
