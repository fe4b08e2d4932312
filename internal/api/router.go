package api

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/vitaliisemenov/pixelcanvas/internal/api/middleware"
	"github.com/vitaliisemenov/pixelcanvas/internal/draw"
)

// NewRouter builds the public HTTP surface, wrapped in a middleware chain:
// request id, then logging, then metrics, then security headers, then CORS,
// then body validation. Compression is applied only to the JSON/binary
// endpoints: gzip's buffering is incompatible with the SSE stream's
// incremental Flush calls, so sseHandler (constructed by the caller, which
// owns the broadcast bus) is mounted directly on the router, and only the
// /tile, /group and /placements routes sit on the compressed subrouter.
func NewRouter(pipeline *draw.Pipeline, sseHandler http.Handler, healthHandler http.HandlerFunc, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}

	h := NewHandlers(pipeline, logger)

	router := mux.NewRouter()
	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.MetricsMiddleware)
	router.Use(middleware.SecurityHeadersMiddleware(middleware.DefaultSecurityHeadersConfig()))
	router.Use(middleware.CORSMiddleware(middleware.DefaultCORSConfig()))
	router.Use(middleware.ValidationMiddleware)

	router.HandleFunc("/healthz", healthHandler).Methods(http.MethodGet)
	router.Handle("/canvas/sse", sseHandler).Methods(http.MethodGet)

	compressed := router.NewRoute().Subrouter()
	compressed.Use(middleware.CompressionMiddleware)
	compressed.HandleFunc("/tile", h.GetTile).Methods(http.MethodGet)
	compressed.HandleFunc("/tile", h.PostTile).Methods(http.MethodPost)
	compressed.HandleFunc("/group", h.GetGroup).Methods(http.MethodGet)
	compressed.HandleFunc("/placements", h.GetPlacements).Methods(http.MethodGet)

	return router
}
