// Package handlers provides HTTP handlers for the pixel canvas server.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vitaliisemenov/pixelcanvas/internal/broadcast"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
)

// drawEventJSON is the wire shape published to SSE clients:
// {"x":i32,"y":i32,"rgb":[u8,u8,u8]}.
type drawEventJSON struct {
	X   int32      `json:"x"`
	Y   int32      `json:"y"`
	RGB [3]uint8   `json:"rgb"`
}

// SSEHandler streams broadcast draw events to a connected client as
// Server-Sent Events. GET /canvas/sse.
type SSEHandler struct {
	bus    *broadcast.Bus
	logger *slog.Logger
}

// NewSSEHandler wires an SSE endpoint to bus.
func NewSSEHandler(bus *broadcast.Bus, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{bus: bus, logger: logger.With("component", "sse_handler")}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if origin := r.Header.Get("Origin"); origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	flusher.Flush()

	ctx := r.Context()
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub)

	h.logger.Info("sse client connected", "subscriber_id", sub.ID(), "remote_addr", r.RemoteAddr)
	defer h.logger.Info("sse client disconnected", "subscriber_id", sub.ID())

	ticker := time.NewTicker(domain.SSEKeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.Channel():
			if !ok {
				return
			}
			if lagged := sub.TakeLag(); lagged > 0 {
				h.logger.Warn("sse subscriber lagged, dropped events", "subscriber_id", sub.ID(), "count", lagged)
			}
			if err := h.writeEvent(w, event); err != nil {
				h.logger.Warn("failed to write sse event", "subscriber_id", sub.ID(), "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *SSEHandler) writeEvent(w http.ResponseWriter, e domain.DrawEvent) error {
	data, err := json.Marshal(drawEventJSON{X: e.X, Y: e.Y, RGB: e.RGB})
	if err != nil {
		return fmt.Errorf("failed to marshal draw event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
