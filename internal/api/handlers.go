// Package api wires the public HTTP surface onto the draw pipeline, built
// in the gorilla/mux + chained-middleware style.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/vitaliisemenov/pixelcanvas/internal/api/middleware"
	"github.com/vitaliisemenov/pixelcanvas/internal/domain"
	"github.com/vitaliisemenov/pixelcanvas/internal/draw"
)

// Handlers implements the canvas HTTP endpoints: tile read/write, group
// read, and placement history.
type Handlers struct {
	pipeline *draw.Pipeline
	logger   *slog.Logger
}

// NewHandlers wires handlers against pipeline.
func NewHandlers(pipeline *draw.Pipeline, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{pipeline: pipeline, logger: logger.With("component", "handlers")}
}

type tileJSON struct {
	X    int32    `json:"x"`
	Y    int32    `json:"y"`
	RGB  [3]uint8 `json:"rgb"`
	Date string   `json:"date"`
}

type placementJSON struct {
	X             int32    `json:"x"`
	Y             int32    `json:"y"`
	RGB           [3]uint8 `json:"rgb"`
	PlacementDate string   `json:"placement_date"`
}

type drawRequestJSON struct {
	X   int32 `json:"x"`
	Y   int32 `json:"y"`
	// RGB is decoded as []int rather than domain.RGB's [3]uint8 so a
	// wrong-length or out-of-range array fails validation instead of being
	// silently truncated or zero-padded by the array decode.
	RGB []int `json:"rgb" validate:"required,len=3,dive,min=0,max=255"`
}

// GetTile handles GET /tile?x=&y=.
func (h *Handlers) GetTile(w http.ResponseWriter, r *http.Request) {
	x, y, err := parsePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	tile, err := h.pipeline.GetTile(r.Context(), x, y)
	if err != nil {
		h.writeError(w, r, "get tile", err)
		return
	}

	writeJSON(w, http.StatusOK, tileJSON{
		X: tile.X, Y: tile.Y, RGB: tile.RGB,
		Date: tile.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// PostTile handles POST /tile.
func (h *Handlers) PostTile(w http.ResponseWriter, r *http.Request) {
	var body drawRequestJSON
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := middleware.ValidateStruct(body); err != nil {
		h.writeValidationError(w, r, err)
		return
	}

	ip, err := resolveClientIP(r)
	if err != nil {
		h.logger.Error("failed to resolve client ip", "error", err)
		http.Error(w, "failed to resolve client ip", http.StatusBadRequest)
		return
	}

	event := domain.DrawEvent{
		X:   body.X,
		Y:   body.Y,
		RGB: domain.RGB{byte(body.RGB[0]), byte(body.RGB[1]), byte(body.RGB[2])},
	}
	if err := h.pipeline.Draw(r.Context(), event, ip); err != nil {
		h.writeError(w, r, "draw tile", err)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Successfully drew the tile")
}

// GetGroup handles GET /group?x=&y= where (x, y) is the group origin.
func (h *Handlers) GetGroup(w http.ResponseWriter, r *http.Request) {
	x, y, err := parsePoint(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	group, err := h.pipeline.GetGroup(r.Context(), domain.GroupKey{GX: x, GY: y})
	if err != nil {
		h.writeError(w, r, "get group", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(group.Buf)
}

// GetPlacements handles GET /placements?days_ago=&timestamp_after=.
func (h *Handlers) GetPlacements(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	daysAgo := int64(0)
	if v := r.URL.Query().Get("days_ago"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid days_ago", http.StatusBadRequest)
			return
		}
		daysAgo = parsed
	}
	if daysAgo < 0 {
		http.Error(w, "days_ago must be non-negative", http.StatusBadRequest)
		return
	}
	day := domain.DayOf(now) - daysAgo

	var beforeMs int64
	if v := r.URL.Query().Get("timestamp_after"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "invalid timestamp_after", http.StatusBadRequest)
			return
		}
		beforeMs = t.UTC().UnixMilli()
	}

	const defaultLimit = 200
	placements, err := h.pipeline.GetPlacements(r.Context(), day, beforeMs, defaultLimit)
	if err != nil {
		h.writeError(w, r, "get placements", err)
		return
	}

	out := make([]placementJSON, 0, len(placements))
	for _, p := range placements {
		out = append(out, placementJSON{
			X: p.X, Y: p.Y, RGB: p.RGB,
			PlacementDate: p.PlacementTime.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  "invalid request body",
		"fields": middleware.FormatValidationErrors(err),
	})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var domainErr *domain.Error
	if errors.As(err, &domainErr) {
		switch domainErr.Kind {
		case domain.KindNotFound:
			http.Error(w, domainErr.Message, http.StatusNotFound)
			return
		case domain.KindForbidden:
			http.Error(w, domainErr.Message, http.StatusBadRequest)
			return
		}
	}
	h.logger.Error("request failed", "op", op, "path", r.URL.Path, "error", err)
	http.Error(w, "An unexpected error has occurred", http.StatusInternalServerError)
}

func parsePoint(r *http.Request) (int32, int32, error) {
	x, err := strconv.ParseInt(r.URL.Query().Get("x"), 10, 32)
	if err != nil {
		return 0, 0, errors.New("x must be an integer")
	}
	y, err := strconv.ParseInt(r.URL.Query().Get("y"), 10, 32)
	if err != nil {
		return 0, 0, errors.New("y must be an integer")
	}
	return int32(x), int32(y), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// resolveClientIP prefers X-Forwarded-For (the first address), falling
// back to X-Real-IP and finally the TCP peer address. An unparseable
// X-Forwarded-For is a request error, not silently ignored.
func resolveClientIP(r *http.Request) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if ip := net.ParseIP(fwd); ip != nil {
			return ip.String(), nil
		}
		return "", fmt.Errorf("failed to parse ip address in X-Forwarded-For header: %q", fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		if ip := net.ParseIP(real); ip != nil {
			return ip.String(), nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr, nil
	}
	return host, nil
}
