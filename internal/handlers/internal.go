package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/greenbasket/api/internal/platform/httpx"
	"github.com/greenbasket/api/internal/services"
)

// InternalHandlers serves endpoints invoked by Cloud Scheduler. The router guards the group with
// OIDC verification.
type InternalHandlers struct {
	sweeper services.OrderSweeper
	archive services.ArchiveService
}

// NewInternalHandlers constructs the internal maintenance handlers.
func NewInternalHandlers(sweeper services.OrderSweeper, archive services.ArchiveService) *InternalHandlers {
	return &InternalHandlers{
		sweeper: sweeper,
		archive: archive,
	}
}

// Routes registers the /internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders/sweep", h.sweepOrders)
	r.Post("/orders/archive", h.archiveOrders)
}

func (h *InternalHandlers) sweepOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sweeper == nil {
		writeUnavailable(ctx, w, "order scheduler")
		return
	}
	report := h.sweeper.SweepOnce(ctx)
	httpx.WriteData(w, http.StatusOK, map[string]any{
		"examined":   report.Examined,
		"received":   report.Received,
		"completed":  report.Completed,
		"skipped":    report.Skipped,
		"failed":     report.Failed,
		"startedAt":  formatTime(report.StartedAt),
		"finishedAt": formatTime(report.FinishedAt),
	})
}

func (h *InternalHandlers) archiveOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.archive == nil {
		writeUnavailable(ctx, w, "archive")
		return
	}

	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		ts, err := parseTimeParam(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "since must be an RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		since = ts
	}

	result, err := h.archive.ArchiveOrders(ctx, since)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrArchiveInvalidInput):
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		case errors.Is(err, services.ErrArchiveUnavailable):
			httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", "archive storage is unavailable", http.StatusServiceUnavailable))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("archive_error", "failed to archive orders", http.StatusInternalServerError))
		}
		return
	}

	payload := map[string]any{
		"object":  result.Object,
		"orders":  result.Orders,
		"bytes":   result.Bytes,
		"since":   formatTime(result.Since),
		"written": formatTime(result.Written),
	}
	if result.DownloadURL != "" {
		payload["downloadUrl"] = result.DownloadURL
		payload["downloadExpiresAt"] = formatTime(result.DownloadExpiresAt)
	}
	httpx.WriteData(w, http.StatusOK, payload)
}
