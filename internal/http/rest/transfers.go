package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/M0Rf30/slskdn/internal/engine"
	"github.com/M0Rf30/slskdn/internal/logctx"
	"github.com/M0Rf30/slskdn/internal/telemetry"
	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
)

// TransferService is the engine surface the API exposes.
type TransferService interface {
	StartTransfer(ctx context.Context, spec engine.FileSpec) (string, error)
	CancelTransfer(id string) error
	GetStatus(id string) (engine.Status, error)
	List() []engine.Status
}

type StartTransferRequest struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	Digest string `json:"digest,omitempty"`
}

type TransferResponse struct {
	ID               string `json:"id"`
	FileID           string `json:"file_id"`
	Name             string `json:"name"`
	State            string `json:"state"`
	BytesVerified    int64  `json:"bytes_verified"`
	TotalBytes       int64  `json:"total_bytes"`
	Progress         string `json:"progress"`
	SegmentsVerified int    `json:"segments_verified"`
	SegmentCount     int    `json:"segment_count"`
	ActiveSources    int    `json:"active_sources"`
	Bitmap           string `json:"bitmap,omitempty"`
	CreatedAt        string `json:"created_at"`
	CompletedAt      string `json:"completed_at,omitempty"`
	Error            string `json:"error,omitempty"`
}

type TransfersHandler struct {
	svc       TransferService
	telemetry *telemetry.Telemetry
}

// NewTransfersHandler creates the transfer API handler.
func NewTransfersHandler(svc TransferService, t *telemetry.Telemetry) *TransfersHandler {
	return &TransfersHandler{
		svc:       svc,
		telemetry: t,
	}
}

func (h *TransfersHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/transfers", h.HandleStart)
	r.Get("/transfers", h.HandleList)
	r.Get("/transfers/{id}", h.HandleStatus)
	r.Delete("/transfers/{id}", h.HandleCancel)

	return r
}

// HandleStart queues a new download and returns its status snapshot.
func (h *TransfersHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Error("failed to decode request", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	id, err := h.svc.StartTransfer(r.Context(), engine.FileSpec{
		ID:     req.FileID,
		Name:   req.Name,
		Size:   req.Size,
		Digest: req.Digest,
	})
	if err != nil {
		logger.Error("failed to start transfer", "file_id", req.FileID, "err", err)
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	logger.Info("transfer queued", "transfer_id", id, "file_id", req.FileID,
		"size", humanize.Bytes(uint64(req.Size)))

	status, err := h.svc.GetStatus(id)
	if err != nil {
		http.Error(w, "failed to load transfer status", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusCreated, toResponse(status))
}

// HandleList returns snapshots of every known transfer.
func (h *TransfersHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	statuses := h.svc.List()

	out := make([]TransferResponse, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, toResponse(status))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": out})
}

// HandleStatus returns one transfer snapshot.
func (h *TransfersHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := h.svc.GetStatus(id)
	if err != nil {
		if errors.Is(err, engine.ErrTransferNotFound) {
			http.Error(w, "transfer not found", http.StatusNotFound)

			return
		}

		http.Error(w, "failed to load transfer status", http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusOK, toResponse(status))
}

// HandleCancel requests a cooperative stop; verified segments are kept.
func (h *TransfersHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := h.svc.CancelTransfer(id); err != nil {
		if errors.Is(err, engine.ErrTransferNotFound) {
			http.Error(w, "transfer not found", http.StatusNotFound)

			return
		}

		logger.Error("failed to cancel transfer", "transfer_id", id, "err", err)
		http.Error(w, "failed to cancel transfer", http.StatusInternalServerError)

		return
	}

	logger.Info("transfer cancel requested", "transfer_id", id)
	w.WriteHeader(http.StatusAccepted)
}

func toResponse(s engine.Status) TransferResponse {
	resp := TransferResponse{
		ID:               s.ID,
		FileID:           s.FileID,
		Name:             s.Name,
		State:            s.State.String(),
		BytesVerified:    s.BytesVerified,
		TotalBytes:       s.TotalBytes,
		SegmentsVerified: s.SegmentsVerified,
		SegmentCount:     s.SegmentCount,
		ActiveSources:    s.ActiveSources,
		Bitmap:           s.Bitmap,
		CreatedAt:        s.CreatedAt.Format(time.RFC3339),
		Error:            s.Error,
	}

	if s.TotalBytes > 0 {
		resp.Progress = humanize.Bytes(uint64(s.BytesVerified)) + " / " + humanize.Bytes(uint64(s.TotalBytes))
	}

	if !s.CompletedAt.IsZero() {
		resp.CompletedAt = s.CompletedAt.Format(time.RFC3339)
	}

	return resp
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
