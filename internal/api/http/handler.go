package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/veranemoloko/gator/internal/domain"
	"github.com/veranemoloko/gator/internal/service"
)

// SnapshotProvider exposes the state of the running job.
type SnapshotProvider interface {
	Snapshot() service.Snapshot
}

// StatusHandler serves the job status.
type StatusHandler struct {
	jobs   SnapshotProvider
	logger *slog.Logger
	now    func() time.Time
}

// NewStatusHandler creates a new StatusHandler with the provided job source and logger.
func NewStatusHandler(jobs SnapshotProvider, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		jobs:   jobs,
		logger: logger,
		now:    time.Now,
	}
}

// GetStatus handles the HTTP GET /status request.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.jobs.Snapshot()
	if snap.JobID == "" {
		writeError(w, http.StatusNotFound, "no job running")
		return
	}

	writeJSON(w, http.StatusOK, h.toResponse(snap))
}

func (h *StatusHandler) toResponse(snap service.Snapshot) domain.StatusResponse {
	resp := domain.StatusResponse{
		JobID: snap.JobID,
		URL:   snap.URL,
		Dest:  snap.Dest,
		State: snap.State,
		Segments: domain.SegmentCounts{
			Total:    snap.Segments,
			Pending:  snap.Pending,
			InFlight: snap.InFlight,
			Done:     snap.Done,
			Failed:   snap.Failed,
			Resumed:  snap.Resumed,
		},
		TotalSize:    snap.TotalSize,
		BytesDone:    snap.BytesDone,
		HumanTotal:   "unknown",
		HumanDone:    humanize.IBytes(uint64(max(snap.BytesDone, 0))),
		BytesWritten: snap.BytesWritten,
		StartedAt:    snap.StartedAt,
		UpdatedAt:    snap.UpdatedAt,
		Error:        snap.Error,
	}

	if snap.TotalSize >= 0 {
		resp.HumanTotal = humanize.IBytes(uint64(snap.TotalSize))
		percent := 100.0
		if snap.TotalSize > 0 {
			percent = float64(snap.BytesDone) / float64(snap.TotalSize) * 100
		}
		resp.Percent = &percent
	}

	end := h.now()
	if snap.State.Terminal() {
		end = snap.UpdatedAt
	}
	if !snap.StartedAt.IsZero() {
		resp.Elapsed = end.Sub(snap.StartedAt).Round(time.Millisecond).String()
	}

	return resp
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
