package web

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/subvault/subimport/internal/exporter"
	"github.com/subvault/subimport/internal/store"
)

// handleExportColumns lists the exportable column superset.
func (s *Server) handleExportColumns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.log, map[string][]string{"columns": exporter.Columns})
}

// handleExport streams the full subscription set as CSV. The columns query
// parameter selects a comma-separated subset; absent means everything.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	cols := exporter.Columns
	if raw := r.URL.Query().Get("columns"); raw != "" {
		cols = strings.Split(raw, ",")
		for i := range cols {
			cols[i] = strings.TrimSpace(cols[i])
		}
	}
	if err := exporter.ValidateColumns(cols); err != nil {
		writeError(w, s.log, http.StatusBadRequest, err.Error())
		return
	}

	// The row count goes out ahead of the stream so clients can size
	// progress bars; the body itself has no trailer to carry it.
	total, err := s.store.CountSubscriptions(r.Context())
	if err != nil {
		writeError(w, s.log, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="subscriptions.csv"`)
	w.Header().Set("X-Total-Rows", strconv.FormatInt(total, 10))

	n, err := s.export.ExportAll(r.Context(), w, cols, s.cfg.Export.PageSize)
	if err != nil {
		// Headers are gone; all we can do is log and cut the stream.
		s.log.Error("export stream failed", "rows_written", n, "error", err)
		return
	}
	if s.metrics != nil {
		s.metrics.ExportRows.Add(float64(n))
	}
	s.log.Info("export streamed", "rows", n, "columns", len(cols))
}

type exportJobRequest struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
}

// handleCreateExportJob registers a scheduled export. The scheduler pages
// through the result set in the background and publishes the file when done.
func (s *Server) handleCreateExportJob(w http.ResponseWriter, r *http.Request) {
	var req exportJobRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, s.log, http.StatusBadRequest, "job name is required")
		return
	}
	if len(req.Columns) == 0 {
		req.Columns = exporter.Columns
	}

	job, err := s.sched.CreateJob(r.Context(), req.Name, req.Columns)
	if err != nil {
		writeError(w, s.log, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Info("export job created", "job", job.ID, "name", job.Name)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, s.log, job)
}

// handleGetExportJob reports a job's progress.
func (s *Server) handleGetExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.ExportJobByID(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, s.log, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		writeError(w, s.log, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.log, job)
}
