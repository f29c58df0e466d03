package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/logging"
	"github.com/subvault/subimport/internal/store"
)

// uploadResponse describes a freshly spooled import file.
type uploadResponse struct {
	FileID     string   `json:"file_id"`
	Name       string   `json:"name"`
	Size       int64    `json:"size"`
	Encoding   string   `json:"encoding"`
	Headers    []string `json:"headers"`
	DataOffset int64    `json:"data_offset"`
}

// handleUploadFile accepts a multipart CSV upload and spools it. The header
// line is parsed and the encoding detected here, once, so every later chunk
// request reads the file the same way.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, s.log, http.StatusBadRequest, "expected multipart form upload")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, s.log, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	sf, err := s.spool.Add(header.Filename, file)
	switch {
	case errors.Is(err, importer.ErrFileTooLarge):
		writeError(w, s.log, http.StatusRequestEntityTooLarge, err.Error())
		return
	case errors.Is(err, importer.ErrEmptyFile):
		writeError(w, s.log, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, s.log, http.StatusInternalServerError, "could not store upload")
		return
	}

	s.log.Info("import file spooled",
		"file_id", sf.ID,
		"name", sf.Name,
		"size", sf.Size,
		"encoding", sf.Encoding,
		"columns", len(sf.Headers),
	)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, s.log, uploadResponse{
		FileID:     sf.ID,
		Name:       sf.Name,
		Size:       sf.Size,
		Encoding:   string(sf.Encoding),
		Headers:    sf.Headers,
		DataOffset: sf.DataOffset,
	})
}

type planRequest struct {
	FileID         string `json:"file_id"`
	RowsPerRequest int    `json:"rows_per_request"`
}

// handlePlan computes the chunk schedule the driver replays.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RowsPerRequest == 0 {
		req.RowsPerRequest = s.cfg.Import.DefaultRowsPerRequest
	}

	sf, err := s.spool.Get(req.FileID)
	if err != nil {
		writeError(w, s.log, http.StatusNotFound, err.Error())
		return
	}

	plan, err := importer.BuildPlan(sf, req.RowsPerRequest)
	if err != nil {
		writeError(w, s.log, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, s.log, plan)
}

type chunkRequest struct {
	FileID         string `json:"file_id"`
	Start          int64  `json:"start"`
	End            int64  `json:"end"`
	StartingRow    int    `json:"starting_row"`
	TestMode       bool   `json:"test_mode"`
	EmailCustomer  bool   `json:"email_customer"`
	MappingProfile string `json:"mapping_profile"`
}

// handleChunk processes every data row fully contained in [start, end).
// Rows run strictly sequentially, one transaction per row; the response is
// the per-row result list in encounter order.
func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	var req chunkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, http.StatusBadRequest, "invalid request body")
		return
	}

	mapping := importer.DefaultMapping()
	if req.MappingProfile != "" {
		m, ok := s.profiles[req.MappingProfile]
		if !ok {
			writeError(w, s.log, http.StatusBadRequest,
				fmt.Sprintf("unknown mapping profile %q", req.MappingProfile))
			return
		}
		mapping = m
	}

	if err := s.limiter.Acquire(r.Context()); err != nil {
		writeError(w, s.log, http.StatusServiceUnavailable, err.Error())
		return
	}
	defer s.limiter.Release()

	// Two sessions never interleave rows of the same file.
	if err := s.spool.Acquire(req.FileID); err != nil {
		switch {
		case errors.Is(err, importer.ErrImportInProgress):
			writeError(w, s.log, http.StatusConflict, err.Error())
		case errors.Is(err, importer.ErrFileNotFound):
			writeError(w, s.log, http.StatusNotFound, err.Error())
		default:
			writeError(w, s.log, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer s.spool.Release(req.FileID)

	sf, err := s.spool.Get(req.FileID)
	if err != nil {
		writeError(w, s.log, http.StatusNotFound, err.Error())
		return
	}

	rows, err := sf.OpenRows(req.Start, req.End)
	if err != nil {
		writeError(w, s.log, http.StatusInternalServerError, err.Error())
		return
	}
	defer rows.Close()

	// Row-level log lines carry the request ID so one chunk's rows can be
	// pulled out of the stream together.
	sess := importer.NewSession(req.FileID, mapping, req.StartingRow, logging.FromContext(r.Context()))
	sess.TestMode = req.TestMode
	sess.EmailCustomer = req.EmailCustomer

	// Audit record for the run. Bookkeeping failures are logged, never fatal:
	// losing the audit row must not block the import itself.
	run := &store.ImportRun{
		ID:       uuid.NewString(),
		FileID:   sf.ID,
		FileName: sf.Name,
		TestMode: req.TestMode,
		Status:   store.RunRunning,
	}
	if err := s.store.CreateImportRun(r.Context(), run); err != nil {
		s.log.Warn("recording import run", "run", run.ID, "error", err)
	}

	headerIdx := importer.NewHeaderIndex(sf.Headers)
	for {
		rec, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, s.log, http.StatusInternalServerError, err.Error())
			return
		}
		s.builder.ImportRow(r.Context(), sess, mapping.Row(headerIdx, rec))
	}

	s.observe(sess)

	for _, res := range sess.Results {
		if res.Status == importer.RowSuccess {
			run.Succeeded++
		} else {
			run.Failed++
		}
		run.Warnings += len(res.Warnings)
	}
	run.Status = store.RunDone
	if err := s.store.UpdateImportRun(r.Context(), run); err != nil {
		s.log.Warn("recording import run", "run", run.ID, "error", err)
	}

	results := sess.Results
	if results == nil {
		results = []*importer.Result{}
	}
	w.Header().Set("X-Import-Run", run.ID)
	writeJSON(w, s.log, results)
}

// handleGetImportRun reports a past run's counts and status.
func (s *Server) handleGetImportRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.ImportRunByID(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, s.log, http.StatusNotFound, "import run not found")
		return
	}
	if err != nil {
		writeError(w, s.log, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, s.log, run)
}

// observe feeds the chunk's results into the metrics counters.
func (s *Server) observe(sess *importer.Session) {
	if s.metrics == nil {
		return
	}
	var succeeded, failed, warnings int
	for _, res := range sess.Results {
		if res.Status == importer.RowSuccess {
			succeeded++
		} else {
			failed++
		}
		warnings += len(res.Warnings)
	}
	s.metrics.ObserveResults(succeeded, failed, warnings)
}
