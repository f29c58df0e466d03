package web

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/subvault/subimport/internal/config"
	"github.com/subvault/subimport/internal/exporter"
	"github.com/subvault/subimport/internal/importer"
	"github.com/subvault/subimport/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Import: config.ImportConfig{
			MaxConcurrent:         2,
			MaxWaitTime:           time.Second,
			ChunkTimeout:          time.Minute,
			DefaultRowsPerRequest: 20,
		},
		Export: config.ExportConfig{PageSize: 100},
		Rate:   config.RateLimitConfig{Enabled: false},
	}
}

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()

	st := store.NewMemory()
	st.AddProduct(&store.Product{ID: 42, Name: "Monthly Box", PriceCents: 999})
	st.AddUser(&store.User{Login: "alice", Email: "a@example.com"})

	spool, err := importer.NewSpool(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig()
	sched := exporter.NewScheduler(st, t.TempDir(), cfg.Export.PageSize, time.Minute, nil)

	return NewServer(cfg, st, spool, sched, nil, nil, nil), st
}

func do(t *testing.T, s *Server, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func doJSON(t *testing.T, s *Server, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		t.Fatal(err)
	}
	return do(t, s, method, path, &buf, "application/json")
}

func uploadCSV(t *testing.T, s *Server, content string) uploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "import.csv")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	rec := do(t, s, http.MethodPost, "/api/import/files", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", rec.Code, rec.Body)
	}

	var resp uploadResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestImportEndToEnd(t *testing.T) {
	s, st := newTestServer(t)

	file := uploadCSV(t, s,
		"customer_email,product_id,start_date,billing_period,billing_interval\n"+
			"a@example.com,42,2024-01-01,month,1\n"+
			"a@example.com,999,,,\n")

	if len(file.Headers) != 5 {
		t.Fatalf("headers = %v", file.Headers)
	}

	// Plan the run.
	rec := doJSON(t, s, http.MethodPost, "/api/import/plan", map[string]any{"file_id": file.FileID})
	if rec.Code != http.StatusOK {
		t.Fatalf("plan status = %d, body = %s", rec.Code, rec.Body)
	}
	var plan importer.Plan
	if err := json.NewDecoder(rec.Body).Decode(&plan); err != nil {
		t.Fatal(err)
	}
	if plan.TotalRows != 2 || len(plan.Chunks) != 1 {
		t.Fatalf("plan = %+v", plan)
	}

	// Process the single chunk.
	rec = doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id":      file.FileID,
		"start":        plan.Chunks[0].Start,
		"end":          plan.Chunks[0].End,
		"starting_row": plan.Chunks[0].StartingRow,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d, body = %s", rec.Code, rec.Body)
	}

	var results []importer.Result
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	if results[0].Status != importer.RowSuccess || results[0].RowNumber != 1 {
		t.Errorf("row 1 = %+v", results[0])
	}
	if results[0].SubscriptionID == 0 || results[0].Item != "Monthly Box" {
		t.Errorf("row 1 = %+v", results[0])
	}

	want := "No product or variation in your store matches the product ID #999."
	if results[1].Status != importer.RowFailed || results[1].RowNumber != 2 {
		t.Errorf("row 2 = %+v", results[1])
	}
	if len(results[1].Errors) != 1 || results[1].Errors[0] != want {
		t.Errorf("row 2 errors = %v, want exactly [%q]", results[1].Errors, want)
	}

	if st.SubscriptionCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", st.SubscriptionCount())
	}

	// The chunk leaves an audit record behind.
	runID := rec.Header().Get("X-Import-Run")
	if runID == "" {
		t.Fatal("missing X-Import-Run header")
	}
	rec = do(t, s, http.MethodGet, "/api/import/runs/"+runID, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("run status = %d", rec.Code)
	}
	var run store.ImportRun
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.Status != store.RunDone || run.Succeeded != 1 || run.Failed != 1 {
		t.Errorf("run = %+v", run)
	}
}

func TestGetImportRun_NotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/import/runs/none", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestChunkTestMode(t *testing.T) {
	s, st := newTestServer(t)

	file := uploadCSV(t, s, "customer_email,product_id\na@example.com,42\n")
	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id":      file.FileID,
		"start":        file.DataOffset,
		"end":          file.Size,
		"starting_row": 1,
		"test_mode":    true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var results []importer.Result
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != importer.RowSuccess {
		t.Fatalf("results = %+v", results)
	}
	if st.SubscriptionCount() != 0 {
		t.Errorf("test mode persisted %d subscriptions", st.SubscriptionCount())
	}
}

func TestChunkConflict(t *testing.T) {
	s, _ := newTestServer(t)

	file := uploadCSV(t, s, "customer_email,product_id\na@example.com,42\n")

	// Another session holds the file.
	if err := s.spool.Acquire(file.FileID); err != nil {
		t.Fatal(err)
	}
	defer s.spool.Release(file.FileID)

	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id": file.FileID,
		"start":   file.DataOffset,
		"end":     file.Size,
	})
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestChunkUnknownFile(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id": "missing",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestChunkUnknownMappingProfile(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id":         "whatever",
		"mapping_profile": "nope",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMappingProfileRenamesHeaders(t *testing.T) {
	s, st := newTestServer(t)
	s.profiles = map[string]importer.FieldMapping{
		"legacy": {
			importer.FieldCustomerEmail: "Email Address",
			importer.FieldProductID:     "SKU",
		},
	}

	file := uploadCSV(t, s, "Email Address,SKU\na@example.com,42\n")
	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id":         file.FileID,
		"start":           file.DataOffset,
		"end":             file.Size,
		"starting_row":    1,
		"mapping_profile": "legacy",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	var results []importer.Result
	if err := json.NewDecoder(rec.Body).Decode(&results); err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Status != importer.RowSuccess {
		t.Fatalf("results = %+v", results)
	}
	if st.SubscriptionCount() != 1 {
		t.Errorf("subscriptions = %d, want 1", st.SubscriptionCount())
	}
}

func TestExportCSV(t *testing.T) {
	s, _ := newTestServer(t)

	// Import one subscription, then export it.
	file := uploadCSV(t, s, "customer_email,product_id,order_total\na@example.com,42,9.99\n")
	rec := doJSON(t, s, http.MethodPost, "/api/import/chunk", map[string]any{
		"file_id":      file.FileID,
		"start":        file.DataOffset,
		"end":          file.Size,
		"starting_row": 1,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chunk status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/export?columns=subscription_id,customer_email,order_total", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export status = %d, body = %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	if total := rec.Header().Get("X-Total-Rows"); total != "1" {
		t.Errorf("X-Total-Rows = %q, want 1", total)
	}

	records, err := csv.NewReader(rec.Body).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %v", records)
	}
	if records[1][1] != "a@example.com" || records[1][2] != "9.99" {
		t.Errorf("exported row = %v", records[1])
	}
}

func TestExportRejectsUnknownColumn(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/api/export?columns=favourite_colour", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExportJobLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/export/jobs", map[string]any{
		"name":    "nightly",
		"columns": []string{"subscription_id"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body)
	}
	var job store.ExportJob
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatal(err)
	}
	if job.Status != store.ExportPending {
		t.Errorf("status = %q, want pending", job.Status)
	}

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/api/export/jobs/%s", job.ID), nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec = do(t, s, http.MethodGet, "/api/export/jobs/none", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", rec.Code)
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	s, _ := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if _, err := mw.CreateFormFile("file", "empty.csv"); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	rec := do(t, s, http.MethodPost, "/api/import/files", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "empty") {
		t.Errorf("body = %s", rec.Body)
	}
}
