package exporter

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/subvault/subimport/internal/store"
)

func TestScheduler_PagesUntilExhausted(t *testing.T) {
	st := store.NewMemory()
	seedSubscriptions(t, st, 5)

	dir := t.TempDir()
	s := NewScheduler(st, dir, 2, time.Minute, nil)

	job, err := s.CreateJob(context.Background(), "monthly export", []string{"subscription_id", "order_total"})
	if err != nil {
		t.Fatalf("CreateJob error = %v", err)
	}
	if job.FilePath != filepath.Join(dir, "monthly-export.csv") {
		t.Errorf("FilePath = %q", job.FilePath)
	}

	// 5 rows at 2 per page: two full pages, then a short page that renames.
	for i := 0; i < 2; i++ {
		s.Tick(context.Background())
		j, err := st.ExportJobByID(context.Background(), job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status != store.ExportRunning {
			t.Fatalf("tick %d status = %q, want running", i+1, j.Status)
		}
		if j.Offset != (i+1)*2 {
			t.Errorf("tick %d offset = %d, want %d", i+1, j.Offset, (i+1)*2)
		}
		if _, err := os.Stat(job.FilePath); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("tick %d: final file exists before exhaustion", i+1)
		}
		if _, err := os.Stat(job.FilePath + ".tmp"); err != nil {
			t.Errorf("tick %d: tmp file missing: %v", i+1, err)
		}
	}

	s.Tick(context.Background())
	j, err := st.ExportJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != store.ExportDone {
		t.Fatalf("final status = %q, want done", j.Status)
	}
	if j.Offset != 5 {
		t.Errorf("final offset = %d, want 5", j.Offset)
	}
	if _, err := os.Stat(job.FilePath + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Error("tmp file still present after rename")
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 6 {
		t.Errorf("records = %d, want header + 5 rows", len(records))
	}

	// A finished job is not picked up again.
	s.Tick(context.Background())
	j2, _ := st.ExportJobByID(context.Background(), job.ID)
	if j2.Offset != 5 || j2.Status != store.ExportDone {
		t.Errorf("job advanced after completion: %+v", j2)
	}
}

func TestScheduler_EmptyResultSet(t *testing.T) {
	st := store.NewMemory()
	s := NewScheduler(st, t.TempDir(), 10, time.Minute, nil)

	job, err := s.CreateJob(context.Background(), "empty", []string{"subscription_id"})
	if err != nil {
		t.Fatal(err)
	}

	s.Tick(context.Background())
	j, _ := st.ExportJobByID(context.Background(), job.ID)
	if j.Status != store.ExportDone {
		t.Fatalf("status = %q, want done", j.Status)
	}

	f, err := os.Open(job.FilePath)
	if err != nil {
		t.Fatalf("final file missing: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want header only", len(records))
	}
}

func TestScheduler_RejectsBadColumns(t *testing.T) {
	s := NewScheduler(store.NewMemory(), t.TempDir(), 10, time.Minute, nil)
	if _, err := s.CreateJob(context.Background(), "bad", []string{"nope"}); err == nil {
		t.Error("CreateJob accepted unknown column")
	}
}
