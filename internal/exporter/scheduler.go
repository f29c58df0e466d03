package exporter

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/subvault/subimport/internal/store"
)

// Scheduler runs export jobs outside the request cycle. Each tick it
// advances every pending job by one page, carrying the offset in the job
// record so progress survives restarts. Output goes to the job's file path
// plus ".tmp"; the file is renamed to its final name only when the result
// set is exhausted, so a half-written export is never mistaken for a
// finished one.
type Scheduler struct {
	store    store.Store
	exporter *Exporter
	dir      string
	pageSize int
	interval time.Duration
	log      *slog.Logger

	// OnRows, when set, observes how many rows each page wrote.
	OnRows func(n int)
}

// NewScheduler creates a scheduler writing job files under dir.
func NewScheduler(st store.Store, dir string, pageSize int, interval time.Duration, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    st,
		exporter: New(st),
		dir:      dir,
		pageSize: pageSize,
		interval: interval,
		log:      log,
	}
}

// CreateJob registers a new scheduled export and returns its record. The
// job starts in the pending state and is picked up on the next tick.
func (s *Scheduler) CreateJob(ctx context.Context, name string, cols []string) (*store.ExportJob, error) {
	if err := ValidateColumns(cols); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating export dir: %w", err)
	}

	job := &store.ExportJob{
		ID:       uuid.NewString(),
		Name:     name,
		Columns:  cols,
		Status:   store.ExportPending,
		FilePath: filepath.Join(s.dir, sanitizeName(name)+".csv"),
	}
	if err := s.store.CreateExportJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Run ticks until ctx is cancelled. Progress is written to the jobs table
// before each next tick, so a restart resumes where the last page ended.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick advances every pending job by one page.
func (s *Scheduler) Tick(ctx context.Context) {
	jobs, err := s.store.PendingExportJobs(ctx)
	if err != nil {
		s.log.Error("listing export jobs", "error", err)
		return
	}
	for _, job := range jobs {
		if err := s.step(ctx, job); err != nil {
			job.Status = store.ExportFailed
			job.Error = err.Error()
			if uerr := s.store.UpdateExportJob(ctx, job); uerr != nil {
				s.log.Error("recording export failure", "job", job.ID, "error", uerr)
			}
			s.log.Error("export job failed", "job", job.ID, "error", err)
		}
	}
}

// step writes one page of the job. The header goes out with the first page;
// the rename happens with the last.
func (s *Scheduler) step(ctx context.Context, job *store.ExportJob) error {
	tmp := job.FilePath + ".tmp"

	flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE
	if job.Offset == 0 {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(tmp, flags, 0o644)
	if err != nil {
		return fmt.Errorf("opening export file: %w", err)
	}

	if job.Offset == 0 {
		if err := s.exporter.WriteHeader(f, job.Columns); err != nil {
			f.Close()
			return err
		}
	}

	n, err := s.exporter.WritePage(ctx, f, job.Columns, job.Offset, s.pageSize)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if s.OnRows != nil {
		s.OnRows(n)
	}

	if n < s.pageSize {
		// Result set exhausted: publish the finished file.
		if err := os.Rename(tmp, job.FilePath); err != nil {
			return fmt.Errorf("renaming export file: %w", err)
		}
		job.Offset += n
		job.Status = store.ExportDone
		s.log.Info("export job done", "job", job.ID, "rows", job.Offset, "file", job.FilePath)
		return s.store.UpdateExportJob(ctx, job)
	}

	job.Offset += n
	job.Status = store.ExportRunning
	return s.store.UpdateExportJob(ctx, job)
}

// sanitizeName keeps export file names shell and filesystem safe.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "export"
	}
	return b.String()
}
