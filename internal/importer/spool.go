package importer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/subvault/subimport/internal/csvstream"
)

var (
	// ErrFileNotFound is returned when a file ID has no spooled file.
	ErrFileNotFound = errors.New("import file not found")

	// ErrFileTooLarge is returned when an upload exceeds the size limit.
	ErrFileTooLarge = errors.New("import file exceeds the maximum allowed size")

	// ErrEmptyFile is returned when an uploaded file has no header line.
	// Distinct from an unreadable file, which surfaces as an I/O error.
	ErrEmptyFile = errors.New("import file is empty")

	// ErrImportInProgress is returned when a chunk request targets a file
	// that another session is already importing. Runs over the same file
	// are serialized, never interleaved.
	ErrImportInProgress = errors.New("an import of this file is already in progress")
)

// SpoolFile describes one uploaded CSV held in the spool directory. The
// header line is read once at upload time and cached; its encoding is
// detected once and applied uniformly to every later read.
type SpoolFile struct {
	ID         string
	Name       string
	Path       string
	Size       int64
	Encoding   csvstream.Encoding
	Headers    []string
	DataOffset int64 // byte offset of the first data line
}

// Spool stores uploaded import files on disk and tracks which of them have
// an import run in flight.
type Spool struct {
	dir     string
	maxSize int64

	mu      sync.Mutex
	files   map[string]*SpoolFile
	running map[string]bool
}

// NewSpool creates the spool directory if needed.
func NewSpool(dir string, maxSize int64) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	return &Spool{
		dir:     dir,
		maxSize: maxSize,
		files:   make(map[string]*SpoolFile),
		running: make(map[string]bool),
	}, nil
}

// Add copies an uploaded CSV into the spool, detects its encoding, and
// caches the parsed header line.
func (s *Spool) Add(name string, r io.Reader) (*SpoolFile, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+".csv")

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	// Copy one byte past the limit so an oversized upload is detectable
	// without buffering it whole.
	written, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("writing spool file: %w", err)
	}
	if written > s.maxSize {
		os.Remove(path)
		return nil, ErrFileTooLarge
	}

	sf, err := s.describe(id, name, path, written)
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	s.mu.Lock()
	s.files[id] = sf
	s.mu.Unlock()
	return sf, nil
}

// describe detects encoding and reads the header line of a spooled file.
func (s *Spool) describe(id, name, path string, size int64) (*SpoolFile, error) {
	enc, err := csvstream.DetectEncoding(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	defer f.Close()

	raw, _, end, err := newLineScanner(f, 0).next()
	if err == io.EOF {
		return nil, ErrEmptyFile
	}
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}

	headers, err := decodeRecord(raw, enc, true)
	if err != nil {
		return nil, fmt.Errorf("parsing header line: %w", err)
	}
	if len(headers) == 0 {
		return nil, ErrEmptyFile
	}

	return &SpoolFile{
		ID:         id,
		Name:       name,
		Path:       path,
		Size:       size,
		Encoding:   enc,
		Headers:    headers,
		DataOffset: end,
	}, nil
}

// Get returns the spooled file for an ID, or ErrFileNotFound.
func (s *Spool) Get(id string) (*SpoolFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sf, ok := s.files[id]; ok {
		return sf, nil
	}
	return nil, ErrFileNotFound
}

// Acquire marks the file as having an import run in flight. A second
// acquisition before Release fails with ErrImportInProgress, which the API
// surfaces as a conflict.
func (s *Spool) Acquire(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[id]; !ok {
		return ErrFileNotFound
	}
	if s.running[id] {
		return ErrImportInProgress
	}
	s.running[id] = true
	return nil
}

// Release clears the in-flight marker set by Acquire.
func (s *Spool) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// Remove deletes a spooled file from disk and the registry.
func (s *Spool) Remove(id string) error {
	s.mu.Lock()
	sf, ok := s.files[id]
	delete(s.files, id)
	s.mu.Unlock()

	if !ok {
		return ErrFileNotFound
	}
	return os.Remove(sf.Path)
}
