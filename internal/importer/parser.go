package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/subvault/subimport/internal/csvstream"
)

// lineScanner reads logical CSV lines from a raw byte stream, tracking byte
// offsets in the raw file. A logical line spans physical lines when a quoted
// field contains a newline, detected by unbalanced double quotes. Offsets are
// always in raw (pre-decoding) byte space so the chunk planner and the row
// parser agree on chunk boundaries.
type lineScanner struct {
	r      *bufio.Reader
	offset int64
}

func newLineScanner(r io.Reader, start int64) *lineScanner {
	return &lineScanner{r: bufio.NewReader(r), offset: start}
}

// next returns the raw bytes of the next logical line including its
// terminator, plus the line's [start, end) offsets. Returns io.EOF when the
// stream is exhausted.
func (s *lineScanner) next() (line []byte, start, end int64, err error) {
	start = s.offset
	var buf []byte
	for {
		chunk, rerr := s.r.ReadBytes('\n')
		buf = append(buf, chunk...)
		if rerr != nil {
			if rerr == io.EOF && len(buf) > 0 {
				break
			}
			return nil, start, start, rerr
		}
		if bytes.Count(buf, []byte(`"`))%2 == 0 {
			break
		}
		// Odd quote count: the newline was inside a quoted field.
	}
	s.offset = start + int64(len(buf))
	return buf, start, s.offset, nil
}

// decodeRecord parses one logical line into a CSV record, decoding Latin-1
// input to UTF-8 first. Column-count mismatches are tolerated; blank lines
// yield a nil record.
func decodeRecord(raw []byte, enc csvstream.Encoding, skipBOM bool) ([]string, error) {
	var r io.Reader = bytes.NewReader(raw)
	if skipBOM {
		r = csvstream.NewBOMSkippingReader(r)
	}
	cr := csv.NewReader(csvstream.DecodingReader(r, enc))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	rec, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("parsing CSV line: %w", err)
	}
	return rec, nil
}

// RowIter is a lazy, non-restartable sequence of CSV records for the data
// lines fully contained in one byte range of an import file.
type RowIter struct {
	file *os.File
	scan *lineScanner
	end  int64
	enc  csvstream.Encoding
	cols int
	done bool
}

// OpenRows opens a row iterator over the data lines fully contained in
// [start, end) of the spooled file. The header line is never yielded: a start
// offset before the data section is clamped to it. An unreadable file is a
// hard error, distinct from a range that happens to contain no rows.
func (sf *SpoolFile) OpenRows(start, end int64) (*RowIter, error) {
	if start < sf.DataOffset {
		start = sf.DataOffset
	}

	f, err := os.Open(sf.Path)
	if err != nil {
		return nil, fmt.Errorf("open import file %s: %w", sf.ID, err)
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek import file %s: %w", sf.ID, err)
	}

	return &RowIter{
		file: f,
		scan: newLineScanner(f, start),
		end:  end,
		enc:  sf.Encoding,
		cols: len(sf.Headers),
	}, nil
}

// Next returns the next record, padded with empty strings up to the header
// width so short rows read uniformly. Returns io.EOF when the range is
// exhausted; a record whose bytes extend past the range boundary belongs to
// the next chunk and is not yielded.
func (it *RowIter) Next() ([]string, error) {
	for !it.done {
		raw, _, lineEnd, err := it.scan.next()
		if err == io.EOF {
			it.done = true
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading import file: %w", err)
		}
		if lineEnd > it.end {
			it.done = true
			break
		}

		rec, err := decodeRecord(raw, it.enc, false)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue // blank line
		}
		for len(rec) < it.cols {
			rec = append(rec, "")
		}
		return rec, nil
	}
	return nil, io.EOF
}

// Close releases the underlying file handle.
func (it *RowIter) Close() error {
	return it.file.Close()
}
