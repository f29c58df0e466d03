// Package csvstream provides memory-efficient streaming readers for CSV
// processing.
//
// These readers wrap io.Reader to handle common CSV file issues without
// loading the entire file into memory:
//
//   - BOMSkippingReader: Removes UTF-8 BOM (0xEF 0xBB 0xBF) from Windows files
//   - CountingReader: Tracks bytes read for progress reporting
//   - DetectEncoding / DecodingReader: UTF-8 vs Latin-1 auto-detection,
//     applied uniformly to the whole file once detected
package csvstream

import (
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// Encoding identifies the byte encoding of an import file.
type Encoding string

const (
	EncodingUTF8   Encoding = "utf-8"
	EncodingLatin1 Encoding = "latin-1"
)

// detectSampleSize is how many bytes of the file are inspected for
// encoding detection.
const detectSampleSize = 64 * 1024

// DetectEncoding samples the start of the file and reports its encoding.
// A file whose sample is valid UTF-8 is treated as UTF-8; anything else is
// assumed to be Latin-1, which accepts every byte value. Detection runs once
// per file and the result must be applied uniformly to all reads.
//
// An unreadable file is a hard error, distinct from an empty file.
func DetectEncoding(path string) (Encoding, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sample := make([]byte, detectSampleSize)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sample = sample[:n]

	// Trim a possibly incomplete multi-byte sequence at the sample boundary
	// so a truncated rune does not force a Latin-1 verdict.
	if n == detectSampleSize {
		sample = sample[:n-trailingPartialRune(sample)]
	}

	if utf8.Valid(sample) {
		return EncodingUTF8, nil
	}
	return EncodingLatin1, nil
}

// trailingPartialRune returns the number of bytes at the end of data that
// form the start of an incomplete multi-byte UTF-8 sequence.
func trailingPartialRune(data []byte) int {
	for i := 1; i <= utf8.UTFMax && i <= len(data); i++ {
		b := data[len(data)-i]
		if b < 0x80 {
			return 0 // ASCII, sequence complete
		}
		if b >= 0xC0 {
			// Start byte of a multi-byte sequence
			if i < expectedRuneLen(b) {
				return i
			}
			return 0
		}
		// Continuation byte, keep scanning backwards
	}
	return 0
}

// expectedRuneLen returns the length of a UTF-8 sequence starting with byte b.
func expectedRuneLen(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0 // continuation byte, not a start
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// DecodingReader wraps r so that its output is UTF-8 regardless of the
// detected file encoding. UTF-8 input passes through unchanged.
func DecodingReader(r io.Reader, enc Encoding) io.Reader {
	if enc == EncodingLatin1 {
		return transform.NewReader(r, charmap.ISO8859_1.NewDecoder())
	}
	return r
}

// BOMSkippingReader wraps an io.Reader and skips the UTF-8 BOM if present.
// The UTF-8 BOM is 0xEF 0xBB 0xBF and is commonly added by Windows programs.
type BOMSkippingReader struct {
	reader     io.Reader
	bomChecked bool
	buf        [3]byte
	bufData    []byte
	bufOffset  int
}

// NewBOMSkippingReader creates a new BOM-skipping reader.
func NewBOMSkippingReader(r io.Reader) *BOMSkippingReader {
	return &BOMSkippingReader{
		reader: r,
	}
}

// Read implements io.Reader. On the first read, it checks for and skips the BOM.
func (r *BOMSkippingReader) Read(p []byte) (int, error) {
	if !r.bomChecked {
		r.bomChecked = true

		// Read first 3 bytes to check for BOM
		n, err := io.ReadFull(r.reader, r.buf[:])
		if n == 0 {
			return 0, err
		}

		if n >= 3 && r.buf[0] == 0xEF && r.buf[1] == 0xBB && r.buf[2] == 0xBF {
			// BOM found - skip it
			r.bufData = nil
		} else {
			// No BOM - preserve the bytes we read
			r.bufData = r.buf[:n]
			r.bufOffset = 0
		}

		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		if err != nil && err != io.EOF {
			return 0, err
		}

		if len(r.bufData) > 0 {
			copied := copy(p, r.bufData[r.bufOffset:])
			r.bufOffset += copied
			if r.bufOffset >= len(r.bufData) {
				r.bufData = nil
			}
			if copied < len(p) && err != io.EOF {
				n2, err2 := r.reader.Read(p[copied:])
				return copied + n2, err2
			}
			return copied, err
		}
	}

	// Return any remaining buffered data first
	if len(r.bufData) > r.bufOffset {
		copied := copy(p, r.bufData[r.bufOffset:])
		r.bufOffset += copied
		if r.bufOffset >= len(r.bufData) {
			r.bufData = nil
		}
		return copied, nil
	}

	return r.reader.Read(p)
}

// CountingReader wraps an io.Reader to track bytes read.
// Used for progress reporting while streaming an import file.
type CountingReader struct {
	reader    io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewCountingReader creates a counting reader with optional total size.
func NewCountingReader(r io.Reader, total int64) *CountingReader {
	return &CountingReader{
		reader: r,
		Total:  total,
	}
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.BytesRead += int64(n)
	return n, err
}

// Progress returns the read progress as a percentage (0-100).
// Returns 0 if total is unknown.
func (r *CountingReader) Progress() int {
	if r.Total <= 0 {
		return 0
	}
	return int(r.BytesRead * 100 / r.Total)
}
