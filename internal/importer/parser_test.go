package importer

import (
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/subvault/subimport/internal/csvstream"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	sp, err := NewSpool(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("NewSpool error = %v", err)
	}
	return sp
}

func spoolCSV(t *testing.T, sp *Spool, content string) *SpoolFile {
	t.Helper()
	sf, err := sp.Add("test.csv", strings.NewReader(content))
	if err != nil {
		t.Fatalf("Add error = %v", err)
	}
	return sf
}

func readAll(t *testing.T, it *RowIter) [][]string {
	t.Helper()
	defer it.Close()

	var rows [][]string
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return rows
		}
		if err != nil {
			t.Fatalf("Next error = %v", err)
		}
		rows = append(rows, rec)
	}
}

func TestSpoolAdd(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "customer_email,product_id\na@example.com,42\n")

	if len(sf.Headers) != 2 || sf.Headers[0] != "customer_email" || sf.Headers[1] != "product_id" {
		t.Errorf("Headers = %v", sf.Headers)
	}
	if sf.DataOffset != int64(len("customer_email,product_id\n")) {
		t.Errorf("DataOffset = %d", sf.DataOffset)
	}
	if sf.Encoding != csvstream.EncodingUTF8 {
		t.Errorf("Encoding = %v", sf.Encoding)
	}

	got, err := sp.Get(sf.ID)
	if err != nil || got.ID != sf.ID {
		t.Errorf("Get = %v, %v", got, err)
	}
}

func TestSpoolAdd_BOMHeader(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "\xEF\xBB\xBFcustomer_email,product_id\na@example.com,42\n")

	if sf.Headers[0] != "customer_email" {
		t.Errorf("Headers[0] = %q, want BOM stripped", sf.Headers[0])
	}
	// The data offset is in raw bytes, BOM included.
	if sf.DataOffset != int64(len("\xEF\xBB\xBFcustomer_email,product_id\n")) {
		t.Errorf("DataOffset = %d", sf.DataOffset)
	}
}

func TestSpoolAdd_EmptyFile(t *testing.T) {
	sp := newTestSpool(t)
	if _, err := sp.Add("empty.csv", strings.NewReader("")); !errors.Is(err, ErrEmptyFile) {
		t.Errorf("Add(empty) error = %v, want ErrEmptyFile", err)
	}
}

func TestSpoolAdd_TooLarge(t *testing.T) {
	sp, err := NewSpool(t.TempDir(), 10)
	if err != nil {
		t.Fatalf("NewSpool error = %v", err)
	}
	if _, err := sp.Add("big.csv", strings.NewReader("a,b,c\n1,2,3\n")); !errors.Is(err, ErrFileTooLarge) {
		t.Errorf("Add(oversized) error = %v, want ErrFileTooLarge", err)
	}
}

func TestSpoolAcquire(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\n1\n")

	if err := sp.Acquire(sf.ID); err != nil {
		t.Fatalf("first Acquire error = %v", err)
	}
	if err := sp.Acquire(sf.ID); !errors.Is(err, ErrImportInProgress) {
		t.Errorf("second Acquire error = %v, want ErrImportInProgress", err)
	}
	sp.Release(sf.ID)
	if err := sp.Acquire(sf.ID); err != nil {
		t.Errorf("Acquire after Release error = %v", err)
	}

	if err := sp.Acquire("nope"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Acquire(unknown) error = %v, want ErrFileNotFound", err)
	}
}

func TestOpenRows_FullRange(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a,b,c\n1,2,3\n4,5\n\n7,8,9\n")

	it, err := sf.OpenRows(0, sf.Size)
	if err != nil {
		t.Fatalf("OpenRows error = %v", err)
	}
	rows := readAll(t, it)

	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3 (blank line skipped)", len(rows))
	}
	// Short rows are padded to the header width.
	if len(rows[1]) != 3 || rows[1][2] != "" {
		t.Errorf("short row = %v, want padded to 3 columns", rows[1])
	}
	if rows[2][0] != "7" {
		t.Errorf("rows[2] = %v", rows[2])
	}
}

func TestOpenRows_RangeContainment(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\nrow1\nrow2\nrow3\n")

	// End the range one byte into row2: only row1 is fully contained.
	row1End := sf.DataOffset + int64(len("row1\n"))
	it, err := sf.OpenRows(sf.DataOffset, row1End+1)
	if err != nil {
		t.Fatalf("OpenRows error = %v", err)
	}
	rows := readAll(t, it)

	if len(rows) != 1 || rows[0][0] != "row1" {
		t.Errorf("rows = %v, want only row1", rows)
	}
}

func TestOpenRows_QuotedNewline(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a,b\n\"line one\nline two\",x\nnext,y\n")

	it, err := sf.OpenRows(0, sf.Size)
	if err != nil {
		t.Fatalf("OpenRows error = %v", err)
	}
	rows := readAll(t, it)

	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2 (quoted newline is one record)", len(rows))
	}
	if rows[0][0] != "line one\nline two" {
		t.Errorf("rows[0][0] = %q", rows[0][0])
	}
}

func TestOpenRows_Latin1(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "name\ncaf\xe9\n")

	if sf.Encoding != csvstream.EncodingLatin1 {
		t.Fatalf("Encoding = %v, want latin-1", sf.Encoding)
	}

	it, err := sf.OpenRows(0, sf.Size)
	if err != nil {
		t.Fatalf("OpenRows error = %v", err)
	}
	rows := readAll(t, it)

	if len(rows) != 1 || rows[0][0] != "café" {
		t.Errorf("rows = %q, want decoded café", rows)
	}
}

func TestOpenRows_UnreadableFile(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\n1\n")

	// An unreadable file is a hard error, not an empty row sequence.
	if err := os.Remove(sf.Path); err != nil {
		t.Fatal(err)
	}
	if _, err := sf.OpenRows(0, sf.Size); err == nil {
		t.Error("OpenRows on unreadable file = nil error, want hard error")
	}
}
