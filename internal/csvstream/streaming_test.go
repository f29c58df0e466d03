package csvstream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBOMSkippingReader(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{
			name:     "file with BOM",
			input:    append([]byte{0xEF, 0xBB, 0xBF}, []byte("hello,world")...),
			expected: "hello,world",
		},
		{
			name:     "file without BOM",
			input:    []byte("hello,world"),
			expected: "hello,world",
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: "",
		},
		{
			name:     "only BOM",
			input:    []byte{0xEF, 0xBB, 0xBF},
			expected: "",
		},
		{
			name:     "partial BOM at start",
			input:    []byte{0xEF, 0xBB, 'a', 'b', 'c'},
			expected: string([]byte{0xEF, 0xBB, 'a', 'b', 'c'}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := NewBOMSkippingReader(bytes.NewReader(tt.input))
			result, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(result) != tt.expected {
				t.Errorf("got %q, want %q", string(result), tt.expected)
			}
		})
	}
}

func TestDetectEncoding(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected Encoding
	}{
		{
			name:     "plain ASCII",
			input:    []byte("sku,price\nA,9.99\n"),
			expected: EncodingUTF8,
		},
		{
			name:     "valid UTF-8 multibyte",
			input:    []byte("name\nM\xc3\xbcller\n"),
			expected: EncodingUTF8,
		},
		{
			name:     "Latin-1 accented byte",
			input:    []byte("name\nM\xfcller\n"),
			expected: EncodingLatin1,
		},
		{
			name:     "empty file",
			input:    []byte{},
			expected: EncodingUTF8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "in.csv")
			if err := os.WriteFile(path, tt.input, 0o644); err != nil {
				t.Fatal(err)
			}

			enc, err := DetectEncoding(path)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if enc != tt.expected {
				t.Errorf("got %q, want %q", enc, tt.expected)
			}
		})
	}
}

func TestDetectEncoding_UnreadableFile(t *testing.T) {
	_, err := DetectEncoding(filepath.Join(t.TempDir(), "missing.csv"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDecodingReader_Latin1(t *testing.T) {
	// 0xFC is u-umlaut in Latin-1
	input := []byte{'M', 0xFC, 'l', 'l', 'e', 'r'}
	r := DecodingReader(bytes.NewReader(input), EncodingLatin1)

	result, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := string(result), "Müller"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestDecodingReader_UTF8Passthrough(t *testing.T) {
	input := "already valid ü"
	r := DecodingReader(strings.NewReader(input), EncodingUTF8)

	result, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != input {
		t.Errorf("got %q, want %q", string(result), input)
	}
}

func TestCountingReader(t *testing.T) {
	input := strings.Repeat("x", 1000)
	reader := NewCountingReader(strings.NewReader(input), int64(len(input)))

	// Read in chunks
	buf := make([]byte, 100)
	totalRead := 0
	for {
		n, err := reader.Read(buf)
		totalRead += n
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if totalRead != len(input) {
		t.Errorf("total read = %d, want %d", totalRead, len(input))
	}
	if reader.BytesRead != int64(len(input)) {
		t.Errorf("BytesRead = %d, want %d", reader.BytesRead, len(input))
	}
	if reader.Progress() != 100 {
		t.Errorf("Progress() = %d, want 100", reader.Progress())
	}
}
