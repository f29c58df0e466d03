package importer

import (
	"fmt"
	"io"
	"math"
	"os"
)

// Chunk is one byte range of the import file plus the 1-indexed number of
// its first data row, so a run can resume without re-reading earlier rows.
type Chunk struct {
	Start       int64 `json:"start"`
	End         int64 `json:"end"`
	StartingRow int   `json:"starting_row"`
}

// Plan is the full chunk schedule for one import run. The driver issues one
// request per chunk, strictly in order.
type Plan struct {
	TotalRows      int     `json:"total_rows"`
	RowsPerRequest int     `json:"rows_per_request"`
	Chunks         []Chunk `json:"chunks"`
}

// BuildPlan scans the data section of the file and groups every
// rowsPerRequest logical lines into one chunk. Chunk boundaries always fall
// on logical line boundaries, so every data row is fully contained in
// exactly one chunk.
func BuildPlan(sf *SpoolFile, rowsPerRequest int) (*Plan, error) {
	if rowsPerRequest < 1 {
		return nil, fmt.Errorf("rows_per_request must be at least 1, got %d", rowsPerRequest)
	}

	f, err := os.Open(sf.Path)
	if err != nil {
		return nil, fmt.Errorf("open import file %s: %w", sf.ID, err)
	}
	defer f.Close()

	if _, err := f.Seek(sf.DataOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek import file %s: %w", sf.ID, err)
	}

	plan := &Plan{RowsPerRequest: rowsPerRequest}
	scan := newLineScanner(f, sf.DataOffset)

	var current *Chunk
	rowsInChunk := 0
	for {
		raw, start, end, err := scan.next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scanning import file: %w", err)
		}
		if isBlankLine(raw) {
			continue
		}

		plan.TotalRows++
		if current == nil {
			plan.Chunks = append(plan.Chunks, Chunk{Start: start, StartingRow: plan.TotalRows})
			current = &plan.Chunks[len(plan.Chunks)-1]
			rowsInChunk = 0
		}
		current.End = end
		rowsInChunk++
		if rowsInChunk == rowsPerRequest {
			current = nil
		}
	}
	return plan, nil
}

// Percent returns the whole-run completion percentage after `completed`
// chunk responses, rounded to the nearest integer. 100 is reported only once
// every chunk has responded.
func (p *Plan) Percent(completed int) int {
	if len(p.Chunks) == 0 {
		return 100
	}
	if completed > len(p.Chunks) {
		completed = len(p.Chunks)
	}
	return int(math.Round(float64(completed) / float64(len(p.Chunks)) * 100))
}

// isBlankLine reports whether a raw logical line holds no CSV data.
func isBlankLine(raw []byte) bool {
	for _, b := range raw {
		if b != '\r' && b != '\n' && b != ' ' && b != '\t' {
			return false
		}
	}
	return true
}
