package importer

import (
	"io"
	"strings"
	"testing"
)

func TestBuildPlan(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\nr1\nr2\nr3\nr4\nr5\n")

	plan, err := BuildPlan(sf, 2)
	if err != nil {
		t.Fatalf("BuildPlan error = %v", err)
	}

	if plan.TotalRows != 5 {
		t.Errorf("TotalRows = %d, want 5", plan.TotalRows)
	}
	if len(plan.Chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(plan.Chunks))
	}

	wantStarting := []int{1, 3, 5}
	for i, c := range plan.Chunks {
		if c.StartingRow != wantStarting[i] {
			t.Errorf("chunk %d StartingRow = %d, want %d", i, c.StartingRow, wantStarting[i])
		}
	}

	// Chunks are contiguous and cover the whole data section.
	if plan.Chunks[0].Start != sf.DataOffset {
		t.Errorf("first chunk Start = %d, want %d", plan.Chunks[0].Start, sf.DataOffset)
	}
	for i := 1; i < len(plan.Chunks); i++ {
		if plan.Chunks[i].Start != plan.Chunks[i-1].End {
			t.Errorf("chunk %d Start = %d, want previous End %d", i, plan.Chunks[i].Start, plan.Chunks[i-1].End)
		}
	}
	if plan.Chunks[2].End != sf.Size {
		t.Errorf("last chunk End = %d, want %d", plan.Chunks[2].End, sf.Size)
	}
}

func TestBuildPlan_ChunksReplayExactly(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\nr1\nr2\nr3\nr4\nr5\n")

	plan, err := BuildPlan(sf, 2)
	if err != nil {
		t.Fatalf("BuildPlan error = %v", err)
	}

	// Replaying every chunk through the parser yields each row exactly once.
	var all []string
	for _, c := range plan.Chunks {
		it, err := sf.OpenRows(c.Start, c.End)
		if err != nil {
			t.Fatalf("OpenRows error = %v", err)
		}
		for {
			rec, err := it.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next error = %v", err)
			}
			all = append(all, rec[0])
		}
		it.Close()
	}

	if got := strings.Join(all, ","); got != "r1,r2,r3,r4,r5" {
		t.Errorf("replayed rows = %q, want r1..r5 once each in order", got)
	}
}

func TestBuildPlan_InvalidStride(t *testing.T) {
	sp := newTestSpool(t)
	sf := spoolCSV(t, sp, "a\nr1\n")

	if _, err := BuildPlan(sf, 0); err == nil {
		t.Error("BuildPlan(0) = nil error, want rejection")
	}
}

func TestPlanPercent(t *testing.T) {
	plan := &Plan{Chunks: make([]Chunk, 5)}

	tests := []struct {
		completed int
		want      int
	}{
		{0, 0},
		{1, 20},
		{3, 60},
		{4, 80},
		{5, 100},
		{9, 100}, // clamped
	}
	for _, tt := range tests {
		if got := plan.Percent(tt.completed); got != tt.want {
			t.Errorf("Percent(%d) = %d, want %d", tt.completed, got, tt.want)
		}
	}

	empty := &Plan{}
	if got := empty.Percent(0); got != 100 {
		t.Errorf("empty plan Percent(0) = %d, want 100", got)
	}
}
