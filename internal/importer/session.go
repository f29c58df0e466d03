package importer

import (
	"fmt"
	"log/slog"
)

// Row statuses reported to the client.
const (
	RowSuccess = "success"
	RowFailed  = "failed"
)

// Result is the outcome of one data row. Status is RowFailed exactly when
// Errors is non-empty; warnings alone do not fail a row.
type Result struct {
	Status    string   `json:"status"`
	Warnings  []string `json:"warning"`
	Errors    []string `json:"error"`
	RowNumber int      `json:"row_number"`

	// Set only on success.
	SubscriptionID     int64  `json:"subscription_id,omitempty"`
	Item               string `json:"item,omitempty"`
	Username           string `json:"username,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
}

// Session carries the state of one import run through the parser, resolver,
// and builder. There is no process-global import state; everything scoped to
// "current run" lives here and is passed explicitly.
type Session struct {
	FileID        string
	Mapping       FieldMapping
	TestMode      bool
	EmailCustomer bool

	// RowNumber is the 1-indexed data row currently being processed. The
	// header line is not counted.
	RowNumber int

	Results []*Result
	Log     *slog.Logger
}

// NewSession creates a session starting at the given data row number.
func NewSession(fileID string, mapping FieldMapping, startingRow int, log *slog.Logger) *Session {
	if mapping == nil {
		mapping = DefaultMapping()
	}
	if startingRow < 1 {
		startingRow = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		FileID:    fileID,
		Mapping:   mapping,
		RowNumber: startingRow,
		Log:       log,
	}
}

// Record appends one result in encounter order and advances the row cursor.
// No dedup, no merging: one row, one result.
func (s *Session) Record(r *Result) {
	r.RowNumber = s.RowNumber
	s.Results = append(s.Results, r)
	s.RowNumber++
}

// rowReport accumulates warnings and errors while one row is processed. All
// of a row's errors are collected before the row is abandoned so the operator
// sees the complete picture in one pass.
type rowReport struct {
	warnings []string
	errors   []string
}

func (r *rowReport) warnf(format string, args ...any) {
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
}

func (r *rowReport) errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func (r *rowReport) failed() bool {
	return len(r.errors) > 0
}

// result converts the report into a client-facing Result. The slices are
// always non-nil so the JSON arrays serialize as [] rather than null.
func (r *rowReport) result() *Result {
	res := &Result{
		Status:   RowSuccess,
		Warnings: append([]string{}, r.warnings...),
		Errors:   append([]string{}, r.errors...),
	}
	if r.failed() {
		res.Status = RowFailed
	}
	return res
}
