package importer

import (
	"fmt"
	"strings"
	"time"

	"github.com/subvault/subimport/internal/store"
)

// Accepted date layouts for import cells, tried in order.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate parses a date cell. Empty cells return the zero time with ok
// false; malformed cells record an error on the report.
func parseDate(field, cell string, rep *rowReport) (time.Time, bool) {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, cell, time.UTC); err == nil {
			return t, true
		}
	}
	rep.errorf("Invalid %s %q: expected YYYY-MM-DD or YYYY-MM-DD HH:MM:SS.", field, cell)
	return time.Time{}, false
}

// dateSet holds a row's computed subscription dates. Start is always set
// (defaulted when absent); the rest are optional.
type dateSet struct {
	Start       time.Time
	TrialEnd    *time.Time
	NextPayment *time.Time
	Cancelled   *time.Time
	End         *time.Time
}

// dateRule is one named validation step over a dateSet. The order-dependency
// between date fields is expressed as an explicit ordered rule list rather
// than control-flow fallthrough; inputs document which fields a rule reads.
type dateRule struct {
	name   string
	inputs []string
	check  func(ds *dateSet, status string, now time.Time, rep *rowReport)
}

var dateRules = []dateRule{
	{
		name:   "trial-end-after-start",
		inputs: []string{FieldTrialEndDate, FieldStartDate},
		check: func(ds *dateSet, _ string, _ time.Time, rep *rowReport) {
			if ds.TrialEnd != nil && !ds.TrialEnd.After(ds.Start) {
				rep.errorf("The trial_end_date must occur after the start_date.")
			}
		},
	},
	{
		name:   "next-payment-not-before-trial-end",
		inputs: []string{FieldNextPaymentDate, FieldTrialEndDate},
		check: func(ds *dateSet, _ string, _ time.Time, rep *rowReport) {
			if ds.NextPayment != nil && ds.TrialEnd != nil && ds.NextPayment.Before(*ds.TrialEnd) {
				rep.errorf("The next_payment_date must be on or after the trial_end_date.")
			}
		},
	},
	{
		name:   "end-after-next-payment",
		inputs: []string{FieldEndDate, FieldNextPaymentDate},
		check: func(ds *dateSet, _ string, _ time.Time, rep *rowReport) {
			if ds.End != nil && ds.NextPayment != nil && !ds.End.After(*ds.NextPayment) {
				rep.errorf("The end_date must occur after the next_payment_date.")
			}
		},
	},
	{
		name:   "end-after-cancelled",
		inputs: []string{FieldEndDate, FieldCancelledDate},
		check: func(ds *dateSet, _ string, _ time.Time, rep *rowReport) {
			if ds.End != nil && ds.Cancelled != nil && !ds.End.After(*ds.Cancelled) {
				rep.errorf("The end_date must occur after the cancelled_date.")
			}
		},
	},
	{
		// Best-effort repair, not a rejection: an end date without a
		// cancelled date gets the end date copied over with a warning.
		name:   "cancelled-defaults-to-end",
		inputs: []string{FieldCancelledDate, FieldEndDate},
		check: func(ds *dateSet, _ string, _ time.Time, rep *rowReport) {
			if ds.End != nil && ds.Cancelled == nil {
				cancelled := *ds.End
				ds.Cancelled = &cancelled
				rep.warnf("No cancelled_date provided; defaulted to the end_date.")
			}
		},
	},
	{
		name:   "pending-cancel-needs-future-date",
		inputs: []string{FieldNextPaymentDate, FieldEndDate},
		check: func(ds *dateSet, status string, now time.Time, rep *rowReport) {
			if status != store.StatusPendingCancel {
				return
			}
			if ds.NextPayment != nil && ds.NextPayment.After(now) {
				return
			}
			// A stale or missing next payment can be repaired from a
			// forward-dated end date.
			if ds.End != nil && ds.End.After(now) {
				next := *ds.End
				ds.NextPayment = &next
				rep.warnf("The next_payment_date was not in the future; substituted the end_date.")
				return
			}
			rep.errorf("The status pending-cancel requires a next_payment_date or end_date in the future.")
		},
	},
}

// validateDates evaluates every rule in order against the row's dates.
// Repairs made by earlier rules are visible to later ones.
func validateDates(ds *dateSet, status string, now time.Time, rep *rowReport) {
	for _, rule := range dateRules {
		rule.check(ds, status, now, rep)
	}
}

// computeDates parses the row's date cells into a dateSet. A missing start
// date defaults to one second before now so the subscription is immediately
// eligible for its first billing calculation.
func computeDates(row ImportRow, now time.Time, rep *rowReport) *dateSet {
	ds := &dateSet{}

	if t, ok := parseDate(FieldStartDate, row[FieldStartDate], rep); ok {
		ds.Start = t
	} else {
		ds.Start = now.Add(-time.Second)
	}

	optional := []struct {
		field string
		dst   **time.Time
	}{
		{FieldTrialEndDate, &ds.TrialEnd},
		{FieldNextPaymentDate, &ds.NextPayment},
		{FieldCancelledDate, &ds.Cancelled},
		{FieldEndDate, &ds.End},
	}
	for _, o := range optional {
		if t, ok := parseDate(o.field, row[o.field], rep); ok {
			tt := t
			*o.dst = &tt
		}
	}
	return ds
}

// RuleNames returns the rule evaluation order with each rule's input fields,
// in "name(field,field)" form. Logged at startup so a log stream records which
// rule set produced its row reports.
func RuleNames() []string {
	names := make([]string, len(dateRules))
	for i, r := range dateRules {
		names[i] = fmt.Sprintf("%s(%s)", r.name, strings.Join(r.inputs, ","))
	}
	return names
}
