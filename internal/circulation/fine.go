package circulation

import "time"

const day = 24 * time.Hour

// DaysOverdue returns how many days late asOf is relative to due.
// Partial days round up: any time past the due instant counts as a full
// day's lateness. Zero when asOf is at or before due.
func DaysOverdue(due, asOf time.Time) int {
	if !asOf.After(due) {
		return 0
	}
	late := asOf.Sub(due)
	days := int(late / day)
	if late%day != 0 {
		days++
	}
	return days
}

// ComputeFine is the single fine formula: days overdue times the per-day
// rate. Both the settlement path and the preview endpoint go through it,
// so the two always agree for the same inputs.
func ComputeFine(due, asOf time.Time, finePerDay int64) int64 {
	return int64(DaysOverdue(due, asOf)) * finePerDay
}
