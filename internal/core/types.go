package core

import (
	"fmt"
	"strings"
	"time"
)

// QueryRange restricts a history query to a window anchored on the current
// time.
type QueryRange string

// Supported history query ranges.
const (
	// RangeAll places no restriction on completion time.
	RangeAll QueryRange = "all"
	// RangeToday matches records completed on the current calendar day.
	RangeToday QueryRange = "today"
	// RangeWeek matches records completed within the last seven days.
	RangeWeek QueryRange = "week"
	// RangeMonth matches records completed in the current calendar month.
	RangeMonth QueryRange = "month"
	// RangeYear matches records completed in the current calendar year.
	RangeYear QueryRange = "year"
)

// ParseQueryRange maps user input onto a QueryRange. Empty input selects
// RangeAll.
func ParseQueryRange(s string) (QueryRange, error) {
	switch QueryRange(strings.ToLower(strings.TrimSpace(s))) {
	case "", RangeAll:
		return RangeAll, nil
	case RangeToday:
		return RangeToday, nil
	case RangeWeek:
		return RangeWeek, nil
	case RangeMonth:
		return RangeMonth, nil
	case RangeYear:
		return RangeYear, nil
	default:
		return "", fmt.Errorf("unknown query range %q", s)
	}
}

// SortKey selects the column a history query is ordered by.
type SortKey string

// Supported history sort keys. The zero value keeps insertion order.
const (
	// SortNone preserves commit order.
	SortNone SortKey = ""
	// SortSequence orders by batch sequence number.
	SortSequence SortKey = "sequence"
	// SortCompletion orders by completion timestamp.
	SortCompletion SortKey = "completion"
	// SortArtifact orders by the artifact file name.
	SortArtifact SortKey = "artifact"
)

// ParseSortKey maps user input onto a SortKey. Empty input selects SortNone.
func ParseSortKey(s string) (SortKey, error) {
	switch SortKey(strings.ToLower(strings.TrimSpace(s))) {
	case SortNone:
		return SortNone, nil
	case SortSequence:
		return SortSequence, nil
	case SortCompletion:
		return SortCompletion, nil
	case SortArtifact:
		return SortArtifact, nil
	default:
		return "", fmt.Errorf("unknown sort key %q", s)
	}
}

// RecordQuery describes a history query. The zero value returns every
// visible record in commit order.
type RecordQuery struct {
	// Range restricts by completion time relative to now. Empty means all.
	Range QueryRange
	// Destination filters on the exact destination tag when non-empty.
	Destination string
	// Search keeps records containing the term in any unit identifier,
	// case-insensitively, when non-empty.
	Search string
	// Sort orders the result. SortNone keeps commit order.
	Sort SortKey
	// Desc reverses the sort direction.
	Desc bool
	// IncludeHidden also returns records hidden by reconciliation.
	IncludeHidden bool
}

// ReconcileReport summarizes one reconciliation pass over history.
type ReconcileReport struct {
	// Checked counts records that carry an artifact reference.
	Checked int
	// Hidden counts records newly hidden because their artifact did not
	// resolve.
	Hidden int
	// Restored counts previously hidden records whose artifact resolved
	// again.
	Restored int
	// Skipped counts records left untouched because the artifact probe
	// itself failed.
	Skipped int
}

// inRange reports whether a completion timestamp falls inside the window
// anchored on now. Both are compared in UTC.
func (r QueryRange) inRange(completed, now time.Time) bool {
	completed = completed.UTC()
	now = now.UTC()
	switch r {
	case RangeToday:
		cy, cm, cd := completed.Date()
		ny, nm, nd := now.Date()
		return cy == ny && cm == nm && cd == nd
	case RangeWeek:
		return !completed.Before(now.AddDate(0, 0, -7))
	case RangeMonth:
		cy, cm, _ := completed.Date()
		ny, nm, _ := now.Date()
		return cy == ny && cm == nm
	case RangeYear:
		return completed.Year() == now.Year()
	default:
		return true
	}
}
