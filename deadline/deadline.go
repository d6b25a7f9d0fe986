// Package deadline computes the recurring calendar deadline that closes
// an issue. All dates are UTC midnight; the reference date is always
// explicit so the computation stays deterministic.
package deadline

import (
	"fmt"
	"time"

	"github.com/familybook/familybook-server/domain"
)

// NextDeadline returns the next deadline strictly after ref for the
// given policy: the second or fourth Sunday of the reference month, or
// of the following month when that occurrence has already passed.
func NextDeadline(ref time.Time, policy domain.DeadlinePolicy) (time.Time, error) {
	var week int
	switch policy {
	case domain.DeadlinePolicySecondSunday:
		week = 2
	case domain.DeadlinePolicyFourthSunday:
		week = 4
	default:
		return time.Time{}, fmt.Errorf("unsupported deadline policy: %d", policy)
	}
	return nthSunday(Date(ref), week), nil
}

// Passed reports whether the deadline is behind the given moment. The
// deadline day itself still counts as open.
func Passed(deadlineDate, now time.Time) bool {
	return Date(now).After(Date(deadlineDate))
}

// DaysUntil returns the number of whole days from now to the deadline,
// negative once it has passed.
func DaysUntil(deadlineDate, now time.Time) int {
	return int(Date(deadlineDate).Sub(Date(now)).Hours() / 24)
}

// Date truncates t to its calendar date at UTC midnight.
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func nthSunday(ref time.Time, week int) time.Time {
	first := time.Date(ref.Year(), ref.Month(), 1, 0, 0, 0, 0, time.UTC)
	offset := (7 - int(first.Weekday())) % 7
	nth := first.AddDate(0, 0, offset+7*(week-1))
	// Roll over when the occurrence escapes the month or is not strictly
	// in the future relative to the reference date.
	if nth.Month() != ref.Month() || !nth.After(ref) {
		return nthSunday(first.AddDate(0, 1, 0), week)
	}
	return nth
}
