package clock

import "time"

// DateLayout is the canonical calendar-date format. Lexicographic order on
// these strings matches chronological order, which the reset logic relies on.
const DateLayout = "2006-01-02"

// Clock provides current time and local calendar date. This interface allows
// day-boundary logic to be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Today() string
}

// RealClock provides actual system time.
type RealClock struct{}

// Now returns the current system time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Today returns the current local calendar date.
func (RealClock) Today() string {
	return time.Now().Format(DateLayout)
}

// TestClock provides fixed time for testing.
type TestClock struct {
	CurrentTime time.Time
}

// Now returns the test time.
func (t *TestClock) Now() time.Time {
	return t.CurrentTime
}

// Today returns the test time's calendar date.
func (t *TestClock) Today() string {
	return t.CurrentTime.Format(DateLayout)
}

// Advance moves the test clock forward by d.
func (t *TestClock) Advance(d time.Duration) {
	t.CurrentTime = t.CurrentTime.Add(d)
}

// DayOf returns the calendar date of ts in its own location.
func DayOf(ts time.Time) string {
	return ts.Format(DateLayout)
}

// PreviousDay returns the calendar date immediately before date. Malformed
// input yields an empty string, which never equals a valid date.
func PreviousDay(date string) string {
	ts, err := time.Parse(DateLayout, date)
	if err != nil {
		return ""
	}
	return ts.AddDate(0, 0, -1).Format(DateLayout)
}
