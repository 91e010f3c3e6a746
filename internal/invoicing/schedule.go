package invoicing

import "time"

// maxScheduleDay caps the day of month so every interval lands on a day that
// exists in all twelve months.
const maxScheduleDay = 28

// scheduleDay resolves the effective day of month: the explicit override when
// given, otherwise the start date's day, both clamped to 28.
func scheduleDay(start time.Time, dayOfMonth *int) int {
	day := start.Day()
	if dayOfMonth != nil {
		day = *dayOfMonth
	}
	if day > maxScheduleDay {
		day = maxScheduleDay
	}
	if day < 1 {
		day = 1
	}
	return day
}

// InitialNextRun computes the first occurrence of a schedule: the resolved
// day of month in the soonest interval step that is not before the start
// date.
func InitialNextRun(freq Frequency, start time.Time, dayOfMonth *int) time.Time {
	day := scheduleDay(start, dayOfMonth)
	next := time.Date(start.Year(), start.Month(), day, 0, 0, 0, 0, time.UTC)
	startDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	for next.Before(startDay) {
		next = next.AddDate(0, freq.Months(), 0)
	}
	return next
}

// NextRun advances exactly one interval from the given occurrence. It is
// deliberately independent of the wall clock so that late runs do not skip
// intervals.
func NextRun(current time.Time, freq Frequency, dayOfMonth *int) time.Time {
	day := scheduleDay(current, dayOfMonth)
	next := current.AddDate(0, freq.Months(), 0)
	return time.Date(next.Year(), next.Month(), day, 0, 0, 0, 0, time.UTC)
}
