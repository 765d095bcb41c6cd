package utils

import (
	"math/rand"
	"time"
)

// NextWindowTime returns the next instant inside the [startHour, endHour)
// local-time window at or after now, with a randomized minute offset so
// many clients do not fire at once.
func NextWindowTime(now time.Time, startHour, endHour int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)

	windowMinutes := (endHour - startHour) * 60
	offset := time.Duration(rand.Intn(windowMinutes)) * time.Minute

	day := time.Date(now.Year(), now.Month(), now.Day(), startHour, 0, 0, 0, loc)
	candidate := day.Add(offset)
	if !candidate.After(now) {
		candidate = day.AddDate(0, 0, 1).Add(offset)
	}
	return candidate
}

// WithinWindow reports whether t falls inside the [startHour, endHour)
// local-time window.
func WithinWindow(t time.Time, startHour, endHour int, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	h := t.In(loc).Hour()
	return h >= startHour && h < endHour
}
