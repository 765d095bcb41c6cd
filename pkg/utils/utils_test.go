package utils

import (
	"strings"
	"testing"
	"time"
)

func TestNewParticipantID(t *testing.T) {
	id := NewParticipantID("driver")
	if !strings.HasPrefix(id, "driver-") {
		t.Errorf("Expected role prefix, got: %q", id)
	}
	if id == NewParticipantID("driver") {
		t.Error("Expected unique ids")
	}
}

func TestNextWindowTime_LandsInsideWindow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, loc)

	for i := 0; i < 50; i++ {
		next := NextWindowTime(now, 9, 11, loc)
		if !next.After(now) {
			t.Fatalf("Expected future instant, got: %s", next)
		}
		if !WithinWindow(next, 9, 11, loc) {
			t.Fatalf("Expected instant inside [9,11), got: %s", next)
		}
	}
}

func TestNextWindowTime_RollsToNextDay(t *testing.T) {
	loc := time.UTC
	// Already past the window: next run is tomorrow.
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, loc)

	next := NextWindowTime(now, 9, 11, loc)
	if next.Day() != 3 {
		t.Errorf("Expected next-day run, got: %s", next)
	}
	if !WithinWindow(next, 9, 11, loc) {
		t.Errorf("Expected instant inside window, got: %s", next)
	}
}

func TestWithinWindow(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		hour int
		want bool
	}{
		{8, false},
		{9, true},
		{10, true},
		{11, false},
	}
	for _, tt := range tests {
		ts := time.Date(2026, 3, 2, tt.hour, 30, 0, 0, loc)
		if got := WithinWindow(ts, 9, 11, loc); got != tt.want {
			t.Errorf("WithinWindow(hour=%d) = %v, want %v", tt.hour, got, tt.want)
		}
	}
}
