package utils

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// ParseRange parses optional RFC3339 bounds. A missing end defaults to now and
// a missing start to one day before the end.
func ParseRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	end := now
	if to != "" {
		t, err := ParseRFC3339(to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
		}
		end = t
	}
	start := end.Add(-24 * time.Hour)
	if from != "" {
		t, err := ParseRFC3339(from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
		}
		start = t
	}
	if end.Before(start) {
		start, end = end, start
	}
	return start, end, nil
}

// DayKey formats t as the UTC day bucket used by usage counters.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// DayKeys lists every UTC day bucket touched by [start, end].
func DayKeys(start, end time.Time) []string {
	if end.Before(start) {
		start, end = end, start
	}
	first := start.UTC().Truncate(24 * time.Hour)
	last := end.UTC().Truncate(24 * time.Hour)
	keys := make([]string, 0, int(last.Sub(first).Hours()/24)+1)
	for d := first; !d.After(last); d = d.Add(24 * time.Hour) {
		keys = append(keys, d.Format(dayLayout))
	}
	return keys
}
