// Package cli holds parsing helpers shared by command flags.
package cli

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// "2h", "2h ago", "3 days ago", "1mo"
var agoPattern = regexp.MustCompile(`^(\d+)\s*(mo|months?|w|weeks?|d|days?|h|hours?|m|min|minutes?)(?:\s+ago)?$`)

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// ParseSince turns a --since value into an instant at or before now.
// Accepted forms: "30m", "2h ago", "3 days ago", "today", "yesterday", a
// weekday name (its most recent start, today included), "2026-01-28" and
// RFC 3339.
func ParseSince(s string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	in := strings.ToLower(raw)

	switch in {
	case "today":
		return midnight(now), nil
	case "yesterday":
		return midnight(now).AddDate(0, 0, -1), nil
	}
	if len(in) >= 3 {
		if wd, ok := weekdays[in[:3]]; ok && strings.HasPrefix(weekdayName(wd), in) {
			back := (int(now.Weekday()) - int(wd) + 7) % 7
			return midnight(now).AddDate(0, 0, -back), nil
		}
	}

	if m := agoPattern.FindStringSubmatch(in); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 {
			return time.Time{}, fmt.Errorf("invalid relative time %q", raw)
		}
		return back(now, n, m[2]), nil
	}

	if t, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time expression %q (try 2h, 3d ago, yesterday or 2006-01-02)", raw)
}

func weekdayName(wd time.Weekday) string { return strings.ToLower(wd.String()) }

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func back(now time.Time, n int, unit string) time.Time {
	switch {
	case strings.HasPrefix(unit, "mo"):
		return now.AddDate(0, -n, 0)
	case strings.HasPrefix(unit, "w"):
		return now.AddDate(0, 0, -7*n)
	case strings.HasPrefix(unit, "d"):
		return now.AddDate(0, 0, -n)
	case strings.HasPrefix(unit, "h"):
		return now.Add(-time.Duration(n) * time.Hour)
	default:
		return now.Add(-time.Duration(n) * time.Minute)
	}
}
