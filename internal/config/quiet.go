package config

import (
	"fmt"
	"strings"
	"time"
)

// QuietHours is a daily window during which scheduled sync is suppressed.
// A window whose end is before its start wraps past midnight.
type QuietHours struct {
	Start   time.Duration // offset from local midnight
	End     time.Duration
	Enabled bool
}

// ParseQuietHours parses "HH:MM-HH:MM". An empty string disables the window.
func ParseQuietHours(s string) (QuietHours, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QuietHours{}, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return QuietHours{}, fmt.Errorf("expected HH:MM-HH:MM, got %q", s)
	}
	start, err := parseClock(parts[0])
	if err != nil {
		return QuietHours{}, err
	}
	end, err := parseClock(parts[1])
	if err != nil {
		return QuietHours{}, err
	}
	if start == end {
		return QuietHours{}, fmt.Errorf("quiet hours start and end are equal")
	}
	return QuietHours{Start: start, End: end, Enabled: true}, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether t falls inside the window
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	offset := time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	if q.Start < q.End {
		return offset >= q.Start && offset < q.End
	}
	return offset >= q.Start || offset < q.End
}
