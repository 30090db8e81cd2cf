package notify

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a daily window, in the recipient's local time, during which
// pushes are suppressed. Bounds are "HH:MM". A window whose start is after
// its end wraps past midnight; equal bounds mean no window.
type QuietHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// ParseClock converts "HH:MM" to minutes since midnight.
func ParseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("notify: invalid clock %q", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("notify: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("notify: invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// InWindow reports whether minute falls in [start, end), handling the
// overnight wrap when start > end.
func InWindow(minute, start, end int) bool {
	switch {
	case start == end:
		return false
	case start < end:
		return minute >= start && minute < end
	default:
		return minute >= start || minute < end
	}
}

// Contains reports whether t, already converted to the recipient's local
// time, falls inside the window.
func (q QuietHours) Contains(t time.Time) (bool, error) {
	start, err := ParseClock(q.Start)
	if err != nil {
		return false, err
	}
	end, err := ParseClock(q.End)
	if err != nil {
		return false, err
	}
	return InWindow(t.Hour()*60+t.Minute(), start, end), nil
}
