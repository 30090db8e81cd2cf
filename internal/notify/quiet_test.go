package notify

import (
	"testing"
	"time"
)

func at(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func TestQuietHoursOvernight(t *testing.T) {
	q := QuietHours{Start: "22:00", End: "08:00"}
	cases := []struct {
		when time.Time
		want bool
	}{
		{at(23, 0), true},
		{at(3, 0), true},
		{at(12, 0), false},
		{at(22, 0), true},
		{at(8, 0), false},
		{at(7, 59), true},
	}
	for _, c := range cases {
		got, err := q.Contains(c.when)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != c.want {
			t.Errorf("Contains(%s) = %v, want %v", c.when.Format("15:04"), got, c.want)
		}
	}
}

func TestQuietHoursSameDay(t *testing.T) {
	q := QuietHours{Start: "13:00", End: "14:30"}
	if ok, _ := q.Contains(at(13, 45)); !ok {
		t.Error("13:45 should be quiet")
	}
	if ok, _ := q.Contains(at(14, 30)); ok {
		t.Error("end bound is exclusive")
	}
}

func TestQuietHoursEqualBoundsIsEmpty(t *testing.T) {
	q := QuietHours{Start: "09:00", End: "09:00"}
	for _, h := range []int{0, 9, 18} {
		if ok, _ := q.Contains(at(h, 0)); ok {
			t.Errorf("%02d:00 reported quiet for an empty window", h)
		}
	}
}

func TestParseClockRejectsGarbage(t *testing.T) {
	for _, s := range []string{"", "9", "24:00", "12:60", "ab:cd"} {
		if _, err := ParseClock(s); err == nil {
			t.Errorf("ParseClock(%q) should fail", s)
		}
	}
	if m, err := ParseClock(" 07:05 "); err != nil || m != 425 {
		t.Errorf("ParseClock = %d, %v", m, err)
	}
}
