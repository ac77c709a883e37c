package model

import (
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"08:30:00", "08:30:00", false},
		{"0:5:9", "00:05:09", false},
		{"23:59:59", "23:59:59", false},
		{"24:00:00", "", true},
		{"12:60:00", "", true},
		{"12:00:60", "", true},
		{"noon", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q): want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tc.in, err)
			continue
		}
		if got.String() != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestTimeOfDayOrdering(t *testing.T) {
	early := MustTimeOfDay("08:15:00")
	late := MustTimeOfDay("08:15:30")
	if !early.Before(late) || late.Before(early) {
		t.Fatal("Before broken")
	}
	if !late.After(early) {
		t.Fatal("After broken")
	}
	if early.DaySeconds() != 8*3600+15*60 {
		t.Fatalf("DaySeconds = %d", early.DaySeconds())
	}
}

func TestOnCombinesDateAndTime(t *testing.T) {
	day := time.Date(2026, time.September, 14, 17, 0, 0, 0, time.UTC)
	at := MustTimeOfDay("09:30:15").On(day, time.UTC)
	want := time.Date(2026, time.September, 14, 9, 30, 15, 0, time.UTC)
	if !at.Equal(want) {
		t.Fatalf("On = %v, want %v", at, want)
	}
}

func TestWeekdayMapping(t *testing.T) {
	// 2026-09-14 is a Monday.
	for offset, want := range []int{0, 1, 2, 3, 4, 5, 6} {
		d := time.Date(2026, time.September, 14+offset, 0, 0, 0, 0, time.UTC)
		if got := WeekdayOf(d); got != want {
			t.Errorf("WeekdayOf(%s) = %d, want %d", d.Weekday(), got, want)
		}
	}
}

func TestCronDow(t *testing.T) {
	// Monday-based index 0 is cron's 1; Sunday (6) wraps to cron's 0.
	cases := map[int]int{0: 1, 1: 2, 5: 6, 6: 0}
	for in, want := range cases {
		if got := CronDow(in); got != want {
			t.Errorf("CronDow(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestBucketLookup(t *testing.T) {
	cal := WeeklyCalendar{Buckets: []WeekdayBucket{{Weekday: 2}, {Weekday: 4}}}
	if b := cal.Bucket(4); b == nil || b.Weekday != 4 {
		t.Fatal("Bucket(4) lookup failed")
	}
	if cal.Bucket(0) != nil {
		t.Fatal("Bucket(0) should be nil")
	}
}

func TestMidnightAndDateKey(t *testing.T) {
	d := time.Date(2026, time.September, 14, 23, 59, 59, 12345, time.UTC)
	mid := Midnight(d)
	if mid.Hour() != 0 || mid.Minute() != 0 || mid.Second() != 0 || mid.Nanosecond() != 0 {
		t.Fatalf("Midnight = %v", mid)
	}
	if DateKey(d) != "2026-09-14" {
		t.Fatalf("DateKey = %s", DateKey(d))
	}
}
