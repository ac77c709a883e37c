// Package model holds the calendar domain types shared by the store, the
// schedule resolver and the dispatch engine.
//
// Weekday numbering is 0=Monday .. 6=Sunday everywhere in this module.
// Conversion to Go's time.Weekday (Sunday=0) happens only at the edges,
// via WeekdayOf and CronDow.
package model

import (
	"fmt"
	"time"
)

// TimeOfDay is a wall-clock time with second precision, independent of date
// and timezone. Its text form is "HH:MM:SS".
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var t TimeOfDay
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hour, &t.Minute, &t.Second); err != nil {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 || t.Second < 0 || t.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("time of day %q out of range", s)
	}
	return t, nil
}

// MustTimeOfDay is a fixture helper; it panics on malformed input.
func MustTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// DaySeconds returns the offset from midnight in seconds.
func (t TimeOfDay) DaySeconds() int {
	return t.Hour*3600 + t.Minute*60 + t.Second
}

func (t TimeOfDay) Before(o TimeOfDay) bool { return t.DaySeconds() < o.DaySeconds() }
func (t TimeOfDay) After(o TimeOfDay) bool  { return t.DaySeconds() > o.DaySeconds() }

// On combines the time of day with a calendar date in the given location.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, t.Second, 0, loc)
}

// TimeOfDayFrom extracts the wall-clock part of an instant.
func TimeOfDayFrom(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second()}
}

// WeekdayOf maps an instant to the module's Monday-based weekday index.
func WeekdayOf(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// CronDow maps a Monday-based weekday index to cron's Sunday=0 numbering.
func CronDow(weekday int) int {
	return (weekday + 1) % 7
}

// DateKey renders the date part of an instant as "YYYY-MM-DD".
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// Midnight truncates an instant to the start of its calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Sound is a stored audio asset an Event may reference.
type Sound struct {
	ID          int64
	Name        string
	FilePath    string
	Kind        string // bell, music, announcement, tts
	Description string
}

// Event is one timed bell or announcement inside a weekday bucket.
// Description is mandatory; SoundID and TTSText are each optional, and at
// most one of them is expected to be meaningful at fire time. Both absent
// means a silent no-op fire.
type Event struct {
	ID          int64
	BucketID    int64
	Time        TimeOfDay
	Description string
	SoundID     int64 // 0 = none
	SoundPath   string
	TTSText     string
	RepeatTag   string
	IsActive    bool
}

// WeekdayBucket holds the event list for one weekday of a calendar.
type WeekdayBucket struct {
	ID       int64
	OwnerID  int64
	Weekday  int // 0=Monday .. 6=Sunday
	IsActive bool
	Events   []Event
}

// WeeklyCalendar is a recurring, weekday-indexed timetable.
type WeeklyCalendar struct {
	ID          int64
	Name        string
	Description string
	IsDefault   bool
	IsActive    bool
	IsMuted     bool
	Buckets     []WeekdayBucket
}

// Bucket returns the bucket for the given weekday, or nil.
func (c *WeeklyCalendar) Bucket(weekday int) *WeekdayBucket {
	return bucketFor(c.Buckets, weekday)
}

// OverrideCalendar is an alternate timetable bound to explicit dates.
// CalendarID names the weekly calendar it was authored against; that
// calendar's active/mute state gates trigger materialization.
type OverrideCalendar struct {
	ID         int64
	Name       string
	CalendarID int64
	IsActive   bool
	Buckets    []WeekdayBucket
	Dates      []time.Time // midnight, engine timezone
}

func (o *OverrideCalendar) Bucket(weekday int) *WeekdayBucket {
	return bucketFor(o.Buckets, weekday)
}

func bucketFor(buckets []WeekdayBucket, weekday int) *WeekdayBucket {
	for i := range buckets {
		if buckets[i].Weekday == weekday {
			return &buckets[i]
		}
	}
	return nil
}

// Origin tags which calendar kind produced a resolved event.
type Origin string

const (
	OriginWeekly   Origin = "weekly"
	OriginOverride Origin = "override"
)

// ResolvedEvent is the uniform shape produced by the schedule resolver for
// both override-day and regular-day events.
type ResolvedEvent struct {
	EventID     int64
	Time        TimeOfDay
	Description string
	SoundID     int64
	SoundPath   string
	TTSText     string
	RepeatTag   string
	CalendarID  int64 // owning weekly calendar (governing one for overrides)
	OverrideID  int64 // 0 for weekly origin
	Origin      Origin
}

// Upcoming is the lookahead query result.
type Upcoming struct {
	Event        ResolvedEvent
	Date         time.Time // midnight of the day the event occurs on
	DaysFromNow  int
	MinutesUntil int
}
