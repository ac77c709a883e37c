// Package schedule answers "what plays on date D" and "what plays next".
//
// Resolution order for a date: an active override bound to the date wins
// outright, even when its weekday bucket is empty; otherwise the default
// weekly calendar supplies the day, unless it is inactive or muted.
package schedule

import (
	"context"
	"sort"
	"time"

	"belltower/internal/model"
	"belltower/internal/storage"
)

const DefaultLookaheadDays = 7

type Resolver struct {
	Store storage.Store
	// LookaheadDays bounds NextEvent's search horizon. Zero means
	// DefaultLookaheadDays.
	LookaheadDays int
	// Location is the engine timezone; nil means time.Local.
	Location *time.Location
}

func NewResolver(st storage.Store) *Resolver {
	return &Resolver{Store: st, LookaheadDays: DefaultLookaheadDays}
}

func (r *Resolver) loc() *time.Location {
	if r.Location != nil {
		return r.Location
	}
	return time.Local
}

func (r *Resolver) horizon() int {
	if r.LookaheadDays > 0 {
		return r.LookaheadDays
	}
	return DefaultLookaheadDays
}

// Resolve returns the events scheduled for the calendar day containing
// date, sorted by time of day. Inactive events and inactive buckets never
// appear. The result is empty for a muted or missing default calendar and
// for an override day whose bucket is empty.
func (r *Resolver) Resolve(ctx context.Context, date time.Time) ([]model.ResolvedEvent, error) {
	weekday := model.WeekdayOf(date)

	ov, err := r.Store.OverrideForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	if ov != nil && ov.IsActive {
		// The override claims the whole day; an empty bucket means a
		// deliberately silent day, not a fallback.
		return resolveBucket(ov.Bucket(weekday), ov.CalendarID, ov.ID, model.OriginOverride), nil
	}

	def, err := r.Store.DefaultCalendar(ctx)
	if err != nil {
		return nil, err
	}
	if def == nil || !def.IsActive || def.IsMuted {
		return nil, nil
	}
	return resolveBucket(def.Bucket(weekday), def.ID, 0, model.OriginWeekly), nil
}

func resolveBucket(b *model.WeekdayBucket, calendarID, overrideID int64, origin model.Origin) []model.ResolvedEvent {
	if b == nil || !b.IsActive {
		return nil
	}
	out := make([]model.ResolvedEvent, 0, len(b.Events))
	for _, e := range b.Events {
		if !e.IsActive {
			continue
		}
		out = append(out, model.ResolvedEvent{
			EventID:     e.ID,
			Time:        e.Time,
			Description: e.Description,
			SoundID:     e.SoundID,
			SoundPath:   e.SoundPath,
			TTSText:     e.TTSText,
			RepeatTag:   e.RepeatTag,
			CalendarID:  calendarID,
			OverrideID:  overrideID,
			Origin:      origin,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// NextEvent scans up to LookaheadDays calendar days starting at now's day
// and returns the first event strictly after now, or nil when the horizon
// holds nothing. The answer ignores the global mute overlay: muting
// silences output, it does not reshape the schedule.
func (r *Resolver) NextEvent(ctx context.Context, now time.Time) (*model.Upcoming, error) {
	loc := r.loc()
	now = now.In(loc)

	for offset := 0; offset < r.horizon(); offset++ {
		day := model.Midnight(now).AddDate(0, 0, offset)
		events, err := r.Resolve(ctx, day)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			at := ev.Time.On(day, loc)
			if !at.After(now) {
				continue
			}
			return &model.Upcoming{
				Event:        ev,
				Date:         day,
				DaysFromNow:  offset,
				MinutesUntil: int(at.Sub(now) / time.Minute),
			}, nil
		}
	}
	return nil, nil
}

// Lookahead resolves every day in the horizon starting at from's day.
// Each entry is the day's resolved schedule, index 0 being from's day.
func (r *Resolver) Lookahead(ctx context.Context, from time.Time) ([]Day, error) {
	loc := r.loc()
	start := model.Midnight(from.In(loc))

	out := make([]Day, 0, r.horizon())
	for offset := 0; offset < r.horizon(); offset++ {
		day := start.AddDate(0, 0, offset)
		events, err := r.Resolve(ctx, day)
		if err != nil {
			return nil, err
		}
		out = append(out, Day{Date: day, Events: events})
	}
	return out, nil
}

// Day is one resolved calendar day.
type Day struct {
	Date   time.Time
	Events []model.ResolvedEvent
}
