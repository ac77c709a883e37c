package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"belltower/internal/model"
)

type triggerKind string

const (
	kindWeekly  triggerKind = "weekly"
	kindOneShot triggerKind = "oneshot"
)

// cronParser accepts the six-field form with a seconds column, matching
// the per-event specs built below.
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// trigger is one armed entry of the trigger table. Weekly triggers re-arm
// through their cron schedule after each fire; one-shots are dropped.
type trigger struct {
	key        string
	kind       triggerKind
	eventID    int64
	calendarID int64
	overrideID int64 // one-shots only
	weekday    int
	at         model.TimeOfDay
	date       time.Time // one-shots only, midnight

	sched  cron.Schedule // weekly only
	fireAt time.Time
}

func weeklyKey(calendarID, eventID int64) string {
	return fmt.Sprintf("w:%d:%d", calendarID, eventID)
}

func oneShotKey(overrideID, eventID int64, date time.Time) string {
	return fmt.Sprintf("o:%d:%d:%s", overrideID, eventID, model.DateKey(date))
}

// weeklySpec renders the cron line for an event recurring on one weekday.
func weeklySpec(at model.TimeOfDay, weekday int) string {
	return fmt.Sprintf("%d %d %d * * %d", at.Second, at.Minute, at.Hour, model.CronDow(weekday))
}

// buildTable materializes the trigger table from the store: weekly
// triggers from every active, non-muted weekly calendar and one-shots
// from overrides with dates inside the materialization horizon. Keys are
// deterministic, so rebuilding unchanged data yields an identical table.
// Global mute yields an empty table; the data underneath is untouched.
func (e *Engine) buildTable(ctx context.Context, now time.Time) (map[string]*trigger, error) {
	table := make(map[string]*trigger)
	if e.muted.Load() {
		return table, nil
	}

	cals, err := e.store.ActiveWeeklyCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("load weekly calendars: %w", err)
	}
	weeklies := map[int64]*model.WeeklyCalendar{}
	for i := range cals {
		cal := &cals[i]
		weeklies[cal.ID] = cal
		if cal.IsMuted {
			continue
		}
		for _, b := range cal.Buckets {
			if !b.IsActive {
				continue
			}
			for _, ev := range b.Events {
				if !ev.IsActive {
					continue
				}
				sched, err := cronParser.Parse(weeklySpec(ev.Time, b.Weekday))
				if err != nil {
					return nil, fmt.Errorf("event %d: %w", ev.ID, err)
				}
				t := &trigger{
					key:        weeklyKey(cal.ID, ev.ID),
					kind:       kindWeekly,
					eventID:    ev.ID,
					calendarID: cal.ID,
					weekday:    b.Weekday,
					at:         ev.Time,
					sched:      sched,
					fireAt:     sched.Next(now),
				}
				table[t.key] = t
			}
		}
	}

	horizonEnd := model.Midnight(now).AddDate(0, 0, e.cfg.MaterializeDays)
	overrides, err := e.store.OverrideCalendars(ctx, model.Midnight(now), horizonEnd)
	if err != nil {
		return nil, fmt.Errorf("load overrides: %w", err)
	}
	governing := func(id int64) (*model.WeeklyCalendar, error) {
		if c, ok := weeklies[id]; ok {
			return c, nil
		}
		c, err := e.store.WeeklyCalendarByID(ctx, id)
		if err != nil {
			return nil, err
		}
		weeklies[id] = c
		return c, nil
	}

	for i := range overrides {
		ov := &overrides[i]
		if !ov.IsActive {
			continue
		}
		gov, err := governing(ov.CalendarID)
		if err != nil {
			return nil, fmt.Errorf("override %d: %w", ov.ID, err)
		}
		if gov == nil || !gov.IsActive || gov.IsMuted {
			continue
		}
		for _, date := range ov.Dates {
			b := ov.Bucket(model.WeekdayOf(date))
			if b == nil || !b.IsActive {
				continue
			}
			for _, ev := range b.Events {
				if !ev.IsActive {
					continue
				}
				fireAt := ev.Time.On(date, e.loc())
				if !fireAt.After(now) {
					continue
				}
				t := &trigger{
					key:        oneShotKey(ov.ID, ev.ID, date),
					kind:       kindOneShot,
					eventID:    ev.ID,
					calendarID: ov.CalendarID,
					overrideID: ov.ID,
					weekday:    model.WeekdayOf(date),
					at:         ev.Time,
					date:       model.Midnight(date),
					fireAt:     fireAt,
				}
				table[t.key] = t
			}
		}
	}
	return table, nil
}
