package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"belltower/internal/model"
	"belltower/internal/storage"
)

// fixture builds a default weekly calendar with one bell per weekday at
// 09:00 plus a Monday 08:30 bell, and returns the store and calendar.
func fixture(t *testing.T) (storage.Store, *model.WeeklyCalendar) {
	t.Helper()
	st := storage.NewMemory(nil)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsDefault: true, IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))

	for wd := 0; wd < 7; wd++ {
		b, err := st.EnsureBucket(ctx, storage.OwnerWeekly, cal.ID, wd)
		require.NoError(t, err)
		require.NoError(t, st.CreateEvent(ctx, &model.Event{
			BucketID: b.ID, Time: model.MustTimeOfDay("09:00:00"),
			Description: "Morning bell", IsActive: true,
		}))
		if wd == 0 {
			require.NoError(t, st.CreateEvent(ctx, &model.Event{
				BucketID: b.ID, Time: model.MustTimeOfDay("08:30:00"),
				Description: "Early bell", IsActive: true,
			}))
		}
	}
	return st, cal
}

// monday is a known Monday used as the test anchor.
var monday = time.Date(2026, time.September, 14, 0, 0, 0, 0, time.Local)

func TestResolveDefaultDaySorted(t *testing.T) {
	st, cal := fixture(t)
	r := NewResolver(st)

	events, err := r.Resolve(context.Background(), monday)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Early bell", events[0].Description)
	assert.Equal(t, "Morning bell", events[1].Description)
	assert.Equal(t, model.OriginWeekly, events[0].Origin)
	assert.Equal(t, cal.ID, events[0].CalendarID)
	assert.Zero(t, events[0].OverrideID)
}

func TestResolveOverrideWins(t *testing.T) {
	st, cal := fixture(t)
	ctx := context.Background()

	ov := &model.OverrideCalendar{Name: "Exam", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, ov))
	b, err := st.EnsureBucket(ctx, storage.OwnerOverride, ov.ID, 0)
	require.NoError(t, err)
	require.NoError(t, st.CreateEvent(ctx, &model.Event{
		BucketID: b.ID, Time: model.MustTimeOfDay("10:00:00"),
		Description: "Exam start", IsActive: true,
	}))
	require.NoError(t, st.BindDate(ctx, ov.ID, monday))

	r := NewResolver(st)
	events, err := r.Resolve(ctx, monday)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Exam start", events[0].Description)
	assert.Equal(t, model.OriginOverride, events[0].Origin)
	assert.Equal(t, ov.ID, events[0].OverrideID)
	assert.Equal(t, cal.ID, events[0].CalendarID)

	// The next day is back on the weekly calendar.
	events, err = r.Resolve(ctx, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.OriginWeekly, events[0].Origin)
}

func TestResolveOverrideEmptyBucketSilencesDay(t *testing.T) {
	st, cal := fixture(t)
	ctx := context.Background()

	ov := &model.OverrideCalendar{Name: "Holiday", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, ov))
	require.NoError(t, st.BindDate(ctx, ov.ID, monday))

	r := NewResolver(st)
	events, err := r.Resolve(ctx, monday)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestResolveInactiveOverrideFallsBack(t *testing.T) {
	st, cal := fixture(t)
	ctx := context.Background()

	ov := &model.OverrideCalendar{Name: "Exam", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, ov))
	require.NoError(t, st.BindDate(ctx, ov.ID, monday))
	require.NoError(t, st.SetOverrideActive(ctx, ov.ID, false))

	r := NewResolver(st)
	events, err := r.Resolve(ctx, monday)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.OriginWeekly, events[0].Origin)
}

func TestResolveMutedDefaultIsEmpty(t *testing.T) {
	st, cal := fixture(t)
	ctx := context.Background()
	require.NoError(t, st.SetCalendarMute(ctx, cal.ID, true))

	r := NewResolver(st)
	events, err := r.Resolve(ctx, monday)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestResolveSkipsInactiveEvents(t *testing.T) {
	st, _ := fixture(t)
	ctx := context.Background()
	r := NewResolver(st)

	events, err := r.Resolve(ctx, monday)
	require.NoError(t, err)
	require.Len(t, events, 2)

	ev, err := st.EventByID(ctx, events[0].EventID)
	require.NoError(t, err)
	ev.IsActive = false
	require.NoError(t, st.UpdateEvent(ctx, ev))

	events, err = r.Resolve(ctx, monday)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Morning bell", events[0].Description)
}

func TestNextEventSameDay(t *testing.T) {
	st, _ := fixture(t)
	r := NewResolver(st)

	// Monday 08:30 bell, asked at 08:00: thirty minutes out, day zero.
	now := time.Date(2026, time.September, 14, 8, 0, 0, 0, time.Local)
	up, err := r.NextEvent(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, "Early bell", up.Event.Description)
	assert.Equal(t, 0, up.DaysFromNow)
	assert.Equal(t, 30, up.MinutesUntil)
}

func TestNextEventSkipsPastToday(t *testing.T) {
	st, _ := fixture(t)
	r := NewResolver(st)

	// After Monday's last bell the answer is Tuesday's 09:00.
	now := time.Date(2026, time.September, 14, 9, 0, 0, 0, time.Local)
	up, err := r.NextEvent(context.Background(), now)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, 1, up.DaysFromNow)
	assert.Equal(t, "Morning bell", up.Event.Description)
	assert.Equal(t, "2026-09-15", model.DateKey(up.Date))
}

func TestNextEventCrossesEmptyOverrideDay(t *testing.T) {
	st, cal := fixture(t)
	ctx := context.Background()

	// Tuesday is silenced by an empty override; the bell after Monday's
	// last one is therefore Wednesday's.
	ov := &model.OverrideCalendar{Name: "Holiday", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, ov))
	require.NoError(t, st.BindDate(ctx, ov.ID, monday.AddDate(0, 0, 1)))

	r := NewResolver(st)
	now := time.Date(2026, time.September, 14, 10, 0, 0, 0, time.Local)
	up, err := r.NextEvent(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, 2, up.DaysFromNow)
}

func TestNextEventEmptyHorizon(t *testing.T) {
	st := storage.NewMemory(nil)
	r := NewResolver(st)

	up, err := r.NextEvent(context.Background(), monday)
	require.NoError(t, err)
	assert.Nil(t, up)
}

func TestLookaheadCoversHorizon(t *testing.T) {
	st, _ := fixture(t)
	r := NewResolver(st)
	r.LookaheadDays = 3

	days, err := r.Lookahead(context.Background(), monday)
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.Equal(t, "2026-09-14", model.DateKey(days[0].Date))
	assert.Len(t, days[0].Events, 2)
	for _, d := range days[1:] {
		assert.Len(t, d.Events, 1)
	}
}

func TestNextEventStopsAtHorizon(t *testing.T) {
	st := storage.NewMemory(nil)
	ctx := context.Background()

	// Only bell is Monday 07:00. Asked on Monday 08:00 the next
	// occurrence is next Monday, day seven, past the seven-day window.
	cal := &model.WeeklyCalendar{Name: "Regular", IsDefault: true, IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	b, err := st.EnsureBucket(ctx, storage.OwnerWeekly, cal.ID, 0)
	require.NoError(t, err)
	require.NoError(t, st.CreateEvent(ctx, &model.Event{
		BucketID: b.ID, Time: model.MustTimeOfDay("07:00:00"),
		Description: "Morning bell", IsActive: true,
	}))

	r := NewResolver(st)
	now := time.Date(2026, time.September, 14, 8, 0, 0, 0, time.Local)
	up, err := r.NextEvent(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, up)

	// Same question at 06:00 finds it on day zero.
	up, err = r.NextEvent(ctx, now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, up)
	assert.Equal(t, 0, up.DaysFromNow)
	assert.Equal(t, 60, up.MinutesUntil)
}

func TestNextEventCountdownMonotone(t *testing.T) {
	st, _ := fixture(t)
	r := NewResolver(st)
	ctx := context.Background()

	// Asking later, before the same bell, never lengthens the countdown.
	base := time.Date(2026, time.September, 14, 8, 0, 0, 0, time.Local)
	prev, err := r.NextEvent(ctx, base)
	require.NoError(t, err)
	require.NotNil(t, prev)
	for _, step := range []time.Duration{5 * time.Minute, 12 * time.Minute, 25 * time.Minute} {
		up, err := r.NextEvent(ctx, base.Add(step))
		require.NoError(t, err)
		require.NotNil(t, up)
		assert.Equal(t, prev.Event.EventID, up.Event.EventID)
		assert.LessOrEqual(t, up.MinutesUntil, prev.MinutesUntil)
		prev = up
	}
}
