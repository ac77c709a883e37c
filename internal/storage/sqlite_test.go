package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"belltower/internal/model"
	logx "belltower/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, nil, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.ParseInLocation("2006-01-02", s, time.Local)
	require.NoError(t, err)
	return d
}

func TestCalendarLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsDefault: true, IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	require.NotZero(t, cal.ID)

	got, err := st.DefaultCalendar(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, cal.ID, got.ID)
	assert.Equal(t, "Regular", got.Name)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsMuted)

	require.NoError(t, st.SetCalendarMute(ctx, cal.ID, true))
	got, err = st.WeeklyCalendarByID(ctx, cal.ID)
	require.NoError(t, err)
	assert.True(t, got.IsMuted)

	require.NoError(t, st.SetCalendarActive(ctx, cal.ID, false))
	active, err := st.ActiveWeeklyCalendars(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDefaultFlagIsExclusive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	a := &model.WeeklyCalendar{Name: "A", IsDefault: true, IsActive: true}
	b := &model.WeeklyCalendar{Name: "B", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, a))
	require.NoError(t, st.CreateCalendar(ctx, b))

	require.NoError(t, st.SetDefaultCalendar(ctx, b.ID))

	def, err := st.DefaultCalendar(ctx)
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, b.ID, def.ID)

	old, err := st.WeeklyCalendarByID(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, old.IsDefault)
}

func TestEventRoundtrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))

	snd := &model.Sound{Name: "short bell", FilePath: "/srv/audio/bell.mp3"}
	require.NoError(t, st.CreateSound(ctx, snd))

	bucket, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, 0)
	require.NoError(t, err)

	ev := &model.Event{
		BucketID:    bucket.ID,
		Time:        model.MustTimeOfDay("08:30:00"),
		Description: "First period",
		SoundID:     snd.ID,
		RepeatTag:   "period-start",
		IsActive:    true,
	}
	require.NoError(t, st.CreateEvent(ctx, ev))

	got, err := st.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "First period", got.Description)
	assert.Equal(t, "08:30:00", got.Time.String())
	assert.Equal(t, "/srv/audio/bell.mp3", got.SoundPath)
	assert.Equal(t, "period-start", got.RepeatTag)

	got.Description = "Homeroom"
	got.Time = model.MustTimeOfDay("08:25:00")
	require.NoError(t, st.UpdateEvent(ctx, got))

	got, err = st.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Homeroom", got.Description)
	assert.Equal(t, "08:25:00", got.Time.String())

	require.NoError(t, st.DeleteEvent(ctx, ev.ID))
	got, err = st.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	err = st.DeleteEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsSortedWithinBucket(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	bucket, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, 2)
	require.NoError(t, err)

	for _, at := range []string{"12:00:00", "08:15:00", "10:30:00"} {
		require.NoError(t, st.CreateEvent(ctx, &model.Event{
			BucketID: bucket.ID, Time: model.MustTimeOfDay(at),
			Description: at, IsActive: true,
		}))
	}

	got, err := st.WeeklyCalendarByID(ctx, cal.ID)
	require.NoError(t, err)
	require.Len(t, got.Buckets, 1)
	events := got.Buckets[0].Events
	require.Len(t, events, 3)
	assert.Equal(t, "08:15:00", events[0].Time.String())
	assert.Equal(t, "10:30:00", events[1].Time.String())
	assert.Equal(t, "12:00:00", events[2].Time.String())
}

func TestBindDateLastWriteWins(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))

	exam := &model.OverrideCalendar{Name: "Exam week", CalendarID: cal.ID, IsActive: true}
	assembly := &model.OverrideCalendar{Name: "Assembly", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, exam))
	require.NoError(t, st.CreateOverride(ctx, assembly))

	day := mustDate(t, "2026-09-14")
	require.NoError(t, st.BindDate(ctx, exam.ID, day))
	require.NoError(t, st.BindDate(ctx, assembly.ID, day))

	got, err := st.OverrideForDate(ctx, day)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, assembly.ID, got.ID)

	require.NoError(t, st.UnbindDate(ctx, day))
	got, err = st.OverrideForDate(ctx, day)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOverrideCalendarsRangeFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))

	o := &model.OverrideCalendar{Name: "Exam week", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, o))
	require.NoError(t, st.BindDate(ctx, o.ID, mustDate(t, "2026-09-01")))
	require.NoError(t, st.BindDate(ctx, o.ID, mustDate(t, "2026-10-01")))

	far := &model.OverrideCalendar{Name: "Sports day", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, far))
	require.NoError(t, st.BindDate(ctx, far.ID, mustDate(t, "2027-01-05")))

	out, err := st.OverrideCalendars(ctx, mustDate(t, "2026-08-25"), mustDate(t, "2026-09-10"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, o.ID, out[0].ID)
	require.Len(t, out[0].Dates, 1)
	assert.Equal(t, "2026-09-01", model.DateKey(out[0].Dates[0]))

	// Zero range returns everything with all dates.
	out, err = st.OverrideCalendars(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, out, 2)
}

func TestReplaceRepeatingSound(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))

	oldSnd := &model.Sound{Name: "old chime", FilePath: "/srv/audio/old.mp3"}
	newSnd := &model.Sound{Name: "new chime", FilePath: "/srv/audio/new.mp3"}
	otherSnd := &model.Sound{Name: "other", FilePath: "/srv/audio/other.mp3"}
	require.NoError(t, st.CreateSound(ctx, oldSnd))
	require.NoError(t, st.CreateSound(ctx, newSnd))
	require.NoError(t, st.CreateSound(ctx, otherSnd))

	var tagged []int64
	for wd := 0; wd < 3; wd++ {
		b, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, wd)
		require.NoError(t, err)
		ev := &model.Event{
			BucketID: b.ID, Time: model.MustTimeOfDay("09:00:00"),
			Description: "Period start", SoundID: oldSnd.ID,
			RepeatTag: "period-start", IsActive: true,
		}
		require.NoError(t, st.CreateEvent(ctx, ev))
		tagged = append(tagged, ev.ID)
	}
	// Same tag, different sound: must not be touched.
	b, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, 3)
	require.NoError(t, err)
	untouched := &model.Event{
		BucketID: b.ID, Time: model.MustTimeOfDay("09:00:00"),
		Description: "Period start", SoundID: otherSnd.ID,
		RepeatTag: "period-start", IsActive: true,
	}
	require.NoError(t, st.CreateEvent(ctx, untouched))

	n, err := st.ReplaceRepeatingSound(ctx, cal.ID, "period-start", oldSnd.ID, newSnd.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range tagged {
		ev, err := st.EventByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, newSnd.ID, ev.SoundID)
		assert.Equal(t, "/srv/audio/new.mp3", ev.SoundPath)
	}
	ev, err := st.EventByID(ctx, untouched.ID)
	require.NoError(t, err)
	assert.Equal(t, otherSnd.ID, ev.SoundID)
}

func TestSettings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	v, err := st.GetSetting(ctx, "timesync.last")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, st.SetSetting(ctx, "timesync.last", `{"server":"pool.ntp.org"}`))
	require.NoError(t, st.SetSetting(ctx, "timesync.last", `{"server":"time.google.com"}`))

	v, err = st.GetSetting(ctx, "timesync.last")
	require.NoError(t, err)
	assert.Equal(t, `{"server":"time.google.com"}`, v)
}

func TestDeleteCalendarCascades(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	b, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, 0)
	require.NoError(t, err)
	ev := &model.Event{BucketID: b.ID, Time: model.MustTimeOfDay("08:00:00"), Description: "Bell", IsActive: true}
	require.NoError(t, st.CreateEvent(ctx, ev))

	o := &model.OverrideCalendar{Name: "Exam", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, o))
	require.NoError(t, st.BindDate(ctx, o.ID, mustDate(t, "2026-09-14")))

	require.NoError(t, st.DeleteCalendar(ctx, cal.ID))

	gone, err := st.WeeklyCalendarByID(ctx, cal.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
	gotEv, err := st.EventByID(ctx, ev.ID)
	require.NoError(t, err)
	assert.Nil(t, gotEv)
	gotO, err := st.OverrideByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Nil(t, gotO)
}

func TestMemoryStoreMatchesContract(t *testing.T) {
	st := NewMemory(nil)
	ctx := context.Background()

	cal := &model.WeeklyCalendar{Name: "Regular", IsDefault: true, IsActive: true}
	require.NoError(t, st.CreateCalendar(ctx, cal))
	b, err := st.EnsureBucket(ctx, OwnerWeekly, cal.ID, 4)
	require.NoError(t, err)

	snd := &model.Sound{Name: "bell", FilePath: "/a/bell.wav"}
	require.NoError(t, st.CreateSound(ctx, snd))
	ev := &model.Event{
		BucketID: b.ID, Time: model.MustTimeOfDay("13:45:00"),
		Description: "Lunch end", SoundID: snd.ID, IsActive: true,
	}
	require.NoError(t, st.CreateEvent(ctx, ev))

	def, err := st.DefaultCalendar(ctx)
	require.NoError(t, err)
	require.NotNil(t, def)
	require.Len(t, def.Buckets, 1)
	require.Len(t, def.Buckets[0].Events, 1)
	assert.Equal(t, "/a/bell.wav", def.Buckets[0].Events[0].SoundPath)

	day := mustDate(t, "2026-09-14")
	o := &model.OverrideCalendar{Name: "Exam", CalendarID: cal.ID, IsActive: true}
	require.NoError(t, st.CreateOverride(ctx, o))
	require.NoError(t, st.BindDate(ctx, o.ID, day))
	got, err := st.OverrideForDate(ctx, day)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ID, got.ID)
}
