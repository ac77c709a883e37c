package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"belltower/internal/eventbus"
	"belltower/internal/model"
)

// memStore keeps everything in process memory. It backs tests and
// ephemeral deployments and follows the same change-notification
// contract as the SQLite store.
type memStore struct {
	mu  sync.RWMutex
	bus eventbus.Bus

	nextID    int64
	sounds    map[int64]*model.Sound
	calendars map[int64]*model.WeeklyCalendar
	overrides map[int64]*model.OverrideCalendar
	buckets   map[int64]*model.WeekdayBucket
	bucketOf  map[int64]ownerRef          // bucket id -> owner
	events    map[int64]*model.Event
	dates     map[string]int64            // "YYYY-MM-DD" -> override id
	settings  map[string]string
}

type ownerRef struct {
	kind OwnerKind
	id   int64
}

// NewMemory returns an empty in-memory Store.
func NewMemory(bus eventbus.Bus) Store {
	return &memStore{
		bus:       bus,
		nextID:    1,
		sounds:    make(map[int64]*model.Sound),
		calendars: make(map[int64]*model.WeeklyCalendar),
		overrides: make(map[int64]*model.OverrideCalendar),
		buckets:   make(map[int64]*model.WeekdayBucket),
		bucketOf:  make(map[int64]ownerRef),
		events:    make(map[int64]*model.Event),
		dates:     make(map[string]int64),
		settings:  make(map[string]string),
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) notify() {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreChanged})
	}
}

func (m *memStore) id() int64 {
	v := m.nextID
	m.nextID++
	return v
}

// ---- Queries ----

func (m *memStore) ActiveWeeklyCalendars(ctx context.Context) ([]model.WeeklyCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.WeeklyCalendar
	for _, c := range m.calendars {
		if !c.IsActive {
			continue
		}
		out = append(out, m.snapshotCalendar(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) DefaultCalendar(ctx context.Context) (*model.WeeklyCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.calendars {
		if c.IsDefault {
			cp := m.snapshotCalendar(c)
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) WeeklyCalendarByID(ctx context.Context, id int64) (*model.WeeklyCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calendars[id]
	if !ok {
		return nil, nil
	}
	cp := m.snapshotCalendar(c)
	return &cp, nil
}

func (m *memStore) snapshotCalendar(c *model.WeeklyCalendar) model.WeeklyCalendar {
	cp := *c
	cp.Buckets = m.snapshotBuckets(OwnerWeekly, c.ID)
	return cp
}

func (m *memStore) snapshotBuckets(kind OwnerKind, ownerID int64) []model.WeekdayBucket {
	var out []model.WeekdayBucket
	for id, b := range m.buckets {
		ref := m.bucketOf[id]
		if ref.kind != kind || ref.id != ownerID {
			continue
		}
		bp := *b
		bp.Events = m.snapshotEvents(b.ID)
		out = append(out, bp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Weekday < out[j].Weekday })
	return out
}

func (m *memStore) snapshotEvents(bucketID int64) []model.Event {
	var out []model.Event
	for _, e := range m.events {
		if e.BucketID != bucketID {
			continue
		}
		ep := *e
		if ep.SoundID != 0 {
			if snd, ok := m.sounds[ep.SoundID]; ok {
				ep.SoundPath = snd.FilePath
			}
		}
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time != out[j].Time {
			return out[i].Time.Before(out[j].Time)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *memStore) OverrideCalendars(ctx context.Context, from, to time.Time) ([]model.OverrideCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ranged := !from.IsZero() || !to.IsZero()
	var out []model.OverrideCalendar
	for _, o := range m.overrides {
		op := *o
		op.Dates = m.datesOf(o.ID, from, to)
		if ranged && len(op.Dates) == 0 {
			continue
		}
		op.Buckets = m.snapshotBuckets(OwnerOverride, o.ID)
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) datesOf(overrideID int64, from, to time.Time) []time.Time {
	var out []time.Time
	for key, id := range m.dates {
		if id != overrideID {
			continue
		}
		d, err := time.ParseInLocation("2006-01-02", key, time.Local)
		if err != nil {
			continue
		}
		if !from.IsZero() && d.Before(from) {
			continue
		}
		if !to.IsZero() && d.After(to) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

func (m *memStore) OverrideByID(ctx context.Context, id int64) (*model.OverrideCalendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overrides[id]
	if !ok {
		return nil, nil
	}
	op := *o
	op.Dates = m.datesOf(id, time.Time{}, time.Time{})
	op.Buckets = m.snapshotBuckets(OwnerOverride, id)
	return &op, nil
}

func (m *memStore) OverrideForDate(ctx context.Context, date time.Time) (*model.OverrideCalendar, error) {
	m.mu.RLock()
	id, ok := m.dates[model.DateKey(date)]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return m.OverrideByID(ctx, id)
}

func (m *memStore) EventByID(ctx context.Context, id int64) (*model.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	ep := *e
	if ep.SoundID != 0 {
		if snd, ok := m.sounds[ep.SoundID]; ok {
			ep.SoundPath = snd.FilePath
		}
	}
	return &ep, nil
}

// ---- Mutations ----

func (m *memStore) CreateSound(ctx context.Context, snd *model.Sound) error {
	if strings.TrimSpace(snd.Name) == "" {
		return errors.New("sound name is required")
	}
	m.mu.Lock()
	snd.ID = m.id()
	if snd.Kind == "" {
		snd.Kind = "bell"
	}
	cp := *snd
	m.sounds[snd.ID] = &cp
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) CreateCalendar(ctx context.Context, c *model.WeeklyCalendar) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("calendar name is required")
	}
	m.mu.Lock()
	c.ID = m.id()
	if c.IsDefault {
		for _, other := range m.calendars {
			other.IsDefault = false
		}
	}
	cp := *c
	cp.Buckets = nil
	m.calendars[c.ID] = &cp
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) SetCalendarActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	c, ok := m.calendars[id]
	if ok {
		c.IsActive = active
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("calendars %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) SetCalendarMute(ctx context.Context, id int64, muted bool) error {
	m.mu.Lock()
	c, ok := m.calendars[id]
	if ok {
		c.IsMuted = muted
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("calendars %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) SetDefaultCalendar(ctx context.Context, id int64) error {
	m.mu.Lock()
	c, ok := m.calendars[id]
	if ok {
		for _, other := range m.calendars {
			other.IsDefault = false
		}
		c.IsDefault = true
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("calendars %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) DeleteCalendar(ctx context.Context, id int64) error {
	m.mu.Lock()
	delete(m.calendars, id)
	m.dropBucketsLocked(OwnerWeekly, id)
	for oid, o := range m.overrides {
		if o.CalendarID == id {
			m.deleteOverrideLocked(oid)
		}
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) dropBucketsLocked(kind OwnerKind, ownerID int64) {
	for bid := range m.buckets {
		ref := m.bucketOf[bid]
		if ref.kind != kind || ref.id != ownerID {
			continue
		}
		for eid, e := range m.events {
			if e.BucketID == bid {
				delete(m.events, eid)
			}
		}
		delete(m.buckets, bid)
		delete(m.bucketOf, bid)
	}
}

func (m *memStore) EnsureBucket(ctx context.Context, kind OwnerKind, ownerID int64, weekday int) (*model.WeekdayBucket, error) {
	if weekday < 0 || weekday > 6 {
		return nil, fmt.Errorf("weekday %d out of range", weekday)
	}
	m.mu.Lock()
	defer func() { m.mu.Unlock(); m.notify() }()
	for bid, b := range m.buckets {
		ref := m.bucketOf[bid]
		if ref.kind == kind && ref.id == ownerID && b.Weekday == weekday {
			bp := *b
			return &bp, nil
		}
	}
	b := &model.WeekdayBucket{ID: m.id(), OwnerID: ownerID, Weekday: weekday, IsActive: true}
	m.buckets[b.ID] = b
	m.bucketOf[b.ID] = ownerRef{kind: kind, id: ownerID}
	bp := *b
	return &bp, nil
}

func (m *memStore) SetBucketActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	b, ok := m.buckets[id]
	if ok {
		b.IsActive = active
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("buckets %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) CreateEvent(ctx context.Context, e *model.Event) error {
	if strings.TrimSpace(e.Description) == "" {
		return errors.New("event description is required")
	}
	m.mu.Lock()
	if _, ok := m.buckets[e.BucketID]; !ok {
		m.mu.Unlock()
		return fmt.Errorf("buckets %d: %w", e.BucketID, ErrNotFound)
	}
	e.ID = m.id()
	cp := *e
	m.events[e.ID] = &cp
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	if strings.TrimSpace(e.Description) == "" {
		return errors.New("event description is required")
	}
	m.mu.Lock()
	old, ok := m.events[e.ID]
	if ok {
		cp := *e
		cp.BucketID = old.BucketID
		m.events[e.ID] = &cp
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("events %d: %w", e.ID, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) DeleteEvent(ctx context.Context, id int64) error {
	m.mu.Lock()
	_, ok := m.events[id]
	delete(m.events, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("events %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) CreateOverride(ctx context.Context, o *model.OverrideCalendar) error {
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("override name is required")
	}
	m.mu.Lock()
	o.ID = m.id()
	cp := *o
	cp.Buckets = nil
	cp.Dates = nil
	m.overrides[o.ID] = &cp
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) SetOverrideActive(ctx context.Context, id int64, active bool) error {
	m.mu.Lock()
	o, ok := m.overrides[id]
	if ok {
		o.IsActive = active
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("overrides %d: %w", id, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) DeleteOverride(ctx context.Context, id int64) error {
	m.mu.Lock()
	m.deleteOverrideLocked(id)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) deleteOverrideLocked(id int64) {
	delete(m.overrides, id)
	m.dropBucketsLocked(OwnerOverride, id)
	for key, oid := range m.dates {
		if oid == id {
			delete(m.dates, key)
		}
	}
}

func (m *memStore) BindDate(ctx context.Context, overrideID int64, date time.Time) error {
	m.mu.Lock()
	_, ok := m.overrides[overrideID]
	if ok {
		m.dates[model.DateKey(date)] = overrideID
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("overrides %d: %w", overrideID, ErrNotFound)
	}
	m.notify()
	return nil
}

func (m *memStore) UnbindDate(ctx context.Context, date time.Time) error {
	m.mu.Lock()
	delete(m.dates, model.DateKey(date))
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *memStore) ReplaceRepeatingSound(ctx context.Context, calendarID int64, repeatTag string, oldSoundID, newSoundID int64) (int, error) {
	if strings.TrimSpace(repeatTag) == "" {
		return 0, errors.New("repeat tag is required")
	}
	m.mu.Lock()
	n := 0
	for _, e := range m.events {
		ref := m.bucketOf[e.BucketID]
		if ref.kind != OwnerWeekly || ref.id != calendarID {
			continue
		}
		if e.RepeatTag != repeatTag || e.SoundID != oldSoundID {
			continue
		}
		e.SoundID = newSoundID
		e.SoundPath = ""
		n++
	}
	m.mu.Unlock()
	if n > 0 {
		m.notify()
	}
	return n, nil
}

func (m *memStore) GetSetting(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings[key], nil
}

func (m *memStore) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	m.settings[key] = value
	m.mu.Unlock()
	return nil
}
