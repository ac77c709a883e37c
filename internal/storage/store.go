package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"belltower/internal/model"
	"belltower/internal/eventbus"
	logx "belltower/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")
)

// Config configures the calendar store.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": process-local store (tests, ephemeral deployments)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// OwnerKind selects which calendar kind a weekday bucket belongs to.
type OwnerKind string

const (
	OwnerWeekly   OwnerKind = "weekly"
	OwnerOverride OwnerKind = "override"
)

// Store is the calendar query and mutation surface consumed by the
// scheduling engine. It is the single source of truth: the engine never
// trusts materialized triggers after a change notification.
//
// Every committed mutation publishes eventbus.TypeStoreChanged so the
// dispatch engine rebuilds its trigger table.
type Store interface {
	// Queries.
	ActiveWeeklyCalendars(ctx context.Context) ([]model.WeeklyCalendar, error)
	DefaultCalendar(ctx context.Context) (*model.WeeklyCalendar, error)
	WeeklyCalendarByID(ctx context.Context, id int64) (*model.WeeklyCalendar, error)
	// OverrideCalendars returns overrides with their bound dates. A non-zero
	// from/to restricts output to overrides carrying at least one date in
	// [from, to], with dates filtered to that range.
	OverrideCalendars(ctx context.Context, from, to time.Time) ([]model.OverrideCalendar, error)
	OverrideByID(ctx context.Context, id int64) (*model.OverrideCalendar, error)
	// OverrideForDate returns the override bound to the date, or nil.
	OverrideForDate(ctx context.Context, date time.Time) (*model.OverrideCalendar, error)
	EventByID(ctx context.Context, id int64) (*model.Event, error)

	// Mutations.
	CreateSound(ctx context.Context, s *model.Sound) error
	CreateCalendar(ctx context.Context, c *model.WeeklyCalendar) error
	SetCalendarActive(ctx context.Context, id int64, active bool) error
	SetCalendarMute(ctx context.Context, id int64, muted bool) error
	// SetDefaultCalendar flags one calendar as default and clears the flag
	// on every other calendar.
	SetDefaultCalendar(ctx context.Context, id int64) error
	DeleteCalendar(ctx context.Context, id int64) error

	EnsureBucket(ctx context.Context, kind OwnerKind, ownerID int64, weekday int) (*model.WeekdayBucket, error)
	SetBucketActive(ctx context.Context, id int64, active bool) error

	CreateEvent(ctx context.Context, e *model.Event) error
	UpdateEvent(ctx context.Context, e *model.Event) error
	DeleteEvent(ctx context.Context, id int64) error

	CreateOverride(ctx context.Context, o *model.OverrideCalendar) error
	SetOverrideActive(ctx context.Context, id int64, active bool) error
	DeleteOverride(ctx context.Context, id int64) error
	// BindDate maps a date to an override; a date already bound elsewhere is
	// rebound (last write wins).
	BindDate(ctx context.Context, overrideID int64, date time.Time) error
	UnbindDate(ctx context.Context, date time.Time) error

	// ReplaceRepeatingSound rewrites the sound reference on every event of
	// the weekly calendar that shares the repeat tag and old sound. It
	// returns the number of events changed.
	ReplaceRepeatingSound(ctx context.Context, calendarID int64, repeatTag string, oldSoundID, newSoundID int64) (int, error)

	// Settings is a small KV area (time-sync results and similar).
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, bus eventbus.Bus, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, bus, log)
	case "memory":
		return NewMemory(bus), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
