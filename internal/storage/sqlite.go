package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"belltower/internal/eventbus"
	"belltower/internal/model"
	logx "belltower/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	bus eventbus.Bus
	log logx.Logger
}

func openSQLite(cfg Config, bus eventbus.Bus, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, bus: bus, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// notify publishes a store-change signal after a committed mutation.
func (s *sqliteStore) notify() {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeStoreChanged})
	}
}

// ---- Queries ----

const calendarCols = `id, name, description, is_default, is_active, is_muted`

func (s *sqliteStore) scanCalendar(row interface{ Scan(...any) error }) (*model.WeeklyCalendar, error) {
	var c model.WeeklyCalendar
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.IsDefault, &c.IsActive, &c.IsMuted); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *sqliteStore) ActiveWeeklyCalendars(ctx context.Context) ([]model.WeeklyCalendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+calendarCols+` FROM calendars WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeeklyCalendar
	for rows.Next() {
		c, err := s.scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		buckets, err := s.loadBuckets(ctx, OwnerWeekly, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Buckets = buckets
	}
	return out, nil
}

func (s *sqliteStore) DefaultCalendar(ctx context.Context) (*model.WeeklyCalendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarCols+` FROM calendars WHERE is_default = 1 LIMIT 1`)
	c, err := s.scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Buckets, err = s.loadBuckets(ctx, OwnerWeekly, c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) WeeklyCalendarByID(ctx context.Context, id int64) (*model.WeeklyCalendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+calendarCols+` FROM calendars WHERE id = ?`, id)
	c, err := s.scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Buckets, err = s.loadBuckets(ctx, OwnerWeekly, c.ID)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *sqliteStore) loadBuckets(ctx context.Context, kind OwnerKind, ownerID int64) ([]model.WeekdayBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, weekday, is_active FROM buckets
		 WHERE owner_kind = ? AND owner_id = ? ORDER BY weekday`, string(kind), ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WeekdayBucket
	for rows.Next() {
		var b model.WeekdayBucket
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Weekday, &b.IsActive); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		events, err := s.loadEvents(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Events = events
	}
	return out, nil
}

const eventCols = `e.id, e.bucket_id, e.at, e.description,
	COALESCE(e.sound_id, 0), COALESCE(s.file_path, ''),
	COALESCE(e.tts_text, ''), COALESCE(e.repeat_tag, ''), e.is_active`

func scanEvent(row interface{ Scan(...any) error }) (*model.Event, error) {
	var (
		e  model.Event
		at string
	)
	if err := row.Scan(&e.ID, &e.BucketID, &at, &e.Description,
		&e.SoundID, &e.SoundPath, &e.TTSText, &e.RepeatTag, &e.IsActive); err != nil {
		return nil, err
	}
	tod, err := model.ParseTimeOfDay(at)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", e.ID, err)
	}
	e.Time = tod
	return &e, nil
}

func (s *sqliteStore) loadEvents(ctx context.Context, bucketID int64) ([]model.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventCols+` FROM events e
		 LEFT JOIN sounds s ON s.id = e.sound_id
		 WHERE e.bucket_id = ? ORDER BY e.at, e.id`, bucketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) EventByID(ctx context.Context, id int64) (*model.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM events e
		 LEFT JOIN sounds s ON s.id = e.sound_id
		 WHERE e.id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *sqliteStore) OverrideCalendars(ctx context.Context, from, to time.Time) ([]model.OverrideCalendar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, calendar_id, is_active FROM overrides ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []model.OverrideCalendar
	for rows.Next() {
		var o model.OverrideCalendar
		if err := rows.Scan(&o.ID, &o.Name, &o.CalendarID, &o.IsActive); err != nil {
			return nil, err
		}
		all = append(all, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ranged := !from.IsZero() || !to.IsZero()
	out := all[:0]
	for i := range all {
		o := all[i]
		dates, err := s.loadDates(ctx, o.ID, from, to)
		if err != nil {
			return nil, err
		}
		if ranged && len(dates) == 0 {
			continue
		}
		o.Dates = dates
		o.Buckets, err = s.loadBuckets(ctx, OwnerOverride, o.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *sqliteStore) loadDates(ctx context.Context, overrideID int64, from, to time.Time) ([]time.Time, error) {
	q := `SELECT date FROM override_dates WHERE override_id = ?`
	args := []any{overrideID}
	if !from.IsZero() {
		q += ` AND date >= ?`
		args = append(args, model.DateKey(from))
	}
	if !to.IsZero() {
		q += ` AND date <= ?`
		args = append(args, model.DateKey(to))
	}
	q += ` ORDER BY date`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ds string
		if err := rows.Scan(&ds); err != nil {
			return nil, err
		}
		d, err := time.ParseInLocation("2006-01-02", ds, time.Local)
		if err != nil {
			return nil, fmt.Errorf("override %d: bad date %q: %w", overrideID, ds, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) OverrideByID(ctx context.Context, id int64) (*model.OverrideCalendar, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, calendar_id, is_active FROM overrides WHERE id = ?`, id)
	var o model.OverrideCalendar
	err := row.Scan(&o.ID, &o.Name, &o.CalendarID, &o.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if o.Dates, err = s.loadDates(ctx, o.ID, time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if o.Buckets, err = s.loadBuckets(ctx, OwnerOverride, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *sqliteStore) OverrideForDate(ctx context.Context, date time.Time) (*model.OverrideCalendar, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT override_id FROM override_dates WHERE date = ?`, model.DateKey(date)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.OverrideByID(ctx, id)
}

// ---- Mutations ----

func (s *sqliteStore) CreateSound(ctx context.Context, snd *model.Sound) error {
	if strings.TrimSpace(snd.Name) == "" {
		return errors.New("sound name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sounds(name, file_path, kind, description) VALUES(?,?,?,?)`,
		snd.Name, snd.FilePath, defaultStr(snd.Kind, "bell"), snd.Description)
	if err != nil {
		return err
	}
	snd.ID, err = res.LastInsertId()
	if err == nil {
		s.notify()
	}
	return err
}

func (s *sqliteStore) CreateCalendar(ctx context.Context, c *model.WeeklyCalendar) error {
	if strings.TrimSpace(c.Name) == "" {
		return errors.New("calendar name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO calendars(name, description, is_default, is_active, is_muted)
		 VALUES(?,?,?,?,?)`,
		c.Name, c.Description, c.IsDefault, c.IsActive, c.IsMuted)
	if err != nil {
		return err
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	if c.IsDefault {
		// Default flag is exclusive.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE calendars SET is_default = 0 WHERE id != ?`, c.ID); err != nil {
			return err
		}
	}
	s.notify()
	return nil
}

func (s *sqliteStore) setFlag(ctx context.Context, table, col string, id int64, v bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE `+table+` SET `+col+` = ? WHERE id = ?`, v, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", table, id, ErrNotFound)
	}
	s.notify()
	return nil
}

func (s *sqliteStore) SetCalendarActive(ctx context.Context, id int64, active bool) error {
	return s.setFlag(ctx, "calendars", "is_active", id, active)
}

func (s *sqliteStore) SetCalendarMute(ctx context.Context, id int64, muted bool) error {
	return s.setFlag(ctx, "calendars", "is_muted", id, muted)
}

func (s *sqliteStore) SetDefaultCalendar(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE calendars SET is_default = 0`); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE calendars SET is_default = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("calendar %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) DeleteCalendar(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Bucket rows don't use SQL-level FKs to calendars (owner_kind is
	// polymorphic), so cascade by hand.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE bucket_id IN
		   (SELECT id FROM buckets WHERE owner_kind = 'weekly' AND owner_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM buckets WHERE owner_kind = 'weekly' AND owner_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE calendar_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calendars WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) EnsureBucket(ctx context.Context, kind OwnerKind, ownerID int64, weekday int) (*model.WeekdayBucket, error) {
	if weekday < 0 || weekday > 6 {
		return nil, fmt.Errorf("weekday %d out of range", weekday)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO buckets(owner_kind, owner_id, weekday) VALUES(?,?,?)
		 ON CONFLICT(owner_kind, owner_id, weekday) DO NOTHING`,
		string(kind), ownerID, weekday)
	if err != nil {
		return nil, err
	}
	var b model.WeekdayBucket
	err = s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, weekday, is_active FROM buckets
		 WHERE owner_kind = ? AND owner_id = ? AND weekday = ?`,
		string(kind), ownerID, weekday).
		Scan(&b.ID, &b.OwnerID, &b.Weekday, &b.IsActive)
	if err != nil {
		return nil, err
	}
	s.notify()
	return &b, nil
}

func (s *sqliteStore) SetBucketActive(ctx context.Context, id int64, active bool) error {
	return s.setFlag(ctx, "buckets", "is_active", id, active)
}

func (s *sqliteStore) CreateEvent(ctx context.Context, e *model.Event) error {
	if strings.TrimSpace(e.Description) == "" {
		return errors.New("event description is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events(bucket_id, at, description, sound_id, tts_text, repeat_tag, is_active)
		 VALUES(?,?,?,?,?,?,?)`,
		e.BucketID, e.Time.String(), e.Description,
		nullID(e.SoundID), nullStr(e.TTSText), nullStr(e.RepeatTag), e.IsActive)
	if err != nil {
		return err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) UpdateEvent(ctx context.Context, e *model.Event) error {
	if strings.TrimSpace(e.Description) == "" {
		return errors.New("event description is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET at = ?, description = ?, sound_id = ?, tts_text = ?,
		 repeat_tag = ?, is_active = ? WHERE id = ?`,
		e.Time.String(), e.Description, nullID(e.SoundID),
		nullStr(e.TTSText), nullStr(e.RepeatTag), e.IsActive, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", e.ID, ErrNotFound)
	}
	s.notify()
	return nil
}

func (s *sqliteStore) DeleteEvent(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	s.notify()
	return nil
}

func (s *sqliteStore) CreateOverride(ctx context.Context, o *model.OverrideCalendar) error {
	if strings.TrimSpace(o.Name) == "" {
		return errors.New("override name is required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO overrides(name, calendar_id, is_active) VALUES(?,?,?)`,
		o.Name, o.CalendarID, o.IsActive)
	if err != nil {
		return err
	}
	if o.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) SetOverrideActive(ctx context.Context, id int64, active bool) error {
	return s.setFlag(ctx, "overrides", "is_active", id, active)
}

func (s *sqliteStore) DeleteOverride(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE bucket_id IN
		   (SELECT id FROM buckets WHERE owner_kind = 'override' AND owner_id = ?)`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM buckets WHERE owner_kind = 'override' AND owner_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM override_dates WHERE override_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM overrides WHERE id = ?`, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) BindDate(ctx context.Context, overrideID int64, date time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO override_dates(date, override_id) VALUES(?,?)
		 ON CONFLICT(date) DO UPDATE SET override_id = excluded.override_id`,
		model.DateKey(date), overrideID)
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) UnbindDate(ctx context.Context, date time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM override_dates WHERE date = ?`, model.DateKey(date))
	if err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *sqliteStore) ReplaceRepeatingSound(ctx context.Context, calendarID int64, repeatTag string, oldSoundID, newSoundID int64) (int, error) {
	if strings.TrimSpace(repeatTag) == "" {
		return 0, errors.New("repeat tag is required")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET sound_id = ?
		 WHERE repeat_tag = ? AND sound_id = ? AND bucket_id IN
		   (SELECT id FROM buckets WHERE owner_kind = 'weekly' AND owner_id = ?)`,
		nullID(newSoundID), repeatTag, oldSoundID, calendarID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.notify()
	}
	return int(n), nil
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *sqliteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	// Settings are operational state, not calendar data; no rebuild signal.
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullID(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func defaultStr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
