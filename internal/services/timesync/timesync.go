// Package timesync measures the host clock offset against NTP so drift is
// visible before it misplaces a bell. It never steps the clock; adjusting
// time is the OS's job.
package timesync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/beevik/ntp"

	"belltower/internal/storage"
	logx "belltower/pkg/logx"
)

// SettingKey is where the last successful measurement is persisted.
const SettingKey = "timesync.last"

var defaultServers = []string{
	"pool.ntp.org",
	"time.google.com",
	"time.cloudflare.com",
}

type Config struct {
	Enabled  bool
	Interval time.Duration // default 6h
	Timeout  time.Duration // per-server, default 5s
	Servers  []string
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Hour
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if len(c.Servers) == 0 {
		c.Servers = defaultServers
	}
}

// Result is one clock measurement.
type Result struct {
	Server string        `json:"server"`
	Offset time.Duration `json:"offset"`
	Delay  time.Duration `json:"delay"`
	At     time.Time     `json:"at"`
}

// queryFunc is swapped out in tests.
type queryFunc func(server string, timeout time.Duration) (*ntp.Response, error)

type Service struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	query queryFunc
}

func New(cfg Config, st storage.Store, log logx.Logger) *Service {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		store: st,
		log:   log.With(logx.String("component", "timesync")),
		query: func(server string, timeout time.Duration) (*ntp.Response, error) {
			return ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
		},
	}
}

// Registrar registers recurring jobs; the dispatch engine satisfies it.
type Registrar interface {
	AddInterval(name string, every time.Duration, fn func(ctx context.Context))
}

// Register hooks the periodic sync into the scheduler. A disabled config
// registers nothing.
func (s *Service) Register(r Registrar) {
	if !s.cfg.Enabled {
		return
	}
	r.AddInterval("timesync", s.cfg.Interval, func(ctx context.Context) {
		if _, err := s.Sync(ctx); err != nil {
			s.log.Warn("time sync failed", logx.Err(err))
		}
	})
}

// Sync tries the configured servers in order with the per-server timeout
// and stops at the first one that answers. The result is logged and
// persisted; every server failing is an error.
func (s *Service) Sync(ctx context.Context) (*Result, error) {
	type answer struct {
		resp *ntp.Response
		err  error
	}

	var errs []error
	for _, server := range s.cfg.Servers {
		ch := make(chan answer, 1)
		go func(server string) {
			resp, err := s.query(server, s.cfg.Timeout)
			ch <- answer{resp: resp, err: err}
		}(server)

		select {
		case a := <-ch:
			if a.err != nil {
				errs = append(errs, &serverError{server: server, err: a.err})
				continue
			}
			res := &Result{
				Server: server,
				Offset: a.resp.ClockOffset,
				Delay:  a.resp.RTT,
				At:     time.Now(),
			}
			s.record(ctx, res)
			return res, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &allFailedError{errs: errs}
}

func (s *Service) record(ctx context.Context, r *Result) {
	s.log.Info("clock measured",
		logx.String("server", r.Server),
		logx.Duration("offset", r.Offset),
		logx.Duration("delay", r.Delay))
	if s.store == nil {
		return
	}
	b, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.store.SetSetting(ctx, SettingKey, string(b)); err != nil {
		s.log.Warn("persisting sync result failed", logx.Err(err))
	}
}

// Last returns the most recent persisted measurement, or nil.
func (s *Service) Last(ctx context.Context) (*Result, error) {
	if s.store == nil {
		return nil, nil
	}
	v, err := s.store.GetSetting(ctx, SettingKey)
	if err != nil || v == "" {
		return nil, err
	}
	var r Result
	if err := json.Unmarshal([]byte(v), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

type serverError struct {
	server string
	err    error
}

func (e *serverError) Error() string { return e.server + ": " + e.err.Error() }
func (e *serverError) Unwrap() error { return e.err }

type allFailedError struct {
	errs []error
}

func (e *allFailedError) Error() string {
	msg := "all ntp servers failed"
	for _, err := range e.errs {
		msg += "; " + err.Error()
	}
	return msg
}
