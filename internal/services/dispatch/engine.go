// Package dispatch runs the trigger table: it materializes triggers from
// the calendar store, sleeps until the earliest one, revalidates against
// the store at fire time and hands the payload to the sink.
//
// The table is a pure function of store state, the mute overlay and the
// wall clock; after every store change notification it is rebuilt from
// scratch and swapped atomically. Global mute empties the table without
// touching calendar data, so lookahead answers are identical muted or
// not.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"belltower/internal/eventbus"
	"belltower/internal/model"
	"belltower/internal/schedule"
	"belltower/internal/sink"
	"belltower/internal/storage"
	logx "belltower/pkg/logx"
)

const (
	defaultMaterializeDays = 30
	defaultFireTimeout     = 30 * time.Second
)

// Config tunes the dispatch engine.
type Config struct {
	// Location is the engine timezone; nil means time.Local.
	Location *time.Location
	// MaterializeDays bounds how far ahead override one-shots are armed.
	MaterializeDays int
	// FireTimeout caps a single sink delivery.
	FireTimeout time.Duration
}

func (c *Config) normalize() {
	if c.MaterializeDays <= 0 {
		c.MaterializeDays = defaultMaterializeDays
	}
	if c.FireTimeout <= 0 {
		c.FireTimeout = defaultFireTimeout
	}
}

type intervalJob struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context)
	next  time.Time
}

// Engine owns the trigger table and the dispatch loop.
type Engine struct {
	cfg      Config
	store    storage.Store
	resolver *schedule.Resolver
	out      sink.Sink
	bus      eventbus.Bus
	log      logx.Logger

	muted   atomic.Bool
	fired   atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64

	// healthLog throttles repeated store-failure reports during outages.
	healthLog *rate.Limiter

	mu           sync.Mutex
	running      bool
	triggers     map[string]*trigger
	intervals    []*intervalJob
	builtAt      time.Time
	rebuilds     uint64
	storeHealthy bool

	ctx       context.Context
	cancel    context.CancelFunc
	rebuildCh chan struct{}
	stopCh    chan struct{}
	stopDone  chan struct{}
	unsub     func()

	nowFn func() time.Time
}

func New(cfg Config, st storage.Store, r *schedule.Resolver, out sink.Sink, bus eventbus.Bus, log logx.Logger) *Engine {
	cfg.normalize()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:          cfg,
		store:        st,
		resolver:     r,
		out:          out,
		bus:          bus,
		log:          log.With(logx.String("component", "dispatch")),
		healthLog:    rate.NewLimiter(rate.Every(30*time.Second), 1),
		triggers:     map[string]*trigger{},
		storeHealthy: true,
		rebuildCh:    make(chan struct{}, 1),
		nowFn:        time.Now,
	}
}

func (e *Engine) loc() *time.Location {
	if e.cfg.Location != nil {
		return e.cfg.Location
	}
	return time.Local
}

func (e *Engine) now() time.Time { return e.nowFn().In(e.loc()) }

// AddInterval registers a recurring auxiliary job (time sync and the
// like). Interval jobs live outside the trigger table: rebuilds and the
// mute overlay never touch them. The first run happens right after Start.
func (e *Engine) AddInterval(name string, every time.Duration, fn func(ctx context.Context)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.intervals = append(e.intervals, &intervalJob{name: name, every: every, fn: fn})
}

// Start builds the initial table and launches the dispatch loop.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("dispatch engine already started")
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.stopCh = make(chan struct{})
	e.stopDone = make(chan struct{})
	now := e.now()
	for _, job := range e.intervals {
		job.next = now
	}
	e.mu.Unlock()

	var busCh <-chan eventbus.Event
	if e.bus != nil {
		busCh, e.unsub = e.bus.Subscribe(16)
	}
	go e.run(busCh)
	e.log.Info("dispatch engine started")
	return nil
}

// Stop halts the loop and waits for it to exit. In-flight sink deliveries
// are cancelled through the engine context.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh, stopDone := e.stopCh, e.stopDone
	e.mu.Unlock()

	close(stopCh)
	<-stopDone
	e.cancel()
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	e.log.Info("dispatch engine stopped")
}

// Refresh requests an asynchronous table rebuild. Coalesces with a
// pending request.
func (e *Engine) Refresh() {
	select {
	case e.rebuildCh <- struct{}{}:
	default:
	}
}

// MuteAll flips the global mute overlay and forces a rebuild, so a muted
// engine holds an empty trigger table and an unmuted one re-materializes
// everything. Calendar data is never touched. The fire path also checks
// the flag, covering triggers already armed when the toggle lands.
func (e *Engine) MuteAll(muted bool) {
	if e.muted.Swap(muted) != muted {
		e.log.Info("global mute changed", logx.Bool("muted", muted))
		e.Refresh()
	}
}

func (e *Engine) Muted() bool { return e.muted.Load() }

// NextEvent answers the lookahead query. Global mute does not change the
// answer.
func (e *Engine) NextEvent(ctx context.Context) (*model.Upcoming, error) {
	return e.resolver.NextEvent(ctx, e.now())
}

// Snapshot is the ops-surface view of the engine.
type Snapshot struct {
	Running         bool       `json:"running"`
	Muted           bool       `json:"muted"`
	StoreHealthy    bool       `json:"store_healthy"`
	LiveTriggers    int        `json:"live_triggers"`
	WeeklyTriggers  int        `json:"weekly_triggers"`
	OneShotTriggers int        `json:"oneshot_triggers"`
	NextFire        *time.Time `json:"next_fire,omitempty"`
	BuiltAt         time.Time  `json:"built_at"`
	Rebuilds        uint64     `json:"rebuilds"`
	Fired           uint64     `json:"fired"`
	Skipped         uint64     `json:"skipped"`
	Failed          uint64     `json:"failed"`
}

func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Snapshot{
		Running:      e.running,
		Muted:        e.muted.Load(),
		StoreHealthy: e.storeHealthy,
		LiveTriggers: len(e.triggers),
		BuiltAt:      e.builtAt,
		Rebuilds:     e.rebuilds,
		Fired:        e.fired.Load(),
		Skipped:      e.skipped.Load(),
		Failed:       e.failed.Load(),
	}
	var next time.Time
	for _, t := range e.triggers {
		if t.kind == kindWeekly {
			s.WeeklyTriggers++
		} else {
			s.OneShotTriggers++
		}
		if next.IsZero() || t.fireAt.Before(next) {
			next = t.fireAt
		}
	}
	if !next.IsZero() {
		s.NextFire = &next
	}
	return s
}

// rebuild swaps in a fresh trigger table. A store failure keeps the old
// table armed and only flips the health flag.
func (e *Engine) rebuild(now time.Time) {
	base := e.ctx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithTimeout(base, 15*time.Second)
	defer cancel()

	table, err := e.buildTable(ctx, now)
	if err != nil {
		e.mu.Lock()
		e.storeHealthy = false
		e.mu.Unlock()
		if e.healthLog.Allow() {
			e.log.Error("trigger rebuild failed, keeping previous table", logx.Err(err))
		}
		return
	}

	e.mu.Lock()
	e.triggers = table
	e.builtAt = now
	e.rebuilds++
	e.storeHealthy = true
	n := len(table)
	e.mu.Unlock()

	e.log.Debug("trigger table rebuilt", logx.Int("triggers", n))
}
