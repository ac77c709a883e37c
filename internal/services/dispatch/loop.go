package dispatch

import (
	"context"
	"fmt"
	"time"

	"belltower/internal/eventbus"
	"belltower/internal/model"
	"belltower/internal/sink"
	logx "belltower/pkg/logx"
)

// idleWake bounds the sleep when nothing is armed; a store notification
// normally wakes the loop much sooner.
const idleWake = time.Minute

func (e *Engine) run(busCh <-chan eventbus.Event) {
	defer close(e.stopDone)

	e.rebuild(e.now())

	timer := time.NewTimer(idleWake)
	defer timer.Stop()

	for {
		e.armTimer(timer)
		select {
		case <-e.stopCh:
			return
		case <-e.rebuildCh:
			e.rebuild(e.now())
		case ev, ok := <-busCh:
			if !ok {
				busCh = nil
				continue
			}
			if ev.Type == eventbus.TypeStoreChanged {
				e.rebuild(e.now())
			}
		case <-timer.C:
			e.fireDue(e.now())
		}
	}
}

func (e *Engine) armTimer(timer *time.Timer) {
	now := e.now()

	e.mu.Lock()
	var next time.Time
	for _, t := range e.triggers {
		if next.IsZero() || t.fireAt.Before(next) {
			next = t.fireAt
		}
	}
	for _, job := range e.intervals {
		if next.IsZero() || job.next.Before(next) {
			next = job.next
		}
	}
	e.mu.Unlock()

	d := idleWake
	if !next.IsZero() {
		d = next.Sub(now)
		if d < 10*time.Millisecond {
			d = 10 * time.Millisecond
		}
		if d > idleWake {
			d = idleWake
		}
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

// fireDue launches every due trigger and interval job. Weekly triggers
// re-arm on their cron schedule; one-shots leave the table.
func (e *Engine) fireDue(now time.Time) {
	e.mu.Lock()
	var due []*trigger
	for key, t := range e.triggers {
		if t.fireAt.After(now) {
			continue
		}
		due = append(due, t)
		if t.kind == kindWeekly {
			t.fireAt = t.sched.Next(now)
		} else {
			delete(e.triggers, key)
		}
	}
	var jobs []*intervalJob
	for _, job := range e.intervals {
		if job.next.After(now) {
			continue
		}
		job.next = now.Add(job.every)
		jobs = append(jobs, job)
	}
	e.mu.Unlock()

	for _, t := range due {
		go e.fire(t, now)
	}
	for _, job := range jobs {
		go e.runInterval(job)
	}
}

func (e *Engine) runInterval(job *intervalJob) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("interval job panicked",
				logx.String("job", job.name), logx.Any("panic", r))
		}
	}()
	job.fn(e.ctx)
}

// fire revalidates one due trigger against the store and delivers it.
func (e *Engine) fire(t *trigger, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			e.failed.Add(1)
			e.log.Error("fire panicked",
				logx.String("trigger", t.key), logx.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.FireTimeout)
	defer cancel()

	payload, skip, err := e.payloadFor(ctx, t, now)
	if err != nil {
		e.failed.Add(1)
		e.log.Error("fire revalidation failed",
			logx.String("trigger", t.key), logx.Err(err))
		return
	}
	if skip == "" && e.muted.Load() {
		skip = "muted"
	}
	if skip != "" {
		e.skipped.Add(1)
		e.log.Info("fire skipped",
			logx.String("trigger", t.key), logx.String("reason", skip))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeFireSkipped, Data: skip})
		}
		return
	}

	if err := e.out.Fire(ctx, payload); err != nil {
		e.failed.Add(1)
		e.log.Error("sink delivery failed",
			logx.String("trigger", t.key), logx.Err(err))
		return
	}
	e.fired.Add(1)
	e.log.Info("trigger fired",
		logx.String("trigger", t.key),
		logx.Int64("event_id", payload.EventID),
		logx.String("description", payload.Description))
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Data: payload})
	}
}

// payloadFor re-reads the event and its calendars at fire time. The table
// may be seconds stale; the store is the source of truth. A non-empty
// skip reason means the fire is suppressed, not failed.
func (e *Engine) payloadFor(ctx context.Context, t *trigger, now time.Time) (sink.Payload, string, error) {
	var none sink.Payload

	ev, err := e.store.EventByID(ctx, t.eventID)
	if err != nil {
		return none, "", fmt.Errorf("event %d: %w", t.eventID, err)
	}
	if ev == nil {
		return none, "event removed", nil
	}
	if !ev.IsActive {
		return none, "event inactive", nil
	}

	switch t.kind {
	case kindWeekly:
		// An override bound to today replaces its governing calendar's
		// schedule for the whole day.
		ov, err := e.store.OverrideForDate(ctx, now)
		if err != nil {
			return none, "", err
		}
		if ov != nil && ov.IsActive && ov.CalendarID == t.calendarID {
			return none, "override day", nil
		}
		cal, err := e.store.WeeklyCalendarByID(ctx, t.calendarID)
		if err != nil {
			return none, "", err
		}
		if cal == nil || !cal.IsActive {
			return none, "calendar inactive", nil
		}
		if cal.IsMuted {
			return none, "calendar muted", nil
		}
	case kindOneShot:
		ov, err := e.store.OverrideByID(ctx, t.overrideID)
		if err != nil {
			return none, "", err
		}
		if ov == nil || !ov.IsActive {
			return none, "override inactive", nil
		}
		if !dateBound(ov.Dates, t.date) {
			return none, "date unbound", nil
		}
		gov, err := e.store.WeeklyCalendarByID(ctx, ov.CalendarID)
		if err != nil {
			return none, "", err
		}
		if gov == nil || !gov.IsActive {
			return none, "calendar inactive", nil
		}
		if gov.IsMuted {
			return none, "calendar muted", nil
		}
	}

	return sink.Payload{
		EventID:     ev.ID,
		Description: ev.Description,
		SoundPath:   ev.SoundPath,
		TTSText:     ev.TTSText,
	}, "", nil
}

func dateBound(dates []time.Time, date time.Time) bool {
	key := model.DateKey(date)
	for _, d := range dates {
		if model.DateKey(d) == key {
			return true
		}
	}
	return false
}
