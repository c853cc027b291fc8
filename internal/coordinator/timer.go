package coordinator

import (
	"errors"
	"time"

	"example.com/liveclass/internal/clock"
	"example.com/liveclass/internal/domain"
	"example.com/liveclass/internal/session"
)

// syncTimer keeps one timer per running class. With attendees present it fires at
// the next interval boundary; with none it fires once when the routine ends, so the
// final record is written and the idle session can be evicted. It must run inside a
// registry update.
func (c *Coordinator) syncTimer(e *session.Entry) {
	if !e.Started() || e.Finished() {
		c.stopTimer(e.ClassID())
		return
	}
	idle := e.RosterSize() == 0
	if t := c.currentTimer(e.ClassID()); t != nil && t.idle == idle {
		return
	}

	start := *e.StartTime()
	intervals := e.Routine().Intervals
	var wait time.Duration
	if idle {
		wait = start.Add(clock.Total(intervals)).Sub(c.now())
	} else if next, ok := clock.NextBoundary(intervals, start, c.now()); ok {
		wait = next
	}
	c.schedule(e.ClassID(), max(wait, c.minTick), idle)
}

func (c *Coordinator) schedule(classID string, wait time.Duration, idle bool) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.closed {
		return
	}
	if old := c.timers[classID]; old != nil {
		old.timer.Stop()
	}
	t := &sessionTimer{idle: idle}
	c.timers[classID] = t
	t.timer = time.AfterFunc(wait, func() { c.tick(classID, t) })
}

func (c *Coordinator) currentTimer(classID string) *sessionTimer {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	return c.timers[classID]
}

func (c *Coordinator) hasTimer(classID string) bool {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	_, ok := c.timers[classID]
	return ok
}

func (c *Coordinator) stopTimer(classID string) {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if t := c.timers[classID]; t != nil {
		t.timer.Stop()
		delete(c.timers, classID)
	}
}

// claimTimer removes t from the table if it is still the class's current timer.
func (c *Coordinator) claimTimer(classID string, t *sessionTimer) bool {
	c.timersMu.Lock()
	defer c.timersMu.Unlock()
	if c.timers[classID] != t {
		return false
	}
	delete(c.timers, classID)
	return true
}

func (c *Coordinator) tick(classID string, t *sessionTimer) {
	result := "noop"
	_, err := c.registry.Update(c.ctx, classID, false, func(e *session.Entry) error {
		if !c.claimTimer(classID, t) {
			result = "stale"
			return nil
		}
		if !e.Started() || e.Finished() {
			return nil
		}
		var err error
		result, err = c.advance(e)
		if err != nil {
			// Try again shortly; the roster and start time are untouched by the rollback.
			c.schedule(classID, c.minTick, t.idle)
			return err
		}
		c.syncTimer(e)
		return nil
	})
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return
		}
		result = "error"
		c.logger.Printf("class %s: timer tick failed: %v", classID, err)
	}
	timerTicks.WithLabelValues(result).Inc()
}

// advance moves the session to the interval the clock reports now, recording
// progress and broadcasting when it changed.
func (c *Coordinator) advance(e *session.Entry) (string, error) {
	start := *e.StartTime()
	now := c.now()
	state := clock.CurrentState(e.Routine().Intervals, start, now)

	if state.Finished {
		if err := c.record(c.ctx, e, domain.FinalIntervalIndex, now.Sub(start)); err != nil {
			return "", err
		}
		e.MarkFinished()
		c.broadcast(e, EventFinished)
		return "finished", nil
	}
	if state.ActiveIndex == e.ActiveIndex() {
		return "noop", nil
	}
	if err := c.record(c.ctx, e, state.ActiveIndex, now.Sub(start)); err != nil {
		return "", err
	}
	e.SetActiveIndex(state.ActiveIndex)
	c.broadcast(e, EventInterval)
	return "interval", nil
}
