package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pendingKey identifies an attendee whose enrollment could not be cleared on disconnect.
type pendingKey struct {
	classID    string
	attendeeID string
}

type pendingClear struct {
	timer   *time.Timer
	backoff backoff.BackOff
}

func defaultEnrollmentBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 15 * time.Minute
	return b
}

// queueClear retries SetEnrollment(false) for an attendee who was removed from the
// roster while storage was failing. It must run inside the class's registry update.
func (c *Coordinator) queueClear(classID, attendeeID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	key := pendingKey{classID: classID, attendeeID: attendeeID}
	if _, ok := c.pending[key]; ok || c.ctx.Err() != nil {
		return
	}
	p := &pendingClear{backoff: c.newEnrollmentBackoff()}
	c.pending[key] = p
	c.armClear(key, p)
}

// armClear must be called with pendingMu held.
func (c *Coordinator) armClear(key pendingKey, p *pendingClear) {
	wait := p.backoff.NextBackOff()
	if wait == backoff.Stop {
		delete(c.pending, key)
		c.logger.Printf("class %s: gave up clearing enrollment of %s", key.classID, key.attendeeID)
		operationsCounter.WithLabelValues("enrollment_retry", "abandoned").Inc()
		return
	}
	p.timer = time.AfterFunc(wait, func() { c.retryClear(key, p) })
}

// retryClear holds pendingMu across the store call, so a concurrent rejoin either
// cancels it first or writes its enrollment after it.
func (c *Coordinator) retryClear(key pendingKey, p *pendingClear) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending[key] != p {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, time.Minute)
	defer cancel()
	err := c.store.SetEnrollment(ctx, key.classID, key.attendeeID, false)
	operationsCounter.WithLabelValues("enrollment_retry", outcome(err)).Inc()
	if err == nil {
		delete(c.pending, key)
		return
	}
	if c.ctx.Err() != nil {
		delete(c.pending, key)
		return
	}
	c.logger.Printf("class %s: clearing enrollment of %s failed again: %v", key.classID, key.attendeeID, err)
	c.armClear(key, p)
}

// cancelClear drops a queued clear for an attendee who is joining again. It must run
// before the join writes its enrollment.
func (c *Coordinator) cancelClear(classID, attendeeID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	key := pendingKey{classID: classID, attendeeID: attendeeID}
	if p := c.pending[key]; p != nil {
		p.timer.Stop()
		delete(c.pending, key)
	}
}

func (c *Coordinator) pendingClears() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) stopClears() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for key, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, key)
	}
}
