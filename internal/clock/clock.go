// Package clock computes interval progress for a routine from a shared start time.
// Every function is a pure function of its arguments, so clients and the server
// derive identical countdowns from the same start timestamp.
package clock

import (
	"time"

	"example.com/liveclass/internal/domain"
)

// NoInterval is reported as ActiveIndex when no interval is running.
const NoInterval = -1

// State describes where a routine is at a given instant.
type State struct {
	ActiveIndex int
	Elapsed     time.Duration
	Remaining   time.Duration
	Finished    bool
}

// Started reports whether the routine has begun.
func (s State) Started() bool {
	return s.ActiveIndex != NoInterval || s.Finished
}

// CurrentState returns the active interval at now for a routine that began at start.
func CurrentState(intervals []domain.Interval, start, now time.Time) State {
	if now.Before(start) {
		return State{ActiveIndex: NoInterval}
	}

	offset := now.Sub(start)
	var cumulative time.Duration
	for i, interval := range intervals {
		if interval.Duration <= 0 {
			continue
		}
		if cumulative+interval.Duration > offset {
			elapsed := offset - cumulative
			return State{
				ActiveIndex: i,
				Elapsed:     elapsed,
				Remaining:   interval.Duration - elapsed,
			}
		}
		cumulative += interval.Duration
	}
	return State{ActiveIndex: NoInterval, Finished: true}
}

// NextBoundary returns how long until the active interval changes.
// Before the start it is the time until start; once finished it returns false.
func NextBoundary(intervals []domain.Interval, start, now time.Time) (time.Duration, bool) {
	if now.Before(start) {
		return start.Sub(now), true
	}
	state := CurrentState(intervals, start, now)
	if state.Finished {
		return 0, false
	}
	return state.Remaining, true
}

// Total sums the routine's durations, ignoring negative values.
func Total(intervals []domain.Interval) time.Duration {
	var total time.Duration
	for _, interval := range intervals {
		if interval.Duration > 0 {
			total += interval.Duration
		}
	}
	return total
}
