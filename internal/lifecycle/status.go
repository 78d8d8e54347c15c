// Package lifecycle owns the session state machine and the sweeper that
// advances sessions with the wall clock.
package lifecycle

import (
	"fmt"
	"time"

	"blackout/api/internal/store"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusActive    Status = "active"
	StatusClosed    Status = "closed"
	StatusPublished Status = "published"
)

var transitions = map[Status][]Status{
	StatusScheduled: {StatusActive, StatusClosed},
	StatusActive:    {StatusClosed},
	StatusClosed:    {StatusPublished},
	StatusPublished: {},
}

func ParseStatus(raw string) (Status, bool) {
	status := Status(raw)
	_, ok := transitions[status]
	return status, ok
}

// CanTransition reports whether from→to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError names the refused edge.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.From, e.To)
}

// CheckTransition validates a manual status change. Asking for the current
// status is allowed and means nothing needs to change.
func CheckTransition(from, to Status) (changed bool, err error) {
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, &TransitionError{From: from, To: to}
	}
	return true, nil
}

// PhaseAt derives the phase a session should be in at now. A closed or
// published status is final regardless of the clock.
func PhaseAt(session store.Session, now time.Time) Status {
	switch Status(session.Status) {
	case StatusPublished:
		return StatusPublished
	case StatusClosed:
		return StatusClosed
	}
	if !now.Before(session.EndsAt) {
		return StatusClosed
	}
	if !now.Before(session.StartsAt) {
		return StatusActive
	}
	return StatusScheduled
}

// Editable reports whether words may be redacted at now.
func Editable(session store.Session, now time.Time) bool {
	return PhaseAt(session, now) == StatusActive
}

// Window returns the start and end of a session that starts at startsAt and lasts
// durationMinutes.
func Window(startsAt time.Time, durationMinutes int) (time.Time, time.Time) {
	return startsAt, startsAt.Add(time.Duration(durationMinutes) * time.Minute)
}
