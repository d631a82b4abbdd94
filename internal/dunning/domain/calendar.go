package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/recon/internal/config"
)

const day = 24 * time.Hour

type CalendarEntry struct {
	Day      int
	State    State
	Notify   bool
	Template string
}

// Calendar is ordered by Day, starts at day 0 and ends in SUSPENDED.
type Calendar []CalendarEntry

func DefaultCalendar() Calendar {
	c, _ := NewCalendar(config.DefaultReconcileConfig().Dunning.Calendar)
	return c
}

func NewCalendar(steps []config.DunningStep) (Calendar, error) {
	if len(steps) < 2 {
		return nil, fmt.Errorf("%w: need at least two steps", ErrInvalidCalendar)
	}
	c := make(Calendar, 0, len(steps))
	for i, step := range steps {
		state, ok := ParseState(strings.ToUpper(strings.TrimSpace(step.State)))
		if !ok || state == StateResolved {
			return nil, fmt.Errorf("%w: unknown state %q", ErrInvalidCalendar, step.State)
		}
		if i == 0 && step.Day != 0 {
			return nil, fmt.Errorf("%w: first step must be day 0", ErrInvalidCalendar)
		}
		if i > 0 && step.Day <= steps[i-1].Day {
			return nil, fmt.Errorf("%w: day %d is not after day %d", ErrInvalidCalendar, step.Day, steps[i-1].Day)
		}
		if step.Notify && strings.TrimSpace(step.Template) == "" {
			return nil, fmt.Errorf("%w: day %d notifies without a template", ErrInvalidCalendar, step.Day)
		}
		c = append(c, CalendarEntry{Day: step.Day, State: state, Notify: step.Notify, Template: step.Template})
	}
	if c[len(c)-1].State != StateSuspended {
		return nil, fmt.Errorf("%w: last step must be %s", ErrInvalidCalendar, StateSuspended)
	}
	return c, nil
}

// DaysSince counts whole elapsed 24h days between two instants.
func DaysSince(failedAt, now time.Time) int {
	elapsed := now.UTC().Sub(failedAt.UTC())
	if elapsed < 0 {
		return 0
	}
	return int(elapsed / day)
}

// EntryFor returns the index of the greatest entry whose day is <= days.
func (c Calendar) EntryFor(days int) int {
	idx := 0
	for i, e := range c {
		if e.Day > days {
			break
		}
		idx = i
	}
	return idx
}

// IndexOf returns the position of state in the calendar or -1.
func (c Calendar) IndexOf(state State) int {
	for i, e := range c {
		if e.State == state {
			return i
		}
	}
	return -1
}

// RetryAt is the instant the entry at idx falls due for a failure at failedAt.
func (c Calendar) RetryAt(failedAt time.Time, idx int) time.Time {
	return failedAt.Add(time.Duration(c[idx].Day) * day)
}
