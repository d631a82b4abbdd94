package domain

import (
	"strings"
	"time"
)

// ResetPeriod is how often a quota's allowance starts over.
type ResetPeriod string

const (
	ResetPeriodMonthly   ResetPeriod = "MONTHLY"
	ResetPeriodQuarterly ResetPeriod = "QUARTERLY"
	ResetPeriodAnnually  ResetPeriod = "ANNUALLY"
)

func ParseResetPeriod(raw string) (ResetPeriod, error) {
	p := ResetPeriod(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case ResetPeriodMonthly, ResetPeriodQuarterly, ResetPeriodAnnually:
		return p, nil
	default:
		return "", ErrInvalidResetPeriod
	}
}

// Window returns the billing period [start, end) in UTC that contains at.
func (p ResetPeriod) Window(at time.Time) (start, end time.Time, err error) {
	at = at.UTC()
	year, month := at.Year(), at.Month()
	switch p {
	case ResetPeriodMonthly:
		start = time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case ResetPeriodQuarterly:
		first := time.Month(((int(month)-1)/3)*3 + 1)
		start = time.Date(year, first, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 3, 0)
	case ResetPeriodAnnually:
		start = time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default:
		return time.Time{}, time.Time{}, ErrInvalidResetPeriod
	}
	return start, end, nil
}

// PreviousWindow returns the period right before the one containing at.
func (p ResetPeriod) PreviousWindow(at time.Time) (start, end time.Time, err error) {
	current, _, err := p.Window(at)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return p.Window(current.Add(-time.Nanosecond))
}

// SettlingWindowStart is the earliest period start whose usage may still be
// aggregated at t: the start of the previous annual period.
func SettlingWindowStart(at time.Time) time.Time {
	start, _, _ := ResetPeriodAnnually.PreviousWindow(at)
	return start
}
