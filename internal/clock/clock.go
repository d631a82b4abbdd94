package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the time source for everything that schedules or compares deadlines.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// New returns the wall clock, normalized to UTC.
func New() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(New),
)
