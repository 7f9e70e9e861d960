package salt

import (
	"context"
	"time"

	"saltypie/pkg/resilience"
)

// Clock supplies the current time and blocking waits. Retry pauses, poll
// intervals and token expiry checks all go through it.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	return resilience.SleepContext(ctx, d)
}

// SystemClock is the wall-clock implementation of Clock.
var SystemClock Clock = systemClock{}
