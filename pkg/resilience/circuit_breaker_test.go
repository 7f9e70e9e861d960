package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "saltypie/pkg/resilience"
)

var errDown = errors.New("salt-master down")

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newBreaker(threshold int, clock *manualClock) *CircuitBreaker {
	return NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         time.Minute,
		Now:              clock.Now,
	})
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker("test", DefaultCircuitBreakerConfig())
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "test", cb.Name())
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := newBreaker(3, &manualClock{now: time.Unix(0, 0)})
	ctx := context.Background()

	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, succeed)
	_ = cb.Execute(ctx, fail)
	_ = cb.Execute(ctx, fail)
	assert.Equal(t, CircuitClosed, cb.State(), "a success resets the count")

	assert.ErrorIs(t, cb.Execute(ctx, fail), errDown)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := newBreaker(1, &manualClock{now: time.Unix(0, 0)})
	_ = cb.Execute(context.Background(), fail)

	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SingleProbeAfterCooldown(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := newBreaker(1, clock)
	_ = cb.Execute(context.Background(), fail)

	clock.Advance(time.Minute)
	require.Equal(t, CircuitHalfOpen, cb.State())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	assert.ErrorIs(t, cb.Execute(context.Background(), succeed), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	cb := newBreaker(2, clock)
	_ = cb.Execute(context.Background(), fail)
	_ = cb.Execute(context.Background(), fail)

	clock.Advance(time.Minute)
	assert.ErrorIs(t, cb.Execute(context.Background(), fail), errDown)
	assert.Equal(t, CircuitOpen, cb.State())

	clock.Advance(30 * time.Second)
	assert.Equal(t, CircuitOpen, cb.State())
	clock.Advance(30 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_TripsPredicate(t *testing.T) {
	errBadState := errors.New("state failed")
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		Trips:            func(err error) bool { return errors.Is(err, errDown) },
	})

	_ = cb.Execute(context.Background(), func(context.Context) error { return errBadState })
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), fail)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_CancelledCallDoesNotCount(t *testing.T) {
	cb := newBreaker(1, &manualClock{now: time.Unix(0, 0)})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, succeed), context.Canceled)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := &manualClock{now: time.Unix(0, 0)}
	var transitions []string
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		Now:              clock.Now,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), fail)
	clock.Advance(time.Minute)
	_ = cb.Execute(context.Background(), succeed)

	assert.Equal(t, []string{"closed>open", "half-open>closed"}, transitions)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := newBreaker(1, &manualClock{now: time.Unix(0, 0)})
	_ = cb.Execute(context.Background(), fail)
	require.Equal(t, CircuitOpen, cb.State())

	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
}
