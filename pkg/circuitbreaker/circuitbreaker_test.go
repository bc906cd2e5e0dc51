package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func fail(context.Context) error    { return errBackend }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensProbesAndCloses(t *testing.T) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	var transitions []string

	b := New(Settings{
		Name:             "store",
		FailureThreshold: 2,
		SuccessThreshold: 2,
		OpenTimeout:      time.Minute,
		HalfOpenProbes:   2,
		Now:              clk.Now,
		OnStateChange: func(name string, from, to State) {
			assert.Equal(t, "store", name)
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clk.advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &clock{now: time.Now()}
	b := New(Settings{FailureThreshold: 1, OpenTimeout: time.Second, Now: clk.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.advance(time.Second)
	assert.ErrorIs(t, b.Execute(ctx, fail), errBackend)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clk := &clock{now: time.Now()}
	b := New(Settings{FailureThreshold: 1, OpenTimeout: time.Second, Now: clk.Now})
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clk.advance(time.Second)

	err := b.Execute(ctx, func(ctx context.Context) error {
		return b.Execute(ctx, succeed)
	})
	assert.ErrorIs(t, err, ErrTooManyRequests)
}

func TestBreaker_IgnoresNonFailures(t *testing.T) {
	errNotFound := errors.New("not found")
	b := New(Settings{
		FailureThreshold: 1,
		IsFailure:        func(err error) bool { return !errors.Is(err, errNotFound) },
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Execute(context.Background(), func(context.Context) error { return errNotFound }), errNotFound)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 3, b.Counts().Requests)
	assert.Zero(t, b.Counts().Failures)
}

func TestBreaker_ResetAndCancelledContext(t *testing.T) {
	b := ForStorage("sqlite", nil, nil)
	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), fail)
	}
	assert.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Counts().Requests)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Execute(ctx, succeed), context.Canceled)
	assert.Zero(t, b.Counts().Requests)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
