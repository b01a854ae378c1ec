package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("upstream 503")
	errPermanent = errors.New("upstream 400")
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []State
	cb := New(Config{
		Name:             "test",
		Timeout:          time.Minute,
		FailureThreshold: 3,
		OnStateChange: func(_, to State) {
			transitions = append(transitions, to)
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func() error { return errTransient })
		assert.ErrorIs(t, err, errTransient)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, transitions)

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.False(t, called)
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	cb := New(Config{
		Timeout:          time.Minute,
		FailureThreshold: 2,
		IsFailure: func(err error) bool {
			return !errors.Is(err, errPermanent)
		},
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return errPermanent })
		assert.ErrorIs(t, err, errPermanent)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancelledContext(t *testing.T) {
	cb := New(Config{Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
