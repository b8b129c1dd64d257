package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	}
}

func TestOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		err := cb.Execute(func() error { return boom })
		require.ErrorIs(t, err, boom)
	}

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	// State transitions are evaluated on the next Execute.
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitBreakerOpen)
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)

	// Closing is applied on the next transition check.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	require.ErrorIs(t, cb.Execute(func() error { return nil }), ErrCircuitBreakerOpen)
	time.Sleep(25 * time.Millisecond)

	_ = cb.Execute(func() error { return boom })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("down")

	_ = cb.Execute(func() error { return boom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return boom })

	// Never two consecutive failures, so the breaker stays closed.
	err := cb.Execute(func() error { return nil })
	assert.NoError(t, err)
}

func TestReset(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("down")

	for i := 0; i < 2; i++ {
		_ = cb.Execute(func() error { return boom })
	}
	_ = cb.Execute(func() error { return nil }) // trips the transition check
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}
