package errors

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAndReportsRetryAfterInSeconds(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("llm", CircuitBreakerConfig{
		FailureThreshold: 2,
		Cooldown:         30 * time.Second,
	})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Mark(stderrors.New("boom"))
	require.NoError(t, b.Allow())
	b.Mark(stderrors.New("boom"))

	now = now.Add(10 * time.Second)
	err := b.Allow()
	require.Error(t, err)
	require.True(t, stderrors.Is(err, ErrCircuitOpen))

	var transient *TransientError
	require.True(t, stderrors.As(err, &transient))
	assert.Equal(t, 20, transient.RetryAfter)
	assert.Equal(t, KindTransient, Classify(err))
}

func TestBreakerRetryAfterNeverZeroWhileOpen(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("embeddings", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
	})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Mark(stderrors.New("boom"))

	// 400ms into a 1s cooldown: still open, wait must round up, not to 0.
	now = now.Add(400 * time.Millisecond)
	err := b.Allow()
	require.Error(t, err)
	var transient *TransientError
	require.True(t, stderrors.As(err, &transient))
	assert.Equal(t, 1, transient.RetryAfter)
}

func TestBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	b := NewCircuitBreaker("llm", CircuitBreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		HalfOpenProbes:   1,
	})
	b.now = func() time.Time { return now }

	require.NoError(t, b.Allow())
	b.Mark(stderrors.New("boom"))

	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow(), "cooldown elapsed, probe admitted")

	err := b.Allow()
	require.Error(t, err, "second concurrent probe refused")
	var transient *TransientError
	require.True(t, stderrors.As(err, &transient))
	assert.Equal(t, 1, transient.RetryAfter)

	b.Mark(nil)
	require.NoError(t, b.Allow(), "successful probe closes the circuit")
}
