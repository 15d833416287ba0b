package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	done, ok := b.Allow()
	require.True(t, ok, "expected call to be allowed")
	done(false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	done, ok := b.Allow()
	require.True(t, ok, "expected call to be allowed")
	done(true)
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Minute, SuccessThreshold: 2})

	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())

	_, ok := b.Allow()
	assert.False(t, ok, "open breaker must reject calls")
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b := New("test", Config{FailureThreshold: 3, Timeout: time.Minute, SuccessThreshold: 2})

	fail(t, b)
	fail(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenThenClosed(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: 30 * time.Millisecond, SuccessThreshold: 2})

	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	succeed(t, b)
	assert.Equal(t, StateHalfOpen, b.State())
	succeed(t, b)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("test", Config{FailureThreshold: 2, Timeout: 30 * time.Millisecond, SuccessThreshold: 2})

	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(50 * time.Millisecond)
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Defaults(t *testing.T) {
	b := New("defaults", Config{})
	assert.Equal(t, StateClosed, b.State())

	// Default threshold is 5 — four failures must not trip it.
	for i := 0; i < 4; i++ {
		fail(t, b)
	}
	assert.Equal(t, StateClosed, b.State())
	fail(t, b)
	assert.Equal(t, StateOpen, b.State())
}
