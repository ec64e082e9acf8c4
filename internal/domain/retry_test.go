package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRetry(t *testing.T) {
	var nilPolicy *RetryPolicy
	assert.False(t, nilPolicy.ShouldRetry(1))

	p := &RetryPolicy{MaxAttempts: 3}
	assert.True(t, p.ShouldRetry(1))
	assert.True(t, p.ShouldRetry(2))
	assert.False(t, p.ShouldRetry(3))

	single := &RetryPolicy{MaxAttempts: 1}
	assert.False(t, single.ShouldRetry(1))
}

func TestNextDelayExponential(t *testing.T) {
	p := &RetryPolicy{
		MaxAttempts: 5,
		Backoff:     BackoffExponential,
		BaseDelayMs: 100,
		MaxDelayMs:  400,
	}
	assert.Equal(t, 100*time.Millisecond, p.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(3))
	// Capped from here on.
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(4))
	assert.Equal(t, 400*time.Millisecond, p.NextDelay(10))
}

func TestNextDelayFixedAndLinear(t *testing.T) {
	fixed := &RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelayMs: 250}
	assert.Equal(t, 250*time.Millisecond, fixed.NextDelay(1))
	assert.Equal(t, 250*time.Millisecond, fixed.NextDelay(2))

	linear := &RetryPolicy{MaxAttempts: 3, Backoff: BackoffLinear, BaseDelayMs: 250}
	assert.Equal(t, 250*time.Millisecond, linear.NextDelay(2))
}

func TestRetryDefaults(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 2}
	assert.Equal(t, DefaultBaseDelay, p.BaseDelay())
	assert.Equal(t, DefaultMaxDelay, p.MaxDelay())
	assert.Equal(t, DefaultBaseDelay, p.NextDelay(1))
}
