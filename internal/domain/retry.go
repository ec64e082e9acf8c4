package domain

import "time"

// Default retry knobs applied when a policy omits them.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// BaseDelay returns the configured base delay or the default.
func (p *RetryPolicy) BaseDelay() time.Duration {
	if p == nil || p.BaseDelayMs <= 0 {
		return DefaultBaseDelay
	}
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the configured delay cap or the default.
func (p *RetryPolicy) MaxDelay() time.Duration {
	if p == nil || p.MaxDelayMs <= 0 {
		return DefaultMaxDelay
	}
	return time.Duration(p.MaxDelayMs) * time.Millisecond
}

// ShouldRetry reports whether another attempt is allowed after retryAttempt
// failures. A nil policy or MaxAttempts <= 1 means the first failure is
// terminal.
func (p *RetryPolicy) ShouldRetry(retryAttempt int) bool {
	if p == nil {
		return false
	}
	return retryAttempt < p.MaxAttempts
}

// NextDelay computes the backoff before retry number retryAttempt+1.
// Exponential doubles from the base delay and is capped by MaxDelay; linear
// and fixed both wait the base delay.
func (p *RetryPolicy) NextDelay(retryAttempt int) time.Duration {
	base := p.BaseDelay()
	if p == nil || p.Backoff != BackoffExponential {
		return base
	}
	if retryAttempt < 1 {
		retryAttempt = 1
	}
	d := base
	for i := 1; i < retryAttempt; i++ {
		d *= 2
		if d >= p.MaxDelay() {
			return p.MaxDelay()
		}
	}
	if d > p.MaxDelay() {
		return p.MaxDelay()
	}
	return d
}
