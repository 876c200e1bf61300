// Package retry decides what happens to a failed job: another attempt after a
// backoff delay, or terminal dead-letter quarantine.
package retry

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// permanentError marks a failure that retrying cannot fix (malformed payload,
// unknown job kind, missing resource). It dead-letters on the first attempt.
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the policy dead-letters immediately instead of
// retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Decision is the policy outcome for one failure, inspected by the queue as a
// plain value.
type Decision struct {
	DeadLetter bool
	Delay      time.Duration
}

// Policy applies bounded exponential backoff with full jitter and a hard
// attempt cap. The zero value is unusable; construct with NewPolicy.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	// rand lets tests pin the jitter; defaults to the global source.
	rand *rand.Rand
}

const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 60 * time.Second
	DefaultMaxAttempts = 5
)

func NewPolicy(base, max time.Duration, maxAttempts int) Policy {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return Policy{BaseDelay: base, MaxDelay: max, MaxAttempts: maxAttempts}
}

// OnFailure decides the fate of a job after its attempts-th failed attempt
// (1-indexed). Permanent errors dead-letter regardless of the attempt count;
// transient errors retry until MaxAttempts is reached.
func (p Policy) OnFailure(attempts int, err error) Decision {
	if IsPermanent(err) {
		return Decision{DeadLetter: true}
	}
	if attempts >= p.MaxAttempts {
		return Decision{DeadLetter: true}
	}
	return Decision{Delay: p.backoff(attempts)}
}

// backoff returns a random delay in [0, min(base * 2^(attempts-1), max)].
// Full jitter spreads out retries when many jobs fail at once.
func (p Policy) backoff(attempts int) time.Duration {
	ceiling := float64(p.BaseDelay) * math.Pow(2, float64(attempts-1))
	if capped := float64(p.MaxDelay); ceiling > capped {
		ceiling = capped
	}
	if p.rand != nil {
		return time.Duration(p.rand.Float64() * ceiling)
	}
	return time.Duration(rand.Float64() * ceiling)
}
