package steps

import (
	"errors"
	"math"
	"time"
)

// MaxInlinePayload bounds a step output stored in the journal. Larger values
// must go through the blob store and be passed as a handle.
const MaxInlinePayload = 64 << 10

// ErrNotReady is returned by a step that wants to be re-run later without
// counting as a failure, such as a batch poll that is still pending.
var ErrNotReady = errors.New("step not ready")

// RetryPolicy describes how often and how far apart a step is re-attempted.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultRetry applies to steps without a specific policy.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   30 * time.Second,
	Factor:      2,
	MaxDelay:    10 * time.Minute,
}

// PollPolicy governs embedding batch polling.
var PollPolicy = RetryPolicy{
	MaxAttempts: 120,
	BaseDelay:   60 * time.Second,
	Factor:      1.5,
	MaxDelay:    15 * time.Minute,
}

// Delay returns the wait before the attempt following attempt (1-based).
// Delays never decrease and never exceed MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt used up the policy.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain declares itself permanent.
func IsPermanent(err error) bool {
	for err != nil {
		if p, ok := err.(interface{ Permanent() bool }); ok && p.Permanent() {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, e := range u.Unwrap() {
				if IsPermanent(e) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}
