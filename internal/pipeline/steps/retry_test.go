package steps

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_Delay(t *testing.T) {
	tests := []struct {
		name    string
		policy  RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"first poll", PollPolicy, 1, 60 * time.Second},
		{"second poll", PollPolicy, 2, 90 * time.Second},
		{"third poll", PollPolicy, 3, 135 * time.Second},
		{"poll capped", PollPolicy, 40, 15 * time.Minute},
		{"zero attempt treated as first", DefaultRetry, 0, 30 * time.Second},
		{"default doubles", DefaultRetry, 3, 2 * time.Minute},
		{"default capped", DefaultRetry, 10, 10 * time.Minute},
		{"no cap", RetryPolicy{BaseDelay: time.Second, Factor: 2}, 4, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.attempt))
		})
	}
}

func TestRetryPolicy_DelaysNonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= PollPolicy.MaxAttempts; attempt++ {
		d := PollPolicy.Delay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, PollPolicy.MaxDelay)
		prev = d
	}
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, RetryPolicy{}.Exhausted(100))
}

type providerError struct{ permanent bool }

func (e *providerError) Error() string   { return "provider" }
func (e *providerError) Permanent() bool { return e.permanent }

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(errors.New("boom")))
	assert.True(t, IsPermanent(Permanent(errors.New("boom"))))
	assert.Nil(t, Permanent(nil))

	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", &providerError{permanent: true})))
	assert.False(t, IsPermanent(fmt.Errorf("wrapped: %w", &providerError{permanent: false})))
	assert.True(t, IsPermanent(errors.Join(errors.New("a"), Permanent(errors.New("b")))))

	inner := errors.New("inner")
	assert.ErrorIs(t, Permanent(inner), inner)
}
