package durable

import (
	"math"
	"time"
)

// RetryPolicy bounds how often a failing step is re-invoked.
type RetryPolicy struct {
	MaxAttempts        int           // total attempts including the first; 1 disables retry
	InitialInterval    time.Duration // delay before the second attempt
	BackoffCoefficient float64       // multiplier per attempt
	MaxInterval        time.Duration // ceiling for a single delay
}

// DefaultRetryPolicy is used for steps that do not set one.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    time.Second,
	BackoffCoefficient: 2.0,
	MaxInterval:        30 * time.Second,
}

// NoRetry runs a step exactly once.
var NoRetry = RetryPolicy{MaxAttempts: 1}

// StepOptions configures one step invocation.
type StepOptions struct {
	Timeout time.Duration // per attempt; zero means DefaultStepTimeout
	Retry   RetryPolicy   // zero value means DefaultRetryPolicy
}

// DefaultStepTimeout applies to steps without an explicit timeout.
const DefaultStepTimeout = time.Minute

func (o StepOptions) normalized() StepOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultStepTimeout
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = DefaultRetryPolicy
	}
	if o.Retry.BackoffCoefficient < 1 {
		o.Retry.BackoffCoefficient = 1
	}
	return o
}

// delay returns the wait before attempt (1-based, attempt >= 2).
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt < 2 || p.InitialInterval <= 0 {
		return 0
	}
	d := time.Duration(float64(p.InitialInterval) * math.Pow(p.BackoffCoefficient, float64(attempt-2)))
	if p.MaxInterval > 0 && d > p.MaxInterval {
		d = p.MaxInterval
	}
	return d
}
