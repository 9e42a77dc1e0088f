package task

import "time"

// RetrySpec describes how failed attempts are rescheduled. The zero value
// means no retries. The JSON shape is part of the task row and must stay
// stable across releases.
type RetrySpec struct {
	// Kind is "exponential" or "fixed".
	Kind string `json:"kind"`
	// BaseSeconds is the first retry delay.
	BaseSeconds float64 `json:"baseSeconds"`
	// Factor multiplies the delay after each attempt. Exponential only.
	Factor float64 `json:"factor,omitempty"`
	// MaxSeconds caps the delay. Exponential only; zero means uncapped.
	MaxSeconds float64 `json:"maxSeconds,omitempty"`
}

const (
	retryKindExponential = "exponential"
	retryKindFixed       = "fixed"
)

// Exponential builds a retry spec whose delay starts at base and multiplies
// by factor after every failed attempt, capped at max. A factor below 1 is
// treated as 1.
func Exponential(base time.Duration, factor float64, max time.Duration) RetrySpec {
	if factor < 1 {
		factor = 1
	}
	return RetrySpec{
		Kind:        retryKindExponential,
		BaseSeconds: base.Seconds(),
		Factor:      factor,
		MaxSeconds:  max.Seconds(),
	}
}

// Fixed builds a retry spec with a constant delay between attempts.
func Fixed(interval time.Duration) RetrySpec {
	return RetrySpec{
		Kind:        retryKindFixed,
		BaseSeconds: interval.Seconds(),
	}
}

// Delay returns how long to wait before the attempt following the given
// failed attempt count. attempt is 1 after the first failure. A zero spec
// returns 0.
func (r RetrySpec) Delay(attempt int) time.Duration {
	if r.BaseSeconds <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	secs := r.BaseSeconds
	if r.Kind == retryKindExponential {
		factor := r.Factor
		if factor < 1 {
			factor = 1
		}
		for i := 1; i < attempt; i++ {
			secs *= factor
			if r.MaxSeconds > 0 && secs >= r.MaxSeconds {
				secs = r.MaxSeconds
				break
			}
		}
		if r.MaxSeconds > 0 && secs > r.MaxSeconds {
			secs = r.MaxSeconds
		}
	}
	return time.Duration(secs * float64(time.Second))
}
