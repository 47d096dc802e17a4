// Package backoff provides retry delay policies for job execution.
// A Policy is a serializable value (it rides along in queue configuration
// and per-job overrides) and computing a delay is a pure function of the
// attempt number, so retry behavior is testable independent of timers.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Kind names a delay formula.
type Kind string

const (
	// KindFixed applies the same delay on every retry.
	KindFixed Kind = "fixed"

	// KindExponential doubles the delay each retry up to a cap, with
	// ±10% uniform jitter to avoid synchronized retry storms across
	// jobs that failed together.
	KindExponential Kind = "exponential"
)

// jitterFraction bounds the uniform jitter applied to exponential delays.
const jitterFraction = 0.1

// Policy describes the delay between retry attempts.
// The zero Policy is "unset"; callers fall back to the queue default.
type Policy struct {
	Kind Kind          `json:"kind"`
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max,omitempty"`
}

// Fixed returns a constant-delay policy.
func Fixed(delay time.Duration) Policy {
	return Policy{Kind: KindFixed, Base: delay}
}

// Exponential returns a doubling policy capped at maxDelay.
func Exponential(base, maxDelay time.Duration) Policy {
	return Policy{Kind: KindExponential, Base: base, Max: maxDelay}
}

// Default returns the policy used when neither the job nor its queue
// sets one: exponential with 1s base and 1m cap.
func Default() Policy {
	return Exponential(1*time.Second, 1*time.Minute)
}

// IsZero reports whether the policy is unset.
func (p Policy) IsZero() bool {
	return p.Kind == "" && p.Base == 0 && p.Max == 0
}

// Or returns p if set, otherwise fallback.
func (p Policy) Or(fallback Policy) Policy {
	if p.IsZero() {
		return fallback
	}
	return p
}

// Validate checks the policy for use in queue or job configuration.
func (p Policy) Validate() error {
	switch p.Kind {
	case KindFixed, KindExponential:
	default:
		return fmt.Errorf("backoff: unknown kind %q", p.Kind)
	}
	if p.Base <= 0 {
		return fmt.Errorf("backoff: base must be positive, got %s", p.Base)
	}
	if p.Max < 0 {
		return fmt.Errorf("backoff: max must be non-negative, got %s", p.Max)
	}
	if p.Max > 0 && p.Max < p.Base {
		return fmt.Errorf("backoff: max %s below base %s", p.Max, p.Base)
	}
	return nil
}

// BaseDelay returns the pre-jitter delay before retry attempt n
// (1-indexed; attempt 1 is the first retry after the initial failure).
// Fixed: Base. Exponential: min(Base * 2^(n-1), Max).
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	switch p.Kind {
	case KindFixed:
		return p.Base
	case KindExponential:
		d := time.Duration(float64(p.Base) * math.Pow(2, float64(attempt-1)))
		if d < 0 {
			// Overflowed past the int64 range.
			d = p.Max
		}
		if p.Max > 0 && d > p.Max {
			d = p.Max
		}
		return d
	default:
		return Default().BaseDelay(attempt)
	}
}

// Delay returns the delay before retry attempt n. Exponential policies
// get ±10% uniform jitter; fixed policies return Base exactly.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay(attempt)
	if p.Kind == KindFixed {
		return d
	}
	return jitter(d)
}

// jitter spreads d uniformly across [0.9d, 1.1d].
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	f := 1 - jitterFraction + 2*jitterFraction*rand.Float64() //nolint:gosec // jitter intentionally uses non-crypto rand
	return time.Duration(float64(d) * f)
}
