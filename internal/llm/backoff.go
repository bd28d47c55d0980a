package llm

import (
	"crypto/sha256"
	"encoding/binary"
	"time"
)

// RetryClass buckets a failed attempt for backoff purposes. Rate limits wait
// longest, transport flakes less, schema/JSON corrections least.
type RetryClass int

const (
	ClassOther RetryClass = iota
	ClassRateLimit
	ClassNetwork
	ClassValidation
)

func (c RetryClass) String() string {
	switch c {
	case ClassRateLimit:
		return "rate_limit"
	case ClassNetwork:
		return "network"
	case ClassValidation:
		return "validation"
	default:
		return "other"
	}
}

const maxRetryDelay = 40 * time.Second

// baseDelay returns the class-specific first-attempt delay.
func baseDelay(c RetryClass) time.Duration {
	switch c {
	case ClassRateLimit:
		return 5 * time.Second
	case ClassNetwork:
		return 3 * time.Second
	case ClassValidation:
		return 2 * time.Second
	default:
		return time.Second
	}
}

// ClassifyError maps a completion error onto its retry class. Validation
// failures never reach this function; the worker assigns ClassValidation
// directly when the response fails sanitization or the schema.
func ClassifyError(err error) RetryClass {
	switch {
	case IsRateLimited(err):
		return ClassRateLimit
	case IsTimeout(err):
		return ClassNetwork
	default:
		return ClassOther
	}
}

// DelayForAttempt computes the wait before retry number attempt (1-indexed):
// base(class) doubled per prior attempt, capped, with deterministic seeded
// jitter in [0.5x, 1.5x] so concurrent workers retrying the same upstream
// incident fan out instead of stampeding.
func DelayForAttempt(class RetryClass, attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := baseDelay(class) << (attempt - 1)
	if d > maxRetryDelay || d <= 0 {
		d = maxRetryDelay
	}
	// Apply jitter after capping.
	m := 0.5 + jitterUnit(seed)
	d = time.Duration(float64(d) * m)
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}

// RetryDelay is DelayForAttempt with the provider's Retry-After honored as a
// floor when present.
func RetryDelay(err error, class RetryClass, attempt int, seed string) time.Duration {
	d := DelayForAttempt(class, attempt, seed)
	var le Error
	if asLLMError(err, &le) {
		if ra := le.RetryAfter(); ra != nil && *ra > d {
			d = *ra
		}
	}
	return d
}

func asLLMError(err error, target *Error) bool {
	for err != nil {
		if le, ok := err.(Error); ok {
			*target = le
			return true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}
