package llm

import (
	"errors"
	"testing"
	"time"
)

func TestDelayForAttempt_DoublesPerAttempt(t *testing.T) {
	// Jitter is deterministic per seed; compare ratios instead of absolutes.
	d1 := DelayForAttempt(ClassValidation, 1, "seed")
	d2 := DelayForAttempt(ClassValidation, 2, "seed")
	d3 := DelayForAttempt(ClassValidation, 3, "seed")
	if d2 != 2*d1 || d3 != 4*d1 {
		t.Fatalf("expected doubling: %v %v %v", d1, d2, d3)
	}
}

func TestDelayForAttempt_Cap(t *testing.T) {
	for attempt := 1; attempt <= 30; attempt++ {
		if d := DelayForAttempt(ClassRateLimit, attempt, "seed"); d > maxRetryDelay {
			t.Fatalf("attempt %d: %v exceeds cap", attempt, d)
		}
	}
}

func TestDelayForAttempt_ClassOrdering(t *testing.T) {
	// Same seed, same attempt: rate-limit > network > validation > other.
	rl := DelayForAttempt(ClassRateLimit, 1, "s")
	nw := DelayForAttempt(ClassNetwork, 1, "s")
	va := DelayForAttempt(ClassValidation, 1, "s")
	ot := DelayForAttempt(ClassOther, 1, "s")
	if !(rl > nw && nw > va && va > ot) {
		t.Fatalf("class ordering violated: %v %v %v %v", rl, nw, va, ot)
	}
}

func TestDelayForAttempt_JitterDeterministicAndBounded(t *testing.T) {
	a := DelayForAttempt(ClassOther, 1, "seed-a")
	if b := DelayForAttempt(ClassOther, 1, "seed-a"); b != a {
		t.Fatalf("same seed must be deterministic: %v vs %v", a, b)
	}
	if a < 500*time.Millisecond || a > 1500*time.Millisecond {
		t.Fatalf("jitter out of [0.5s, 1.5s] for 1s base: %v", a)
	}
	if c := DelayForAttempt(ClassOther, 1, "seed-b"); c == a {
		t.Fatalf("different seeds should diverge (got %v twice)", c)
	}
}

func TestClassifyError(t *testing.T) {
	rl := ErrorFromHTTPStatus("openai", 429, "slow down", nil)
	if ClassifyError(rl) != ClassRateLimit {
		t.Fatal("429 should classify as rate limit")
	}
	to := NewNetworkError("openai", errors.New("dial tcp: i/o timeout"))
	if ClassifyError(to) != ClassNetwork {
		t.Fatal("transport failure should classify as network")
	}
	srv := ErrorFromHTTPStatus("openai", 500, "boom", nil)
	if ClassifyError(srv) != ClassOther {
		t.Fatal("500 should classify as other")
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	ra := 25 * time.Second
	err := ErrorFromHTTPStatus("openai", 429, "slow down", &ra)
	d := RetryDelay(err, ClassRateLimit, 1, "seed")
	if d < ra {
		t.Fatalf("Retry-After should be a floor: got %v want >= %v", d, ra)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{400, false}, {401, false}, {403, false}, {404, false},
		{408, true}, {413, false}, {429, true},
		{500, true}, {502, true}, {503, true}, {504, true},
		{418, true}, // unknown defaults retryable
	}
	for _, tt := range tests {
		err := ErrorFromHTTPStatus("p", tt.status, "", nil)
		var le Error
		if !asLLMError(err, &le) {
			t.Fatalf("status %d: not an llm.Error", tt.status)
		}
		if le.Retryable() != tt.retryable {
			t.Fatalf("status %d: retryable=%v want %v", tt.status, le.Retryable(), tt.retryable)
		}
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	if d := ParseRetryAfter("7", now); d == nil || *d != 7*time.Second {
		t.Fatalf("got %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty should be nil, got %v", d)
	}
	if d := ParseRetryAfter("garbage", now); d != nil {
		t.Fatalf("garbage should be nil, got %v", d)
	}
}
