package backoff

import (
	"math"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		initial time.Duration
		max     time.Duration
		want    time.Duration
	}{
		{"first attempt", 0, time.Second, 30 * time.Second, time.Second},
		{"doubles", 1, time.Second, 30 * time.Second, 2 * time.Second},
		{"doubles again", 3, time.Second, 30 * time.Second, 8 * time.Second},
		{"clamped", 5, time.Second, 30 * time.Second, 30 * time.Second},
		{"exact cap", 4, 2 * time.Second, 32 * time.Second, 32 * time.Second},
		{"huge attempt", math.MaxInt, time.Second, time.Minute, time.Minute},
		{"negative attempt", -3, time.Second, time.Minute, time.Second},
		{"initial above max", 0, time.Minute, time.Second, time.Second},
		{"zero initial", 4, 0, time.Second, 0},
		{"negative initial", 2, -time.Second, time.Second, 0},
		{"zero max", 2, time.Second, 0, 0},
		{"max duration", 100, time.Nanosecond, time.Duration(math.MaxInt64), time.Duration(math.MaxInt64)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := NextDelay(tc.attempt, tc.initial, tc.max); got != tc.want {
				t.Errorf("NextDelay(%d, %v, %v) = %v, want %v", tc.attempt, tc.initial, tc.max, got, tc.want)
			}
		})
	}
}

func TestNextDelay_BoundedAndMonotonic(t *testing.T) {
	t.Parallel()

	bounds := []struct{ initial, max time.Duration }{
		{time.Millisecond, time.Second},
		{2 * time.Second, 60 * time.Second},
		{3 * time.Second, 7 * time.Second},
		{time.Nanosecond, time.Hour},
	}
	for _, b := range bounds {
		prev := time.Duration(0)
		for attempt := 0; attempt < 200; attempt++ {
			d := NextDelay(attempt, b.initial, b.max)
			if d < 0 {
				t.Fatalf("NextDelay(%d, %v, %v) = %v, negative", attempt, b.initial, b.max, d)
			}
			if d > b.max {
				t.Fatalf("NextDelay(%d, %v, %v) = %v, exceeds max", attempt, b.initial, b.max, d)
			}
			if d < prev {
				t.Fatalf("NextDelay(%d, %v, %v) = %v, decreased from %v", attempt, b.initial, b.max, d, prev)
			}
			prev = d
		}
		if prev != b.max {
			t.Errorf("delay never reached max %v (last %v)", b.max, prev)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	for maxAttempts := -2; maxAttempts <= 6; maxAttempts++ {
		for attempt := 0; attempt <= 10; attempt++ {
			want := maxAttempts > 0 && attempt < maxAttempts
			if got := ShouldRetry(attempt, maxAttempts); got != want {
				t.Errorf("ShouldRetry(%d, %d) = %v, want %v", attempt, maxAttempts, got, want)
			}
		}
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	p := Policy{Initial: 2 * time.Second, Max: 60 * time.Second, MaxAttempts: 3}
	if got := p.Delay(2); got != 8*time.Second {
		t.Errorf("Delay(2) = %v, want 8s", got)
	}
	if !p.Retry(2) {
		t.Error("Retry(2) = false, want true")
	}
	if p.Retry(3) {
		t.Error("Retry(3) = true, want false")
	}
}
