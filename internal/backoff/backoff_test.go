package backoff

import (
	"testing"
	"time"
)

func TestWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := WithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := WithJitter(base, max, 3)
	if b3 < 2*time.Second || b3 > 4*time.Second {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for attempt := 1; attempt < 70; attempt++ {
		if b := WithJitter(base, max, attempt); b < 0 || b > max {
			t.Fatalf("attempt %d: backoff %s exceeds cap", attempt, b)
		}
	}

	if got := WithJitter(base, max, 0); got != base {
		t.Fatalf("expected base for attempt 0, got %s", got)
	}
}
