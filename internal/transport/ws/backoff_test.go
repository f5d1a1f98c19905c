package ws

import (
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	b := newBackoff(time.Second, 8*time.Second, 0)

	var prev time.Duration
	for i := 0; i < 10; i++ {
		d := b.next()
		if d > 8*time.Second {
			t.Fatalf("attempt %d exceeded cap: %v", i, d)
		}
		if i > 0 && i < 3 && d < prev {
			t.Fatalf("delay shrank before the cap: %v then %v", prev, d)
		}
		prev = d
	}
}

func TestBackoffStopsAfterMaxAttempts(t *testing.T) {
	b := newBackoff(time.Millisecond, time.Second, 3)

	for i := 0; i < 3; i++ {
		if !b.shouldRetry() {
			t.Fatalf("gave up after %d attempts", i)
		}
		b.next()
	}
	if b.shouldRetry() {
		t.Fatal("expected retries exhausted")
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	b := newBackoff(time.Second, time.Minute, 0)
	for i := 0; i < 5; i++ {
		b.next()
	}

	b.connectedAt = time.Now().Add(-2 * time.Minute)
	d := b.next()
	// attempt was reset, so the delay is back near base
	if d > 2*time.Second {
		t.Fatalf("expected reset delay near base, got %v", d)
	}
}
