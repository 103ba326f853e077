package shared

import (
	"testing"
	"time"
)

func TestRandomDelay_Bounds(t *testing.T) {
	for i := 0; i < 200; i++ {
		d := RandomDelay(900*time.Millisecond, 1600*time.Millisecond)
		if d < 900*time.Millisecond || d >= 1600*time.Millisecond {
			t.Fatalf("delay %s out of range", d)
		}
	}
	if d := RandomDelay(time.Second, time.Second); d != time.Second {
		t.Fatalf("degenerate range should return min, got %s", d)
	}
	if Millis(1200) != 1200*time.Millisecond {
		t.Fatal("millis conversion")
	}
}
