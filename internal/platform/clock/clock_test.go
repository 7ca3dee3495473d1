package clock

import (
	"testing"
	"time"
)

func TestManualAfterAdvancesAndRecords(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := NewManual(start)

	fired := <-c.After(2 * time.Second)
	if !fired.Equal(start.Add(2 * time.Second)) {
		t.Fatalf("fired = %s", fired)
	}
	c.Advance(time.Minute)
	if got := c.Now(); !got.Equal(start.Add(time.Minute + 2*time.Second)) {
		t.Fatalf("now = %s", got)
	}
	waits := c.Waits()
	if len(waits) != 1 || waits[0] != 2*time.Second {
		t.Fatalf("waits = %v", waits)
	}
}

func TestSystemClockMovesForward(t *testing.T) {
	var c Clock = System{}
	before := c.Now()
	<-c.After(time.Millisecond)
	if !c.Now().After(before) {
		t.Fatal("expected system clock to advance")
	}
}
