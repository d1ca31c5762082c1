package clock

import (
	"testing"
	"time"
)

func TestSimulatedClock(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	c := NewSimulatedClock(start)
	if !c.Now().Equal(start) {
		t.Errorf("Now = %v, want %v", c.Now(), start)
	}

	c.Advance(25 * time.Hour)
	want := start.Add(25 * time.Hour)
	if !c.Now().Equal(want) {
		t.Errorf("Now = %v after advance, want %v", c.Now(), want)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("Now = %v after set, want %v", c.Now(), start)
	}
}

func TestSystemClock(t *testing.T) {
	before := time.Now()
	got := NewSystemClock().Now()
	if got.Before(before) {
		t.Errorf("system clock went backwards: %v < %v", got, before)
	}
}
