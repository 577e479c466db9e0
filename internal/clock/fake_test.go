package clock

import (
	"testing"
	"time"
)

func TestFakeNowAdvance(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	c := Fake(start)
	if got := c.Now(); !got.Equal(start) {
		t.Fatalf("Now = %v, want %v", got, start)
	}
	c.Advance(90 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(90 * time.Second)) {
		t.Fatalf("Now after Advance = %v", got)
	}
}

func TestFakeTickerFiresOnAdvance(t *testing.T) {
	c := Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	select {
	case <-tk.C:
		t.Fatal("ticker fired before the clock moved")
	default:
	}

	c.Advance(time.Minute)
	select {
	case <-tk.C:
	default:
		t.Fatal("ticker did not fire after one interval")
	}

	// Three intervals with nobody reading: only one tick is buffered.
	c.Advance(3 * time.Minute)
	<-tk.C
	select {
	case <-tk.C:
		t.Fatal("ticker queued more than one tick")
	default:
	}
}

func TestFakeTickerStop(t *testing.T) {
	c := Fake(time.Now())
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(time.Hour)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}
