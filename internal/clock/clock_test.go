package clock

import (
	"testing"
	"time"
)

func TestSystemClockNow(t *testing.T) {
	clk := SystemClock{}
	before := time.Now()
	now := clk.Now()
	after := time.Now()
	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestMockClockAdvanceFiresTimer(t *testing.T) {
	clk := NewMockClock(time.Unix(1000, 0))
	timer := clk.NewTimer(5 * time.Second)

	clk.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	clk.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("timer did not fire")
	}
}

func TestMockClockTicker(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))
	ticker := clk.NewTicker(10 * time.Second)
	defer ticker.Stop()

	clk.Advance(10 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("ticker did not fire")
	}
}

func TestSourceToEpochMillis(t *testing.T) {
	clk := NewMockClock(time.UnixMilli(1_700_000_000_000))
	src := NewSource(clk)

	if got := src.ToEpochMillis(0); got != 1_700_000_000_000 {
		t.Errorf("ToEpochMillis(0) = %v, want 1700000000000", got)
	}
	if got := src.ToEpochMillis(2.5); got != 1_700_000_002_500 {
		t.Errorf("ToEpochMillis(2.5) = %v, want 1700000002500", got)
	}
}

func TestSourceResyncOnJump(t *testing.T) {
	clk := NewMockClock(time.UnixMilli(1_700_000_000_000))
	src := NewSource(clk)

	// Advance keeps wall and monotonic in lockstep; no adjustment expected.
	clk.Advance(time.Minute)
	if delta := src.resync(); delta != 0 {
		t.Errorf("resync() = %v after coherent advance, want 0", delta)
	}

	// Jump the wall clock without advancing the monotonic origin: the source's
	// start reference stays put, so Set simulates an NTP step.
	before := src.ToEpochMillis(src.Monotonic())
	clk.Set(clk.Now().Add(2 * time.Minute))
	delta := src.resync()
	if delta == 0 {
		t.Fatal("resync() = 0 after 2 minute wall jump")
	}

	// Adjustment equals observed drift, rounded to ms.
	wallNow := float64(clk.Now().UnixMilli())
	monoNow := src.Monotonic()
	if got := src.ToEpochMillis(monoNow); got != wallNow {
		t.Errorf("post-resync ToEpochMillis = %v, want %v", got, wallNow)
	}
	if before >= src.ToEpochMillis(monoNow) {
		t.Error("epoch mapping went backwards across adjustment")
	}
}

func TestSourceFrozenSkipsResync(t *testing.T) {
	clk := NewMockClock(time.UnixMilli(1_700_000_000_000))
	src := NewSource(clk)
	src.Freeze()

	clk.Set(clk.Now().Add(10 * time.Minute))
	if delta := src.resync(); delta != 0 {
		t.Errorf("resync() = %v on frozen source, want 0", delta)
	}
}
