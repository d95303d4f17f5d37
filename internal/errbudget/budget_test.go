package errbudget

import (
	"testing"
	"time"
)

func TestWindow_ExceedsAtThreshold(t *testing.T) {
	w := New(3, time.Minute)
	now := time.Now()

	if w.RecordFailure(now) {
		t.Fatalf("exceeded after 1 failure, want false")
	}
	if w.RecordFailure(now.Add(time.Second)) {
		t.Fatalf("exceeded after 2 failures, want false")
	}
	if !w.RecordFailure(now.Add(2 * time.Second)) {
		t.Fatalf("exceeded after 3 failures, want true")
	}
	if w.Count() != 3 {
		t.Errorf("count = %d, want 3", w.Count())
	}
}

func TestWindow_ResetsAfterGapLongerThanWindow(t *testing.T) {
	w := New(2, 10*time.Second)
	now := time.Now()

	w.RecordFailure(now)
	w.RecordFailure(now.Add(time.Second))
	if w.Count() != 2 {
		t.Fatalf("count = %d, want 2", w.Count())
	}

	exceeded := w.RecordFailure(now.Add(30 * time.Second))
	if exceeded {
		t.Errorf("expected the window to have reset, not exceeded")
	}
	if w.Count() != 1 {
		t.Errorf("count = %d, want 1 after reset", w.Count())
	}
}

func TestWindow_ResetZeroesCount(t *testing.T) {
	w := New(1, time.Minute)
	w.RecordFailure(time.Now())
	w.Reset()
	if w.Count() != 0 {
		t.Errorf("count = %d, want 0 after Reset", w.Count())
	}
}
