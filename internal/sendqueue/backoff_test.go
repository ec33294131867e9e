package sendqueue

import (
	"testing"
	"time"
)

func TestBackoffTable_AdmitsFreshDestination(t *testing.T) {
	b := newBackoffTable(time.Hour)
	if !b.admitted(Server("example.com"), time.Now()) {
		t.Fatal("expected fresh destination to be admitted")
	}
}

func TestBackoffTable_WindowGrowsQuadratically(t *testing.T) {
	b := newBackoffTable(24 * time.Hour)
	if got, want := b.window(1), 60*time.Second; got != want {
		t.Fatalf("window(1) = %v, want %v", got, want)
	}
	if got, want := b.window(2), 240*time.Second; got != want {
		t.Fatalf("window(2) = %v, want %v", got, want)
	}
	if got, want := b.window(10), 6000*time.Second; got != want {
		t.Fatalf("window(10) = %v, want %v", got, want)
	}
}

func TestBackoffTable_WindowCapsAtCeiling(t *testing.T) {
	b := newBackoffTable(time.Minute)
	if got := b.window(100); got != time.Minute {
		t.Fatalf("window(100) = %v, want ceiling %v", got, time.Minute)
	}
}

func TestBackoffTable_RejectsWithinWindow(t *testing.T) {
	b := newBackoffTable(time.Hour)
	d := Server("example.com")
	now := time.Now()

	b.recordFailure(d, now)
	if b.admitted(d, now.Add(1*time.Second)) {
		t.Fatal("expected destination to be rejected within its backoff window")
	}
}

func TestBackoffTable_AdmitsAfterWindowElapses(t *testing.T) {
	b := newBackoffTable(time.Hour)
	d := Server("example.com")
	now := time.Now()

	b.recordFailure(d, now)
	if !b.admitted(d, now.Add(61*time.Second)) {
		t.Fatal("expected destination to be admitted once its window has elapsed")
	}
}

func TestBackoffTable_ClearResetsFailureCount(t *testing.T) {
	b := newBackoffTable(time.Hour)
	d := Server("example.com")
	now := time.Now()

	b.recordFailure(d, now)
	b.recordFailure(d, now)
	b.clear(d)

	if !b.admitted(d, now) {
		t.Fatal("expected destination admitted immediately after clear")
	}
}
