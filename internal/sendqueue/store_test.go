package sendqueue

import (
	"log/slog"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		t.Fatalf("opening in-memory badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return &Service{
		db:             db,
		logger:         slog.Default(),
		batchCap:       batchCap,
		backoffCeiling: defaultBackoffCeiling,
		notifyCh:       make(chan struct{}, 1),
		doneCh:         make(chan struct{}),
		backoff:        newBackoffTable(defaultBackoffCeiling),
		active:         make(map[Destination]bool),
		pendingRetry:   make(map[Destination][][]byte),
		resultCh:       make(chan dispatchResult, 64),
	}
}

func TestEnqueueAndScanPending(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if err := s.enqueuePending(d, []byte("pdu-1")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}
	if err := s.enqueuePending(d, []byte("pdu-2")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}

	ids, err := s.scanPending(d, 10)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 pending ids, got %d", len(ids))
	}
}

func TestScanPending_RespectsLimit(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	for i := 0; i < 5; i++ {
		if err := s.enqueuePending(d, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueuePending: %v", err)
		}
	}

	ids, err := s.scanPending(d, 3)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 ids (limit), got %d", len(ids))
	}
}

func TestPromoteToInFlight(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if err := s.enqueuePending(d, []byte("pdu-1")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}

	ids, err := s.scanPending(d, 10)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if err := s.promoteToInFlight(d, ids); err != nil {
		t.Fatalf("promoteToInFlight: %v", err)
	}

	stillPending, err := s.scanPending(d, 10)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if len(stillPending) != 0 {
		t.Fatalf("expected pending to be empty after promotion, got %d", len(stillPending))
	}

	grouped, err := s.recoverInFlight()
	if err != nil {
		t.Fatalf("recoverInFlight: %v", err)
	}
	if len(grouped[d]) != 1 {
		t.Fatalf("expected 1 in_flight entry for %v, got %d", d, len(grouped[d]))
	}
}

func TestReserve_SecondCallFails(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	ok, err := s.reserve(d)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("expected first reservation to succeed")
	}

	ok, err = s.reserve(d)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("expected second reservation to fail while marker is held")
	}
}

func TestReleaseMarkerThenReserveAgain(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if ok, err := s.reserve(d); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}
	if err := s.releaseMarker(d); err != nil {
		t.Fatalf("releaseMarker: %v", err)
	}

	ok, err := s.reserve(d)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("expected reservation to succeed after release")
	}
}

func TestClearInFlight_KeepsMarker(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if err := s.enqueuePending(d, []byte("pdu-1")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}
	ids, _ := s.scanPending(d, 10)
	if err := s.promoteToInFlight(d, ids); err != nil {
		t.Fatalf("promoteToInFlight: %v", err)
	}

	if err := s.clearInFlight(d); err != nil {
		t.Fatalf("clearInFlight: %v", err)
	}

	grouped, err := s.recoverInFlight()
	if err != nil {
		t.Fatalf("recoverInFlight: %v", err)
	}
	if len(grouped[d]) != 0 {
		t.Fatalf("expected in_flight entries cleared, got %d", len(grouped[d]))
	}

	// Marker should still be held — a second reserve must fail.
	ok, err := s.reserve(d)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if ok {
		t.Fatal("expected marker to survive clearInFlight")
	}
}

func TestRecoverInFlight_DropsStaleMarker(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if ok, err := s.reserve(d); err != nil || !ok {
		t.Fatalf("reserve: ok=%v err=%v", ok, err)
	}

	// No in_flight PDU entries accompany the marker — it's stale.
	if _, err := s.recoverInFlight(); err != nil {
		t.Fatalf("recoverInFlight: %v", err)
	}

	ok, err := s.reserve(d)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !ok {
		t.Fatal("expected stale marker to have been released by recoverInFlight")
	}
}

func TestRecoverPendingDestinations_Dedupes(t *testing.T) {
	s := newTestService(t)
	d := Server("remote.example.com")

	if err := s.enqueuePending(d, []byte("pdu-1")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}
	if err := s.enqueuePending(d, []byte("pdu-2")); err != nil {
		t.Fatalf("enqueuePending: %v", err)
	}

	dests, err := s.recoverPendingDestinations()
	if err != nil {
		t.Fatalf("recoverPendingDestinations: %v", err)
	}
	if len(dests) != 1 {
		t.Fatalf("expected 1 distinct destination, got %d", len(dests))
	}
}
