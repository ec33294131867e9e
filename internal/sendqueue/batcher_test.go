package sendqueue

import "testing"

func TestDrainBatch_EmptyWhenNoPending(t *testing.T) {
	s := newTestService(t)
	ids, err := s.drainBatch(Server("example.com"))
	if err != nil {
		t.Fatalf("drainBatch: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no ids, got %d", len(ids))
	}
}

func TestDrainBatch_MigratesToInFlight(t *testing.T) {
	s := newTestService(t)
	d := Server("example.com")

	for i := 0; i < 5; i++ {
		if err := s.enqueuePending(d, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueuePending: %v", err)
		}
	}

	ids, err := s.drainBatch(d)
	if err != nil {
		t.Fatalf("drainBatch: %v", err)
	}
	if len(ids) != 5 {
		t.Fatalf("expected 5 ids, got %d", len(ids))
	}

	remaining, err := s.scanPending(d, 10)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected pending drained, got %d remaining", len(remaining))
	}

	grouped, err := s.recoverInFlight()
	if err != nil {
		t.Fatalf("recoverInFlight: %v", err)
	}
	if len(grouped[d]) != 5 {
		t.Fatalf("expected 5 in_flight entries, got %d", len(grouped[d]))
	}
}

func TestDrainBatch_CapsAtBatchCap(t *testing.T) {
	s := newTestService(t)
	s.batchCap = 3
	d := Server("example.com")

	for i := 0; i < 10; i++ {
		if err := s.enqueuePending(d, []byte{byte(i)}); err != nil {
			t.Fatalf("enqueuePending: %v", err)
		}
	}

	ids, err := s.drainBatch(d)
	if err != nil {
		t.Fatalf("drainBatch: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected batch capped at 3, got %d", len(ids))
	}

	remaining, err := s.scanPending(d, 100)
	if err != nil {
		t.Fatalf("scanPending: %v", err)
	}
	if len(remaining) != 7 {
		t.Fatalf("expected 7 ids left pending, got %d", len(remaining))
	}
}
