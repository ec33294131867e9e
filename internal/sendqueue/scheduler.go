package sendqueue

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the single scheduler goroutine and blocks until ctx is
// cancelled. It first replays crash recovery (spec.md §4.7): any destination
// left with in-flight entries from a prior run is redispatched immediately
// (the reservation marker already holds their FIFO slot), then every
// destination with pending-only work is considered for a fresh reservation.
// Call this in its own goroutine; Close still releases the Badger handle
// independently once Start returns.
func (s *Service) Start(ctx context.Context) error {
	defer close(s.doneCh)

	inFlight, err := s.recoverInFlight()
	if err != nil {
		return err
	}
	for dest, pduIDs := range inFlight {
		s.beginDispatch(ctx, dest, pduIDs)
	}

	pendingDests, err := s.recoverPendingDestinations()
	if err != nil {
		return err
	}
	for _, dest := range pendingDests {
		s.tryReserveAndDispatch(ctx, dest)
	}

	s.run(ctx)
	return nil
}

// run is the scheduler's steady-state loop: it reacts to new pending
// enqueues and to dispatch completions. There is exactly one goroutine in
// this loop for the life of the Service, so all scheduling decisions
// (reservation, batch draining, backoff bookkeeping) are made from one
// goroutine; the only locks taken are activeMu (for the active set and
// pendingRetry) and those inside store.go and backoff.go.
func (s *Service) run(ctx context.Context) {
	// backoffPoll re-scans pending destinations periodically so a
	// destination sitting out its backoff window gets retried even without
	// a fresh enqueue to wake the scheduler.
	backoffPoll := time.NewTicker(5 * time.Second)
	defer backoffPoll.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.notifyCh:
			s.scheduleIdleDestinations(ctx)

		case res := <-s.resultCh:
			s.handleDispatchResult(ctx, res)

		case <-backoffPoll.C:
			s.scheduleIdleDestinations(ctx)
		}
	}
}

// scheduleIdleDestinations redispatches any destination whose backoff window
// has elapsed since its last failure, then attempts a fresh reservation for
// every destination with pending work not already dispatching. Retries take
// priority so a destination with both a stalled retry and newly arrived
// pending work resumes in the order it failed, not the order new work
// showed up (per-destination FIFO — spec.md §4.2).
func (s *Service) scheduleIdleDestinations(ctx context.Context) {
	for _, dest := range s.readyRetries() {
		s.redispatchRetry(ctx, dest)
	}

	dests, err := s.recoverPendingDestinations()
	if err != nil {
		s.logger.Error("failed to scan pending destinations", slog.String("error", err.Error()))
		return
	}
	for _, dest := range dests {
		s.tryReserveAndDispatch(ctx, dest)
	}
}

// readyRetries returns destinations with a stashed failed batch whose
// backoff window has elapsed and which are not currently dispatching.
func (s *Service) readyRetries() []Destination {
	now := time.Now()
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	var ready []Destination
	for dest := range s.pendingRetry {
		if s.active[dest] {
			continue
		}
		if s.backoff.admitted(dest, now) {
			ready = append(ready, dest)
		}
	}
	return ready
}

// redispatchRetry redispatches the pduIDs stashed for dest by its last
// failed attempt. The reservation marker was never released for dest, so no
// new reserve call is needed.
func (s *Service) redispatchRetry(ctx context.Context, dest Destination) {
	s.activeMu.Lock()
	ids, ok := s.pendingRetry[dest]
	if ok {
		delete(s.pendingRetry, dest)
	}
	s.activeMu.Unlock()
	if !ok {
		return
	}
	s.beginDispatch(ctx, dest, ids)
}

// tryReserveAndDispatch reserves d (skipping destinations already
// dispatching or still inside their backoff window) and, on success, drains
// one batch and begins dispatch.
func (s *Service) tryReserveAndDispatch(ctx context.Context, d Destination) {
	if s.isActive(d) {
		return
	}
	if !s.backoff.admitted(d, time.Now()) {
		return
	}
	ok, err := s.reserve(d)
	if err != nil {
		s.logger.Error("failed to reserve destination", slog.String("destination", d.String()), slog.String("error", err.Error()))
		return
	}
	if !ok {
		return
	}
	s.drainAndDispatch(ctx, d)
}

// drainAndDispatch pulls one batch of pending PDUs for d (the reservation
// marker must already be held by the caller) and, if non-empty, begins
// dispatch; an empty batch means another goroutine already drained
// everything, so the marker is released immediately.
func (s *Service) drainAndDispatch(ctx context.Context, d Destination) {
	ids, err := s.drainBatch(d)
	if err != nil {
		s.logger.Error("failed to drain batch", slog.String("destination", d.String()), slog.String("error", err.Error()))
		if relErr := s.releaseMarker(d); relErr != nil {
			s.logger.Error("failed to release marker after drain failure", slog.String("error", relErr.Error()))
		}
		return
	}
	if len(ids) == 0 {
		if relErr := s.releaseMarker(d); relErr != nil {
			s.logger.Error("failed to release marker on empty drain", slog.String("error", relErr.Error()))
		}
		return
	}
	s.beginDispatch(ctx, d, ids)
}

// beginDispatch marks d active and launches its dispatch goroutine.
func (s *Service) beginDispatch(ctx context.Context, d Destination, pduIDs [][]byte) {
	s.setActive(d, true)
	go s.dispatch(ctx, d, pduIDs, s.resultCh)
}

// handleDispatchResult applies a completed dispatch's outcome: on success,
// the in-flight entries are cleared, backoff state resets, and — if more
// pending work arrived while this transaction was in flight — the next
// batch is drained under the same reservation without releasing it in
// between (spec.md §4.3, §4.7 "continuation"). On failure, the in-flight
// entries are left in place in Badger (they still hold the crash-recovery
// guarantee) and their ids are stashed in pendingRetry so the next admitted
// window redispatches the identical batch — the reservation marker is never
// released, so no other goroutine can jump the destination's FIFO queue
// while a retry is pending (spec.md §4.5).
func (s *Service) handleDispatchResult(ctx context.Context, res dispatchResult) {
	s.setActive(res.dest, false)

	if res.err != nil {
		s.logger.Warn("transaction delivery failed",
			slog.String("destination", res.dest.String()),
			slog.String("error", res.err.Error()),
		)
		s.backoff.recordFailure(res.dest, time.Now())
		s.activeMu.Lock()
		s.pendingRetry[res.dest] = res.pduIDs
		s.activeMu.Unlock()
		return
	}

	s.backoff.clear(res.dest)
	if err := s.clearInFlight(res.dest); err != nil {
		s.logger.Error("failed to clear in_flight entries", slog.String("destination", res.dest.String()), slog.String("error", err.Error()))
	}

	ids, err := s.scanPending(res.dest, 1)
	if err != nil {
		s.logger.Error("failed to scan pending after success", slog.String("error", err.Error()))
		if relErr := s.releaseMarker(res.dest); relErr != nil {
			s.logger.Error("failed to release marker", slog.String("error", relErr.Error()))
		}
		return
	}
	if len(ids) == 0 {
		if relErr := s.releaseMarker(res.dest); relErr != nil {
			s.logger.Error("failed to release marker", slog.String("error", relErr.Error()))
		}
		return
	}
	// More work arrived while this transaction was in flight — keep the
	// marker held and drain the next batch immediately.
	s.drainAndDispatch(ctx, res.dest)
}

func (s *Service) isActive(d Destination) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return s.active[d]
}

func (s *Service) setActive(d Destination, v bool) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if v {
		s.active[d] = true
	} else {
		delete(s.active, d)
	}
}
