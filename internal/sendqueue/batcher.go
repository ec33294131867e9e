package sendqueue

// drainBatch implements the batcher (C3): scan pending under d's prefix,
// take up to batchCap ids, migrate them to in_flight, and install the
// reservation marker if any were taken. Returns the migrated PDU ids; an
// empty result means nothing was pending and no transaction is needed.
//
// Precondition (spec.md §4.3): d's reservation marker is either absent
// (fresh dispatch) or present with no non-marker in_flight entries (a
// post-success drain) — callers in scheduler.go only call drainBatch in
// those two situations.
func (s *Service) drainBatch(d Destination) ([][]byte, error) {
	ids, err := s.scanPending(d, s.batchCap)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := s.promoteToInFlight(d, ids); err != nil {
		return nil, err
	}
	return ids, nil
}
