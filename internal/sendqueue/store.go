package sendqueue

import (
	"bytes"

	badger "github.com/dgraph-io/badger/v4"
)

// pending namespace holds PDUs that have been enqueued but not yet
// dispatched. inFlight namespace holds PDUs reserved for, or currently part
// of, an in-flight transaction, plus the per-destination reservation marker
// (the empty-PDU-id entry at encodePrefix(d)). Both live in the same Badger
// instance under distinct key namespaces so a single embedded store covers
// both of spec.md's logical tables.
var (
	nsPending  = []byte("p:")
	nsInFlight = []byte("i:")
)

func pendingKey(d Destination, pduID []byte) ([]byte, error) {
	k, err := encodeKey(d, pduID)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, nsPending...), k...), nil
}

func inFlightKey(d Destination, pduID []byte) ([]byte, error) {
	k, err := encodeKey(d, pduID)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, nsInFlight...), k...), nil
}

func pendingPrefix(d Destination) []byte {
	return append(append([]byte{}, nsPending...), encodePrefix(d)...)
}

func inFlightPrefix(d Destination) []byte {
	return append(append([]byte{}, nsInFlight...), encodePrefix(d)...)
}

func markerKey(d Destination) ([]byte, error) {
	return inFlightKey(d, nil)
}

// stripNamespace removes the leading "p:"/"i:" namespace tag, returning the
// raw composite key suitable for decodeKey.
func stripNamespace(key []byte) []byte {
	if bytes.HasPrefix(key, nsPending) {
		return key[len(nsPending):]
	}
	if bytes.HasPrefix(key, nsInFlight) {
		return key[len(nsInFlight):]
	}
	return key
}

// enqueuePending durably writes a pending entry for (d, pduID) and wakes the
// scheduler. It is the storage half of the enqueue API (C8); see api.go.
func (s *Service) enqueuePending(d Destination, pduID []byte) error {
	key, err := pendingKey(d, pduID)
	if err != nil {
		return err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, nil)
	})
	if err != nil {
		return err
	}
	s.notifyPending()
	return nil
}

// scanPending returns up to limit pending PDU ids for destination d, in
// ascending (lexicographic) key order, which is the delivery-order contract
// the event store is expected to provide via monotonic PDU ids (ULIDs).
func (s *Service) scanPending(d Destination, limit int) ([][]byte, error) {
	prefix := pendingPrefix(d)
	var ids [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			key := it.Item().KeyCopy(nil)
			_, pduID, err := decodeKey(stripNamespace(key))
			if err != nil {
				s.logger.Warn("dropping undecodable pending key", "error", err)
				continue
			}
			ids = append(ids, pduID)
		}
		return nil
	})
	return ids, err
}

// promoteToInFlight migrates pduIDs for destination d from pending to
// in_flight: for each id, write the in_flight entry then delete the pending
// entry (insert-then-delete order — see spec.md §9 "Durable queue on a KV
// store"), and ensures the reservation marker exists. It runs as a single
// Badger transaction so a crash either commits the whole batch or none of
// it; invariant 5 ("a pending entry is removed only after its promotion is
// durably committed") holds because both writes land in one commit.
func (s *Service) promoteToInFlight(d Destination, pduIDs [][]byte) error {
	if len(pduIDs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		mk, err := markerKey(d)
		if err != nil {
			return err
		}
		if _, err := txn.Get(mk); err == badger.ErrKeyNotFound {
			if err := txn.Set(mk, nil); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		for _, pduID := range pduIDs {
			ik, err := inFlightKey(d, pduID)
			if err != nil {
				return err
			}
			if err := txn.Set(ik, nil); err != nil {
				return err
			}
			pk, err := pendingKey(d, pduID)
			if err != nil {
				return err
			}
			if err := txn.Delete(pk); err != nil {
				return err
			}
		}
		return nil
	})
}

// reserve attempts to install the reservation marker for d via a CAS: the
// marker key is read inside the same read-write transaction it is written
// in, so Badger's optimistic (SSI) conflict detection turns a concurrent
// racing reservation into ErrConflict on commit. Returns (true, nil) if this
// call won the reservation, (false, nil) if another reservation already
// holds it.
func (s *Service) reserve(d Destination) (bool, error) {
	mk, err := markerKey(d)
	if err != nil {
		return false, err
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(mk); err == nil {
			return ErrAlreadyReserved
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		return txn.Set(mk, nil)
	})
	switch {
	case err == nil:
		return true, nil
	case err == ErrAlreadyReserved, err == badger.ErrConflict:
		return false, nil
	default:
		return false, err
	}
}

// releaseMarker deletes the reservation marker for d, allowing a future
// reserve to succeed.
func (s *Service) releaseMarker(d Destination) error {
	mk, err := markerKey(d)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(mk)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// clearInFlight deletes every non-marker in_flight entry for d, leaving the
// marker in place.
func (s *Service) clearInFlight(d Destination) error {
	prefix := inFlightPrefix(d)
	var toDelete [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if isMarkerKey(stripNamespace(key)) {
				continue
			}
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(toDelete) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, k := range toDelete {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// recoverInFlight scans the entire in_flight namespace and groups non-marker
// entries by destination, dropping any bare markers with no accompanying
// PDU entries (stale — see spec.md §4.7 "Startup / recovery"). Entries
// beyond batchCap per destination are dropped with a warning (spec.md §4.3
// "Overflow policy on recovery").
func (s *Service) recoverInFlight() (map[Destination][][]byte, error) {
	grouped := make(map[Destination][][]byte)
	markers := make(map[Destination]bool)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nsInFlight
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(nsInFlight); it.ValidForPrefix(nsInFlight); it.Next() {
			key := it.Item().KeyCopy(nil)
			raw := stripNamespace(key)
			dest, pduID, err := decodeKey(raw)
			if err != nil {
				s.logger.Warn("dropping undecodable in_flight key", "error", err)
				continue
			}
			if len(pduID) == 0 {
				markers[dest] = true
				continue
			}
			if len(grouped[dest]) >= s.batchCap {
				s.logger.Warn("dropping excess in_flight entry on recovery",
					"destination", dest.String())
				if delErr := s.db.Update(func(txn *badger.Txn) error {
					return txn.Delete(key)
				}); delErr != nil {
					s.logger.Error("failed to drop excess in_flight entry", "error", delErr)
				}
				continue
			}
			grouped[dest] = append(grouped[dest], pduID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Stale markers: a marker with no accompanying PDU entries.
	for dest := range markers {
		if _, ok := grouped[dest]; !ok {
			if err := s.releaseMarker(dest); err != nil {
				s.logger.Error("failed to remove stale marker", "destination", dest.String(), "error", err)
			}
		}
	}
	return grouped, nil
}

// recoverPendingDestinations returns every destination with at least one
// pending entry, for the startup recovery pass to consider scheduling.
func (s *Service) recoverPendingDestinations() ([]Destination, error) {
	seen := make(map[Destination]struct{})
	var out []Destination
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nsPending
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(nsPending); it.ValidForPrefix(nsPending); it.Next() {
			key := it.Item().KeyCopy(nil)
			dest, _, err := decodeKey(stripNamespace(key))
			if err != nil {
				s.logger.Warn("dropping undecodable pending key", "error", err)
				continue
			}
			if _, ok := seen[dest]; !ok {
				seen[dest] = struct{}{}
				out = append(out, dest)
			}
		}
		return nil
	})
	return out, err
}
