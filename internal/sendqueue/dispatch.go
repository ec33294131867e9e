package sendqueue

import (
	"context"
	"fmt"
)

// FederationClient is the outbound HTTP client this package consumes to
// deliver a transaction to a remote AmityVox instance. In production it is
// internal/federation's FederationClientAdapter, which signs the whole
// transaction and POSTs it to the peer's /federation/v1/send endpoint (see
// internal/federation/sendqueue_adapter.go).
type FederationClient interface {
	SendTransaction(ctx context.Context, domain string, txn FederationTransaction) error
	// Domain returns this instance's own domain, used as the transaction's
	// origin field.
	Domain() string
}

// AppserviceClient is the outbound HTTP client this package consumes to push
// events to a registered bridge.
type AppserviceClient interface {
	PushEvents(ctx context.Context, reg *AppserviceRegistration, txn AppserviceTransaction) error
}

// dispatchResult is what a dispatch goroutine funnels back to the scheduler
// on completion. pduIDs is echoed back so a failed dispatch's batch can be
// remembered for retry without re-scanning pending (see scheduler.go).
type dispatchResult struct {
	dest   Destination
	txnID  string
	pduIDs [][]byte
	err    error
}

// dispatch acquires one permit from the global semaphore (shared with the
// direct-request helpers in api.go), builds the transaction for d's pduIDs,
// invokes the matching outbound client, and reports the outcome on resultCh.
// The permit is released on every exit path. No timeouts or retries happen
// here — the scheduler owns retry policy (spec.md §4.5).
func (s *Service) dispatch(ctx context.Context, d Destination, pduIDs [][]byte, resultCh chan<- dispatchResult) {
	if err := s.permits.Acquire(ctx, 1); err != nil {
		resultCh <- dispatchResult{dest: d, pduIDs: pduIDs, err: err}
		return
	}
	defer s.permits.Release(1)

	txnID, payload, err := s.buildTransaction(ctx, d, pduIDs, s.originDomain())
	if err != nil {
		resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: err}
		return
	}

	switch d.Kind {
	case KindAppservice:
		if s.reg == nil || s.appsvc == nil {
			resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: fmt.Errorf("sendqueue: no appservice client configured")}
			return
		}
		reg, err := s.reg.Lookup(ctx, d.Name)
		if err != nil {
			resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: err}
			return
		}
		if reg == nil {
			resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: fmt.Errorf("sendqueue: unknown appservice %q", d.Name)}
			return
		}
		txn, _ := payload.(AppserviceTransaction)
		err = s.appsvc.PushEvents(ctx, reg, txn)
		resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: err}
	default:
		if s.fed == nil {
			resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: fmt.Errorf("sendqueue: no federation client configured")}
			return
		}
		txn, _ := payload.(FederationTransaction)
		err = s.fed.SendTransaction(ctx, d.Name, txn)
		resultCh <- dispatchResult{dest: d, txnID: txnID, pduIDs: pduIDs, err: err}
	}
}

func (s *Service) originDomain() string {
	if s.fed == nil {
		return ""
	}
	return s.fed.Domain()
}
