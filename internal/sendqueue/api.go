package sendqueue

import (
	"context"
)

// SendPDU enqueues pduID for durable, FIFO, batched delivery to the remote
// AmityVox instance at domain. Returns once the entry is durably written;
// actual delivery happens on the scheduler's own schedule (spec.md §4.1).
func (s *Service) SendPDU(ctx context.Context, domain string, pduID []byte) error {
	return s.enqueuePending(Server(domain), pduID)
}

// SendPDUAppservice enqueues pduID for durable delivery to the local
// appservice bridge registered under appserviceID.
func (s *Service) SendPDUAppservice(ctx context.Context, appserviceID string, pduID []byte) error {
	return s.enqueuePending(Appservice(appserviceID), pduID)
}

// SendFederationRequest bypasses the durable queue entirely for callers that
// need a synchronous, one-shot request to a remote instance outside the
// per-destination FIFO — e.g. a query that expects an immediate reply. It
// still shares the global concurrency permit pool with queued dispatches, so
// a flood of direct requests cannot starve the scheduler of capacity.
func SendFederationRequest[T any](ctx context.Context, s *Service, domain string, do func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.permits.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer s.permits.Release(1)
	return do(ctx)
}

// SendAppserviceRequest is SendFederationRequest's appservice-side twin.
func SendAppserviceRequest[T any](ctx context.Context, s *Service, appserviceID string, do func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := s.permits.Acquire(ctx, 1); err != nil {
		return zero, err
	}
	defer s.permits.Release(1)
	return do(ctx)
}
