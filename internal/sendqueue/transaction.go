package sendqueue

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"
)

// EventStore is the narrow interface this package consumes from the rest of
// the server to resolve PDU ids into sendable payloads. It is satisfied by
// internal/events + Postgres in production (see postgres_eventstore.go) and
// by a fake in tests.
type EventStore interface {
	// GetPDU returns the decoded event for pduID, for the appservice "any
	// event" projection. Returns (nil, nil) if the id does not resolve.
	GetPDU(ctx context.Context, pduID []byte) (json.RawMessage, error)
	// GetPDUJSON returns the raw stored JSON for pduID, for the federation
	// projection. Returns (nil, nil) if the id does not resolve.
	GetPDUJSON(ctx context.Context, pduID []byte) (json.RawMessage, error)
	// ConvertToOutgoingFederation transforms a raw stored event into its
	// outgoing federation wire representation.
	ConvertToOutgoingFederation(raw json.RawMessage) (json.RawMessage, error)
}

// FederationTransaction is the payload sent to a remote AmityVox instance,
// mirroring internal/federation's SignedPayload framing one level up: the
// transaction itself carries origin/timestamp/pdus, and the whole thing is
// signed by the caller before it goes on the wire (see dispatch.go).
type FederationTransaction struct {
	Origin      string            `json:"origin"`
	OriginTS    int64             `json:"origin_server_ts"`
	PDUs        []json.RawMessage `json:"pdus"`
	EDUs        []json.RawMessage `json:"edus"`
	TransactionID string          `json:"transaction_id"`
}

// AppserviceTransaction is the payload pushed to a registered bridge.
type AppserviceTransaction struct {
	Events []json.RawMessage `json:"events"`
	TxnID  string             `json:"txn_id"`
}

// transactionID computes the deterministic, content-addressed transaction
// id for an ordered set of PDU ids: base64url(no padding) of SHA-256 over
// the ids joined with the 0xff separator (spec.md §4.4). Retries after a
// timeout therefore reuse the same id, and a remote peer can dedupe.
func transactionID(pduIDs [][]byte) string {
	h := sha256.New()
	for i, id := range pduIDs {
		if i > 0 {
			h.Write([]byte{separator})
		}
		h.Write(id)
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// buildTransaction materializes pduIDs into the payload appropriate for d's
// kind. Any PDU id that fails to resolve from the event store is silently
// skipped — the remainder is still sent (spec.md §4.4, §9 open question;
// preserved from original_source/sending.rs's behavior).
func (s *Service) buildTransaction(ctx context.Context, d Destination, pduIDs [][]byte, originDomain string) (txnID string, payload any, err error) {
	txnID = transactionID(pduIDs)

	if d.Kind == KindAppservice {
		events := make([]json.RawMessage, 0, len(pduIDs))
		for _, id := range pduIDs {
			ev, err := s.store.GetPDU(ctx, id)
			if err != nil {
				s.logger.Warn("failed to resolve pdu for appservice transaction",
					"destination", d.String(), "error", err)
				continue
			}
			if ev == nil {
				continue
			}
			events = append(events, ev)
		}
		return txnID, AppserviceTransaction{Events: events, TxnID: txnID}, nil
	}

	pdus := make([]json.RawMessage, 0, len(pduIDs))
	for _, id := range pduIDs {
		raw, err := s.store.GetPDUJSON(ctx, id)
		if err != nil {
			s.logger.Warn("failed to resolve pdu json for federation transaction",
				"destination", d.String(), "error", err)
			continue
		}
		if raw == nil {
			continue
		}
		outgoing, err := s.store.ConvertToOutgoingFederation(raw)
		if err != nil {
			s.logger.Warn("failed to convert pdu to outgoing federation form",
				"destination", d.String(), "error", err)
			continue
		}
		pdus = append(pdus, outgoing)
	}

	return txnID, FederationTransaction{
		Origin:        originDomain,
		OriginTS:      time.Now().UnixMilli(),
		PDUs:          pdus,
		EDUs:          []json.RawMessage{},
		TransactionID: txnID,
	}, nil
}
