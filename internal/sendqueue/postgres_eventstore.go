package sendqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEventStore implements EventStore against the outbound_events
// table, which records the events.Event envelope for every event this
// instance has decided to federate, keyed by its ULID (the PDU id this
// package deals in). Rows are written by internal/federation/sync.go's
// routeEvent at enqueue time and never mutated afterward, so reads here
// never race a concurrent writer.
type PostgresEventStore struct {
	pool *pgxpool.Pool
}

// NewPostgresEventStore constructs an EventStore backed by pool.
func NewPostgresEventStore(pool *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{pool: pool}
}

// GetPDU returns the decoded event envelope for pduID — the "any event"
// projection used for appservice push, which gets the same JSON shape a
// WebSocket gateway client would receive.
func (e *PostgresEventStore) GetPDU(ctx context.Context, pduID []byte) (json.RawMessage, error) {
	return e.getEventJSON(ctx, pduID)
}

// GetPDUJSON returns the raw stored JSON for pduID, for the federation
// projection.
func (e *PostgresEventStore) GetPDUJSON(ctx context.Context, pduID []byte) (json.RawMessage, error) {
	return e.getEventJSON(ctx, pduID)
}

func (e *PostgresEventStore) getEventJSON(ctx context.Context, pduID []byte) (json.RawMessage, error) {
	var raw []byte
	err := e.pool.QueryRow(ctx,
		`SELECT event_json FROM outbound_events WHERE id = $1`,
		string(pduID),
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading outbound event %q: %w", string(pduID), err)
	}
	return json.RawMessage(raw), nil
}

// internalOnlyFields are bookkeeping keys present on the stored envelope
// that must never leak onto the federation wire.
var internalOnlyFields = []string{"origin_instance_id", "_internal"}

// ConvertToOutgoingFederation strips AmityVox-internal bookkeeping fields
// from a stored event before it is placed in a federation transaction. This
// is the AmityVox analogue of Matrix room-version-dependent field stripping
// (spec.md §9's open question); AmityVox's wire format carries no
// version-conditional fields today, so the only transformation needed is
// removing fields that were never meant to cross the wire in the first
// place.
func (e *PostgresEventStore) ConvertToOutgoingFederation(raw json.RawMessage) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("decoding stored event for federation conversion: %w", err)
	}
	for _, f := range internalOnlyFields {
		delete(obj, f)
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("re-encoding outgoing federation event: %w", err)
	}
	return out, nil
}
