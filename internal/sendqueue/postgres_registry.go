package sendqueue

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRegistry implements Registry against the appservice_registrations
// table (see internal/database/migrations), following the same pgxpool
// query style internal/federation.Service uses for instances/
// federation_peers.
type PostgresRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresRegistry constructs a Registry backed by pool.
func NewPostgresRegistry(pool *pgxpool.Pool) *PostgresRegistry {
	return &PostgresRegistry{pool: pool}
}

// Lookup returns the registration for appserviceID, or (nil, nil) if it does
// not exist or has been disabled.
func (r *PostgresRegistry) Lookup(ctx context.Context, appserviceID string) (*AppserviceRegistration, error) {
	var reg AppserviceRegistration
	err := r.pool.QueryRow(ctx,
		`SELECT id, push_url, hmac_secret, enabled
		 FROM appservice_registrations WHERE id = $1`,
		appserviceID,
	).Scan(&reg.ID, &reg.PushURL, &reg.HMACSecret, &reg.Enabled)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up appservice registration %q: %w", appserviceID, err)
	}
	if !reg.Enabled {
		return nil, nil
	}
	return &reg, nil
}
