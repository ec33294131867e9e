package sendqueue

import "context"

// AppserviceRegistration is the subset of a registered bridge's
// configuration the sender needs to push a transaction: where to push it,
// and the shared secret used to authenticate the push (see appservice.go).
type AppserviceRegistration struct {
	ID         string
	PushURL    string
	HMACSecret []byte
	Enabled    bool
}

// Registry maps an appservice id to its registration. It is the "appservice
// registry" external collaborator named in spec.md §1; see
// postgres_registry.go for the production implementation backed by the
// appservice_registrations table.
type Registry interface {
	Lookup(ctx context.Context, appserviceID string) (*AppserviceRegistration, error)
}
