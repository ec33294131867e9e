package models

import (
	"encoding/json"
	"time"
)

// Instance represents a single AmityVox deployment. Each instance has a unique
// domain and Ed25519 keypair for federation. Corresponds to the instances table.
type Instance struct {
	ID              string          `json:"id"`
	Domain          string          `json:"domain"`
	PublicKey       string          `json:"public_key"`
	Name            *string         `json:"name,omitempty"`
	Description     *string         `json:"description,omitempty"`
	Software        string          `json:"software"`
	SoftwareVersion *string         `json:"software_version,omitempty"`
	FederationMode  string          `json:"federation_mode"`
	ProtocolVersion *string         `json:"protocol_version,omitempty"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	LiveKitURL      *string         `json:"livekit_url,omitempty"`
	PrivateKeyPEM   *string         `json:"-"`
	ResolvedIPs     []string        `json:"resolved_ips,omitempty"`
	KeyFingerprint  *string         `json:"key_fingerprint,omitempty"`
	Shorthand       *string         `json:"shorthand,omitempty"`
	VoiceMode       string          `json:"voice_mode,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	LastSeenAt      *time.Time      `json:"last_seen_at,omitempty"`
}

// User represents a user account on an AmityVox instance. Users are identified
// globally as @username@instance.domain. Corresponds to the users table.
//
// Only the fields the federation sender touches (profile stub fields written
// by ensureRemoteUserStub, and the admin/suspension flags the CLI flips) are
// carried here; the rest of the production User shape belongs to the REST API
// this tree no longer serves.
type User struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instance_id"`
	Username     string    `json:"username"`
	DisplayName  *string   `json:"display_name,omitempty"`
	AvatarID     *string   `json:"avatar_id,omitempty"`
	PasswordHash *string   `json:"-"`
	Email        *string   `json:"-"`
	Flags        int       `json:"flags"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserFlags defines bitfield flags for user account status.
const (
	UserFlagSuspended = 1 << 0
	UserFlagDeleted   = 1 << 1
	UserFlagAdmin     = 1 << 2
	UserFlagBot       = 1 << 3
	UserFlagVerified  = 1 << 4
	UserFlagGlobalMod = 1 << 5
)

// IsSuspended reports whether the user is suspended.
func (u User) IsSuspended() bool { return u.Flags&UserFlagSuspended != 0 }

// IsDeleted reports whether the user is deleted.
func (u User) IsDeleted() bool { return u.Flags&UserFlagDeleted != 0 }

// IsAdmin reports whether the user is an instance admin.
func (u User) IsAdmin() bool { return u.Flags&UserFlagAdmin != 0 }

// IsBot reports whether the user is a bot account.
func (u User) IsBot() bool { return u.Flags&UserFlagBot != 0 }

// IsGlobalMod reports whether the user is a global moderator.
func (u User) IsGlobalMod() bool { return u.Flags&UserFlagGlobalMod != 0 }

// FederationPeer represents a federation relationship between two instances.
// Corresponds to the federation_peers table.
type FederationPeer struct {
	InstanceID    string     `json:"instance_id"`
	PeerID        string     `json:"peer_id"`
	Status        string     `json:"status"`
	EstablishedAt time.Time  `json:"established_at"`
	LastSyncedAt  *time.Time `json:"last_synced_at,omitempty"`
}

// FederationPeerStatus constants for federation_peers.status.
const (
	FederationPeerActive  = "active"
	FederationPeerBlocked = "blocked"
	FederationPeerPending = "pending"
)
