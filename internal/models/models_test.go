package models

import "testing"

func TestUserFlags(t *testing.T) {
	tests := []struct {
		name      string
		flags     int
		suspended bool
		deleted   bool
		admin     bool
		bot       bool
	}{
		{"no flags", 0, false, false, false, false},
		{"suspended", UserFlagSuspended, true, false, false, false},
		{"deleted", UserFlagDeleted, false, true, false, false},
		{"admin", UserFlagAdmin, false, false, true, false},
		{"bot", UserFlagBot, false, false, false, true},
		{"suspended+admin", UserFlagSuspended | UserFlagAdmin, true, false, true, false},
		{"all flags", UserFlagSuspended | UserFlagDeleted | UserFlagAdmin | UserFlagBot | UserFlagVerified, true, true, true, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := User{Flags: tc.flags}
			if got := u.IsSuspended(); got != tc.suspended {
				t.Errorf("IsSuspended() = %v, want %v", got, tc.suspended)
			}
			if got := u.IsDeleted(); got != tc.deleted {
				t.Errorf("IsDeleted() = %v, want %v", got, tc.deleted)
			}
			if got := u.IsAdmin(); got != tc.admin {
				t.Errorf("IsAdmin() = %v, want %v", got, tc.admin)
			}
			if got := u.IsBot(); got != tc.bot {
				t.Errorf("IsBot() = %v, want %v", got, tc.bot)
			}
		})
	}
}

func TestFederationPeerStatusConstants(t *testing.T) {
	statuses := []string{FederationPeerActive, FederationPeerBlocked, FederationPeerPending}
	seen := make(map[string]bool)
	for _, s := range statuses {
		if s == "" {
			t.Errorf("federation peer status constant is empty")
		}
		if seen[s] {
			t.Errorf("duplicate federation peer status: %s", s)
		}
		seen[s] = true
	}
}
