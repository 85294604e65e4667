package domain

import (
	"encoding/json"
	"time"
)

// AccountStatus enumerates social account lifecycle states.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountRetired   AccountStatus = "retired"
)

// SocialAccount is a platform account the pipeline publishes through.
// Credentials are an opaque encrypted blob; their presence selects the real
// provider path, their absence the per-platform simulator.
type SocialAccount struct {
	ID             string          `json:"id" db:"id"`
	Platform       Platform        `json:"platform" db:"platform"`
	Handle         string          `json:"handle" db:"handle"`
	Credentials    json.RawMessage `json:"-" db:"credentials"`
	IdentityHandle string          `json:"identity_handle" db:"identity_handle"`
	Status         AccountStatus   `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// HasCredentials reports whether the account carries usable credentials.
func (a *SocialAccount) HasCredentials() bool {
	return len(a.Credentials) > 0 && string(a.Credentials) != "null" && string(a.Credentials) != "{}"
}
