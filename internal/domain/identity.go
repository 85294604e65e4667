package domain

import "time"

// DeviceClass drives fingerprint synthesis for an identity.
type DeviceClass string

const (
	DeviceAndroid   DeviceClass = "android"
	DeviceIOS       DeviceClass = "ios"
	DeviceGenericPC DeviceClass = "generic_pc"
)

// IdentityClass partitions the proxy pool. Account-bound identities are
// exclusive to one account; the scraper pool rotates and is disjoint from
// account identities; the exclusive-VPN class is single-tenant forever.
type IdentityClass string

const (
	IdentityClassAccount      IdentityClass = "account"
	IdentityClassScraperPool  IdentityClass = "scraper_pool"
	IdentityClassExclusiveVPN IdentityClass = "exclusive_vpn"
)

// IdentityStatus enumerates identity lifecycle states.
type IdentityStatus string

const (
	IdentityActive  IdentityStatus = "active"
	IdentityRetired IdentityStatus = "retired"
)

// Proxy is one pool entry. ClaimedBy is nil until an identity claims it;
// a claimed proxy is never handed out again while the claim holds.
type Proxy struct {
	ID        string        `json:"id" db:"id"`
	URL       string        `json:"url" db:"url"`
	Class     IdentityClass `json:"class" db:"class"`
	ClaimedBy *string       `json:"claimed_by" db:"claimed_by"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
}

// Identity binds an account to its network identity: one exclusive proxy
// plus one unique fingerprint. Active identities never share either part.
type Identity struct {
	ID          string         `json:"id" db:"id"`
	AccountID   string         `json:"account_id" db:"account_id"`
	ProxyID     string         `json:"proxy_id" db:"proxy_id"`
	ProxyURL    string         `json:"proxy_url" db:"proxy_url"`
	Fingerprint string         `json:"fingerprint" db:"fingerprint"`
	DeviceClass DeviceClass    `json:"device_class" db:"device_class"`
	Class       IdentityClass  `json:"class" db:"class"`
	Status      IdentityStatus `json:"status" db:"status"`
	LastUsedAt  *time.Time     `json:"last_used_at" db:"last_used_at"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
}

// ComponentType names the caller presenting an identity on an outbound call.
type ComponentType string

const (
	ComponentPublisher    ComponentType = "publisher"
	ComponentAdsAPI       ComponentType = "ads_api"
	ComponentOptimizer    ComponentType = "optimizer"
	ComponentScraper      ComponentType = "scraper"
	ComponentMessagingBot ComponentType = "messaging_bot"
)
