package domain

import "time"

// HealthState classifies a component from its heartbeat age.
type HealthState string

const (
	HealthOnline   HealthState = "online"
	HealthDegraded HealthState = "degraded"
	HealthOffline  HealthState = "offline"
)

// Control flag keys. Flags are shared across processes through the store so
// every worker converges on the same operating state.
const (
	FlagEmergencyStop  = "emergency_stop"
	FlagPauseAll       = "pause_all"
	FlagSystemCritical = "system_critical"
)

// Heartbeat is the last-seen record a component loop writes on every tick.
type Heartbeat struct {
	Component string                 `json:"component" db:"component"`
	LastSeen  time.Time              `json:"last_seen" db:"last_seen"`
	Stats     map[string]interface{} `json:"stats" db:"stats"`
}

// Health derives the component state from heartbeat age. A component is
// degraded after two missed intervals and offline after five.
func (h Heartbeat) Health(now time.Time, interval time.Duration) HealthState {
	age := now.Sub(h.LastSeen)
	switch {
	case age <= 2*interval:
		return HealthOnline
	case age <= 5*interval:
		return HealthDegraded
	default:
		return HealthOffline
	}
}
