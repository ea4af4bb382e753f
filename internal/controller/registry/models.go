// Package registry is the authoritative catalog of agents and
// registration tokens.
package registry

import "time"

// AgentStatus is the controller-side view of an agent's liveness.
type AgentStatus string

const (
	StatusPending AgentStatus = "pending"
	StatusOnline  AgentStatus = "online"
	StatusOffline AgentStatus = "offline"
)

// Agent is a controller-owned record for one remote agent.
type Agent struct {
	ID            string            `db:"id" json:"id"`
	PublicKey     string            `db:"public_key" json:"publicKey"`
	Hostname      string            `db:"hostname" json:"hostname"`
	Platform      string            `db:"platform" json:"platform"`
	Status        AgentStatus       `db:"status" json:"status"`
	LastHeartbeat *time.Time        `db:"last_heartbeat" json:"lastHeartbeat,omitempty"`
	ObservedIP    string            `db:"observed_ip" json:"observedIp,omitempty"`
	APIAddress    string            `db:"api_address" json:"apiAddress,omitempty"`
	Metadata      map[string]string `db:"-" json:"metadata,omitempty"`
	// ConfigBlob is the last-known mirror of the agent's Git-backed config.
	ConfigBlob string    `db:"config_blob" json:"-"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

// Token is a time-limited, single-use registration token.
type Token struct {
	Token      string     `db:"token" json:"token"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
	ExpiresAt  time.Time  `db:"expires_at" json:"expiresAt"`
	UsedBy     *string    `db:"used_by" json:"usedBy,omitempty"`
	UsedAt     *time.Time `db:"used_at" json:"usedAt,omitempty"`
	APIAddress string     `db:"api_address" json:"apiAddress,omitempty"`
}

// Expired reports whether the token is past its expiry at the given instant.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Used reports whether the token has already been consumed.
func (t *Token) Used() bool {
	return t.UsedBy != nil
}
