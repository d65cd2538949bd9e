package instance

import "time"

// Status is the connection status of an instance.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// State is a point-in-time snapshot of an instance's connection state.
// PairingCode is set only while connecting.
type State struct {
	InstanceID  string     `json:"instance_id"`
	TenantID    string     `json:"tenant_id"`
	Status      Status     `json:"status"`
	PairingCode string     `json:"pairing_code,omitempty"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}
