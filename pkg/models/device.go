package models

import "time"

// DeviceStatus is the lifecycle state of a paired HTTP device.
type DeviceStatus string

const (
	DevicePending DeviceStatus = "pending"
	DevicePaired  DeviceStatus = "paired"
	DeviceRevoked DeviceStatus = "revoked"
)

// DeviceScope is a capability grant on a device record.
type DeviceScope string

const (
	ScopeChat   DeviceScope = "chat"
	ScopeTier1  DeviceScope = "tier1"
	ScopeTier2  DeviceScope = "tier2"
	ScopeTier3  DeviceScope = "tier3"
	ScopeMCP    DeviceScope = "mcp"
	ScopeSystem DeviceScope = "system"
	ScopeAdmin  DeviceScope = "admin"
)

// Device is an HTTP client identity. Tokens are stored hashed; the
// plaintext is shown once at approval time.
type Device struct {
	ID        string        `json:"id"`
	Name      string        `json:"name,omitempty"`
	Status    DeviceStatus  `json:"status"`
	TokenHash string        `json:"-"`
	Scopes    []DeviceScope `json:"scopes"`

	// ToolAllowlist, when non-empty, restricts the device to the named
	// tools. ToolDenylist blocks tools regardless of allowlist or scope.
	ToolAllowlist []string `json:"tool_allowlist,omitempty"`
	ToolDenylist  []string `json:"tool_denylist,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ApprovedAt time.Time `json:"approved_at,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at,omitempty"`
}

// HasScope reports whether the device carries the scope, either
// directly or through the admin grant.
func (d *Device) HasScope(scope DeviceScope) bool {
	for _, s := range d.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// AllowsTool applies the per-device tool filter. The denylist always
// wins; an empty allowlist admits every tool the scopes permit.
func (d *Device) AllowsTool(name string) bool {
	for _, t := range d.ToolDenylist {
		if t == name {
			return false
		}
	}
	if len(d.ToolAllowlist) == 0 {
		return true
	}
	for _, t := range d.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// Event is an entry in the outbound event log polled by HTTP devices.
// IDs are assigned monotonically by the infra store.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Status    string         `json:"status,omitempty"`
	Source    string         `json:"source,omitempty"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at,omitempty"`
}
