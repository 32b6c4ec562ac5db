// Package device implements the Device Registry (spec component C2): device
// identity, registration status, tags, and group membership, all scoped to
// a single tenant.
package device

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Registration and online statuses, per spec §3 "Device".
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"

	OnlineStatusOnline   = "online"
	OnlineStatusOffline  = "offline"
	OnlineStatusUpdating = "updating"
	OnlineStatusError    = "error"
)

// GroupType distinguishes static (explicit membership) from dynamic
// (tag-query-derived membership) groups.
const (
	GroupTypeStatic  = "static"
	GroupTypeDynamic = "dynamic"
)

// Device is a registered edge node.
type Device struct {
	DeviceID           uuid.UUID  `json:"deviceId"`
	TenantID           uuid.UUID  `json:"tenantId"`
	Name               string     `json:"name"`
	Metadata           string     `json:"metadata,omitempty"`
	RegistrationStatus string     `json:"registrationStatus"`
	OnlineStatus       string     `json:"onlineStatus"`
	LastSeenAt         *time.Time `json:"lastSeenAt,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

// Group is a named collection of devices, static or tag-query-derived.
type Group struct {
	GroupID   uuid.UUID `json:"groupId"`
	TenantID  uuid.UUID `json:"tenantId"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	TagQuery  *string   `json:"tagQuery,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CanonicalTag lower-cases and trims a tag atom, per spec §3 "TagAtom":
// canonical form is lower-cased, trimmed.
func CanonicalTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// ListFilter narrows Store.List results and, optionally, paginates them.
// Pagination is keyset-based on (createdAt, id): AfterCreatedAt/AfterID
// both nil means start from the beginning; Limit <= 0 means unlimited
// (used by internal callers like dynamic group sync that need every row).
type ListFilter struct {
	Status   string // "" for any
	TagQuery string // "" for any; parsed with internal/tagquery
	GroupID  *uuid.UUID

	Limit          int
	AfterCreatedAt *time.Time
	AfterID        *uuid.UUID
}
