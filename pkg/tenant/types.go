// Package tenant implements the Tenant record itself: the row every other
// domain table's tenant_id column references, plus the per-tenant limits
// (max devices, data retention) spec components read at runtime.
package tenant

import (
	"time"

	"github.com/google/uuid"
)

// Tenant is one customer account in the shared schema.
type Tenant struct {
	TenantID          uuid.UUID `json:"tenantId"`
	Name              string    `json:"name"`
	Slug              string    `json:"slug"`
	MaxDevices        int       `json:"maxDevices"`
	DataRetentionDays int       `json:"dataRetentionDays"`
	CreatedAt         time.Time `json:"createdAt"`
}
