// Package bundle implements Bundle/BundleVersion storage: the named,
// versioned container-specification sets that devices are assigned.
package bundle

import (
	"time"

	"github.com/google/uuid"
)

// BundleVersion lifecycle statuses.
const (
	VersionStatusDraft     = "draft"
	VersionStatusPublished = "published"
)

// Bundle is a named deployable unit, scoped to a tenant.
type Bundle struct {
	BundleID      uuid.UUID `json:"bundleId"`
	TenantID      uuid.UUID `json:"tenantId"`
	Name          string    `json:"name"`
	LatestVersion *string   `json:"latestVersion,omitempty"`
}

// ContainerSpec is opaque to the core beyond ordering: the agent receives
// it verbatim.
type ContainerSpec struct {
	Name         string            `json:"name" validate:"required"`
	Image        string            `json:"image" validate:"required"`
	Env          map[string]string `json:"env,omitempty"`
	PortMappings []string          `json:"portMappings,omitempty"`
	VolumeMounts []string          `json:"volumeMounts,omitempty"`
}

// Version is one immutable, versioned release of a Bundle. (bundleId,
// version) is unique.
type Version struct {
	BundleID     uuid.UUID       `json:"bundleId"`
	Version      string          `json:"version"`
	Containers   []ContainerSpec `json:"containers"`
	CreatedAt    time.Time       `json:"createdAt"`
	ReleaseNotes *string         `json:"releaseNotes,omitempty"`
	BlobURI      *string         `json:"blobUri,omitempty"`
	Checksum     *string         `json:"checksum,omitempty"`
	SizeBytes    *int64          `json:"sizeBytes,omitempty"`
	Status       string          `json:"status"`
}
