// Package messaging defines the provider-agnostic interface the Alert
// Engine (spec component C7) uses to dispatch outbound notifications for
// fired/acknowledged/resolved alerts.
package messaging

import "context"

// Provider is the interface a chat platform implements to receive alert
// notifications. Kept intentionally narrow: the core never needs inbound
// commands or interactions, only outbound alert dispatch.
type Provider interface {
	// Name returns the provider identifier ("slack").
	Name() string

	// PostAlert sends an alert notification to the configured channel.
	// Returns a MessageRef for future updates, or nil if the provider is
	// disabled (no credentials configured).
	PostAlert(ctx context.Context, msg AlertMessage) (*MessageRef, error)

	// UpdateAlert updates an existing alert message in place (acknowledged,
	// resolved).
	UpdateAlert(ctx context.Context, ref MessageRef, msg AlertMessage) error
}
