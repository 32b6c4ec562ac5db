package messaging

import "time"

// MessageRef identifies a sent message for future updates.
type MessageRef struct {
	Provider  string `json:"provider"`  // "slack"
	ChannelID string `json:"channelId"` // platform channel identifier
	MessageID string `json:"messageId"` // platform message identifier (Slack: ts)
}

// AlertMessage is the platform-agnostic alert notification dispatched by
// the Alert Engine for a fired, acknowledged, or resolved Alert.
type AlertMessage struct {
	AlertID      string
	DeviceID     string
	DeviceName   string
	AlertType    string // rule name, e.g. "device_offline_critical"
	Title        string
	Severity     string // critical, warning, info
	Status       string // active, acknowledged, resolved
	Description  string
	FiredAt      time.Time
	AcknowledgedBy string // display name, empty if not acked
	ResolvedBy     string // display name, empty if not resolved
}
