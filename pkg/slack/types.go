package slack

// AlertInfo holds the data needed to build a Slack alert notification for
// one device Alert (spec component C7 "Alert Engine").
type AlertInfo struct {
	AlertID     string
	DeviceID    string
	DeviceName  string
	AlertType   string
	Title       string
	Severity    string
	Description string
}
