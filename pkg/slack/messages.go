package slack

import (
	"fmt"

	goslack "github.com/slack-go/slack"
)

// SeverityEmoji returns the emoji prefix for a given severity level.
func SeverityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "warning":
		return "🟡"
	case "info":
		return "🔵"
	default:
		return "⚪"
	}
}

// AlertNotificationBlocks builds Slack Block Kit blocks for an alert notification.
func AlertNotificationBlocks(alert AlertInfo) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s: %s", SeverityEmoji(alert.Severity), severity(alert.Severity), alert.Title), true, false),
	)

	var fields []*goslack.TextBlockObject
	if alert.DeviceName != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Device:* %s", alert.DeviceName), false, false))
	}
	if alert.AlertType != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Rule:* %s", alert.AlertType), false, false))
	}

	blocks := []goslack.Block{header}
	if len(fields) > 0 {
		blocks = append(blocks, goslack.NewSectionBlock(nil, fields, nil))
	}

	if alert.Description != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncate(alert.Description, 500), false, false),
			nil, nil,
		))
	}

	ackBtn := goslack.NewButtonBlockElement("ack_alert", alert.AlertID,
		goslack.NewTextBlockObject(goslack.PlainTextType, "✅ Acknowledge", true, false))
	blocks = append(blocks, goslack.NewActionBlock("alert_actions", ackBtn))

	return blocks
}

// AlertAcknowledgedBlocks builds blocks for an acknowledgment update message.
func AlertAcknowledgedBlocks(alertTitle, acknowledgedBy string) []goslack.Block {
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("✅ Alert *%s* acknowledged by %s.", alertTitle, acknowledgedBy), false, false),
			nil, nil,
		),
	}
}

// AlertResolvedBlocks builds blocks for a resolution notification.
func AlertResolvedBlocks(alertTitle, resolvedBy string) []goslack.Block {
	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("✅ Alert *%s* resolved by %s.", alertTitle, resolvedBy), false, false),
			nil, nil,
		),
	}
}

// severity returns a human-readable severity label.
func severity(s string) string {
	switch s {
	case "critical":
		return "CRITICAL"
	case "warning":
		return "WARNING"
	case "info":
		return "INFO"
	default:
		return s
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
