package slack

import (
	"context"
	"log/slog"

	"github.com/signalbeam/edge/pkg/messaging"
)

// Provider implements messaging.Provider for Slack.
type Provider struct {
	notifier *Notifier
	logger   *slog.Logger
}

// NewProvider creates a Slack messaging provider wrapping the Notifier.
func NewProvider(notifier *Notifier, logger *slog.Logger) *Provider {
	return &Provider{notifier: notifier, logger: logger}
}

func (p *Provider) Name() string { return "slack" }

func (p *Provider) PostAlert(ctx context.Context, msg messaging.AlertMessage) (*messaging.MessageRef, error) {
	alert := AlertInfo{
		AlertID:     msg.AlertID,
		DeviceID:    msg.DeviceID,
		DeviceName:  msg.DeviceName,
		AlertType:   msg.AlertType,
		Title:       msg.Title,
		Severity:    msg.Severity,
		Description: msg.Description,
	}

	channelID, ts, err := p.notifier.PostAlert(ctx, alert)
	if err != nil {
		return nil, err
	}
	if channelID == "" {
		return nil, nil // notifier disabled
	}

	return &messaging.MessageRef{Provider: "slack", ChannelID: channelID, MessageID: ts}, nil
}

func (p *Provider) UpdateAlert(ctx context.Context, ref messaging.MessageRef, msg messaging.AlertMessage) error {
	switch msg.Status {
	case "acknowledged":
		return p.notifier.UpdateMessage(ctx, ref.ChannelID, ref.MessageID, AlertAcknowledgedBlocks(msg.Title, msg.AcknowledgedBy), messaging.AlertSummary(msg))
	case "resolved":
		return p.notifier.UpdateMessage(ctx, ref.ChannelID, ref.MessageID, AlertResolvedBlocks(msg.Title, msg.ResolvedBy), messaging.AlertSummary(msg))
	default:
		alert := AlertInfo{
			AlertID: msg.AlertID, DeviceID: msg.DeviceID, DeviceName: msg.DeviceName,
			AlertType: msg.AlertType, Title: msg.Title, Severity: msg.Severity, Description: msg.Description,
		}
		return p.notifier.UpdateMessage(ctx, ref.ChannelID, ref.MessageID, AlertNotificationBlocks(alert), messaging.AlertSummary(msg))
	}
}
