package slack

import (
	"context"
	"fmt"
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/slack-go/slack"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// AlertPublisher delivers degradation alerts to a Slack incoming
// webhook.
type AlertPublisher struct {
	webhookURL string
}

func New(webhookURL string) *AlertPublisher {
	return &AlertPublisher{webhookURL: webhookURL}
}

func severityColor(severity string) string {
	switch severity {
	case "error":
		return "#d32f2f"
	case "warning":
		return "#f9a825"
	default:
		return "#2e7d32"
	}
}

func (p *AlertPublisher) PublishAlert(ctx context.Context, severity, title, message string, details map[string]any) error {
	fields := make([]slack.AttachmentField, 0, len(details))
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, slack.AttachmentField{
			Title: k,
			Value: fmt.Sprintf("%v", details[k]),
			Short: true,
		})
	}

	msg := &slack.WebhookMessage{
		Attachments: []slack.Attachment{
			{
				Color:  severityColor(severity),
				Title:  title,
				Text:   message,
				Fields: fields,
			},
		},
	}

	if err := slack.PostWebhookContext(ctx, p.webhookURL, msg); err != nil {
		return goerr.Wrap(err, "failed to post Slack alert",
			goerr.T(types.TagTransport),
			goerr.V("title", title),
		)
	}
	return nil
}
