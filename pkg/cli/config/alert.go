package config

import "github.com/urfave/cli/v3"

// Alert holds alerting sink configuration
type Alert struct {
	SlackWebhookURL string
	SentryDSN       string
	SentryEnv       string
}

// Flags returns CLI flags for alert configuration
func (c *Alert) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "slack-webhook-url",
			Usage:       "Slack incoming webhook URL for alerts",
			Destination: &c.SlackWebhookURL,
			Sources:     cli.EnvVars("MERGEGATE_SLACK_WEBHOOK_URL"),
		},
		&cli.StringFlag{
			Name:        "sentry-dsn",
			Usage:       "Sentry DSN for alerts",
			Destination: &c.SentryDSN,
			Sources:     cli.EnvVars("MERGEGATE_SENTRY_DSN"),
		},
		&cli.StringFlag{
			Name:        "sentry-env",
			Usage:       "Sentry environment name",
			Value:       "production",
			Destination: &c.SentryEnv,
			Sources:     cli.EnvVars("MERGEGATE_SENTRY_ENV"),
		},
	}
}
