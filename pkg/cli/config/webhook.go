package config

import (
	"github.com/urfave/cli/v3"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// Webhook holds webhook receiver configuration
type Webhook struct {
	GitHubSecret    string
	GitLabToken     string
	BitbucketSecret string

	ReplayWindowSeconds int64
	RateLimitPerMinute  int64
	MaxPayloadBytes     int64
}

// Flags returns CLI flags for webhook receiver configuration
func (c *Webhook) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "github-webhook-secret",
			Usage:       "GitHub webhook secret",
			Destination: &c.GitHubSecret,
			Sources:     cli.EnvVars("MERGEGATE_GITHUB_WEBHOOK_SECRET"),
		},
		&cli.StringFlag{
			Name:        "gitlab-webhook-token",
			Usage:       "GitLab webhook token",
			Destination: &c.GitLabToken,
			Sources:     cli.EnvVars("MERGEGATE_GITLAB_WEBHOOK_TOKEN"),
		},
		&cli.StringFlag{
			Name:        "bitbucket-webhook-secret",
			Usage:       "Bitbucket webhook secret",
			Destination: &c.BitbucketSecret,
			Sources:     cli.EnvVars("MERGEGATE_BITBUCKET_WEBHOOK_SECRET"),
		},
		&cli.Int64Flag{
			Name:        "replay-window",
			Usage:       "Anti-replay window in seconds",
			Value:       types.DefaultReplayWindowSeconds,
			Destination: &c.ReplayWindowSeconds,
			Sources:     cli.EnvVars("MERGEGATE_REPLAY_WINDOW"),
		},
		&cli.Int64Flag{
			Name:        "rate-limit",
			Usage:       "Webhook rate limit per key per minute",
			Value:       types.DefaultRateLimitPerMinute,
			Destination: &c.RateLimitPerMinute,
			Sources:     cli.EnvVars("MERGEGATE_RATE_LIMIT"),
		},
		&cli.Int64Flag{
			Name:        "max-payload-bytes",
			Usage:       "Maximum webhook payload size in bytes",
			Value:       types.DefaultMaxPayloadBytes,
			Destination: &c.MaxPayloadBytes,
			Sources:     cli.EnvVars("MERGEGATE_MAX_PAYLOAD_BYTES"),
		},
	}
}
