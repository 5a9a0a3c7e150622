package config

import "github.com/urfave/cli/v3"

// GitHub holds GitHub App configuration for write-back
type GitHub struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Token          string
}

// Flags returns CLI flags for GitHub configuration
func (c *GitHub) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "github-app-id",
			Usage:       "GitHub App ID",
			Destination: &c.AppID,
			Sources:     cli.EnvVars("MERGEGATE_GITHUB_APP_ID"),
		},
		&cli.Int64Flag{
			Name:        "github-installation-id",
			Usage:       "GitHub App installation ID",
			Destination: &c.InstallationID,
			Sources:     cli.EnvVars("MERGEGATE_GITHUB_INSTALLATION_ID"),
		},
		&cli.StringFlag{
			Name:        "github-private-key",
			Usage:       "Path to the GitHub App private key",
			Destination: &c.PrivateKeyPath,
			Sources:     cli.EnvVars("MERGEGATE_GITHUB_PRIVATE_KEY"),
		},
		&cli.StringFlag{
			Name:        "github-token",
			Usage:       "Personal access token (development only)",
			Destination: &c.Token,
			Sources:     cli.EnvVars("MERGEGATE_GITHUB_TOKEN"),
		},
	}
}

// HasAppCredentials reports whether App authentication is configured.
func (c *GitHub) HasAppCredentials() bool {
	return c.AppID != 0 && c.InstallationID != 0 && c.PrivateKeyPath != ""
}
