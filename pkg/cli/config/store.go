package config

import "github.com/urfave/cli/v3"

// Store holds persistence configuration. Without a Firestore project
// the pipeline falls back to in-memory stores, which are
// single-process only.
type Store struct {
	FirestoreProject  string
	FirestoreDatabase string
}

// Flags returns CLI flags for store configuration
func (c *Store) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "firestore-project",
			Usage:       "Google Cloud project ID for Firestore",
			Destination: &c.FirestoreProject,
			Sources:     cli.EnvVars("MERGEGATE_FIRESTORE_PROJECT"),
		},
		&cli.StringFlag{
			Name:        "firestore-database",
			Usage:       "Firestore database ID (empty for default)",
			Destination: &c.FirestoreDatabase,
			Sources:     cli.EnvVars("MERGEGATE_FIRESTORE_DATABASE"),
		},
	}
}

// Enabled reports whether Firestore persistence is configured.
func (c *Store) Enabled() bool {
	return c.FirestoreProject != ""
}

// NATS holds event publishing configuration
type NATS struct {
	URL    string
	Prefix string
}

// Flags returns CLI flags for NATS configuration
func (c *NATS) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "nats-url",
			Usage:       "NATS server URL for event publishing",
			Destination: &c.URL,
			Sources:     cli.EnvVars("MERGEGATE_NATS_URL"),
		},
		&cli.StringFlag{
			Name:        "nats-prefix",
			Usage:       "Subject prefix for published events",
			Value:       "mergegate",
			Destination: &c.Prefix,
			Sources:     cli.EnvVars("MERGEGATE_NATS_PREFIX"),
		},
	}
}

// Enabled reports whether event publishing is configured.
func (c *NATS) Enabled() bool {
	return c.URL != ""
}
