package config

import (
	"github.com/urfave/cli/v3"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// Gate holds run orchestration configuration
type Gate struct {
	CheckName         string
	Policies          []string
	RunTimeoutSeconds int64
	SweepInterval     int64
	HealthInterval    int64
	DegradationPolicy string
	DegradationMode   string

	BreakerFailureThreshold int64
	BreakerSuccessThreshold int64
	BreakerResetSeconds     int64

	WritebackMaxRetries      int64
	WritebackRetryBaseMillis int64
	WritebackRetryMaxMillis  int64
}

// Flags returns CLI flags for gate configuration
func (c *Gate) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "check-name",
			Usage:       "Provider-visible check run name",
			Value:       "Mergegate Gate",
			Destination: &c.CheckName,
			Sources:     cli.EnvVars("MERGEGATE_CHECK_NAME"),
		},
		&cli.StringSliceFlag{
			Name:        "policy",
			Usage:       "Policy to evaluate per run (repeatable)",
			Destination: &c.Policies,
			Sources:     cli.EnvVars("MERGEGATE_POLICIES"),
		},
		&cli.Int64Flag{
			Name:        "run-timeout",
			Usage:       "Default run timeout in seconds",
			Value:       types.DefaultRunTimeoutSeconds,
			Destination: &c.RunTimeoutSeconds,
			Sources:     cli.EnvVars("MERGEGATE_RUN_TIMEOUT"),
		},
		&cli.Int64Flag{
			Name:        "sweep-interval",
			Usage:       "Timeout sweep interval in seconds",
			Value:       30,
			Destination: &c.SweepInterval,
			Sources:     cli.EnvVars("MERGEGATE_SWEEP_INTERVAL"),
		},
		&cli.Int64Flag{
			Name:        "health-interval",
			Usage:       "Health check interval in seconds",
			Value:       30,
			Destination: &c.HealthInterval,
			Sources:     cli.EnvVars("MERGEGATE_HEALTH_INTERVAL"),
		},
		&cli.StringFlag{
			Name:        "degradation-policy",
			Usage:       "Path to the TOML degradation policy file",
			Destination: &c.DegradationPolicy,
			Sources:     cli.EnvVars("MERGEGATE_DEGRADATION_POLICY"),
		},
		&cli.StringFlag{
			Name:        "degradation-mode",
			Usage:       "Default failure mode (fail_closed, fail_neutral, fail_open)",
			Value:       "fail_neutral",
			Destination: &c.DegradationMode,
			Sources:     cli.EnvVars("MERGEGATE_DEGRADATION_MODE"),
		},
		&cli.Int64Flag{
			Name:        "breaker-failure-threshold",
			Usage:       "Consecutive failures before a circuit breaker opens",
			Value:       5,
			Destination: &c.BreakerFailureThreshold,
			Sources:     cli.EnvVars("MERGEGATE_BREAKER_FAILURE_THRESHOLD"),
		},
		&cli.Int64Flag{
			Name:        "breaker-success-threshold",
			Usage:       "Half-open successes before a circuit breaker closes",
			Value:       3,
			Destination: &c.BreakerSuccessThreshold,
			Sources:     cli.EnvVars("MERGEGATE_BREAKER_SUCCESS_THRESHOLD"),
		},
		&cli.Int64Flag{
			Name:        "breaker-reset-timeout",
			Usage:       "Seconds before an open circuit breaker probes again",
			Value:       60,
			Destination: &c.BreakerResetSeconds,
			Sources:     cli.EnvVars("MERGEGATE_BREAKER_RESET_TIMEOUT"),
		},
		&cli.Int64Flag{
			Name:        "writeback-max-retries",
			Usage:       "Retries per provider write after the first attempt",
			Value:       3,
			Destination: &c.WritebackMaxRetries,
			Sources:     cli.EnvVars("MERGEGATE_WRITEBACK_MAX_RETRIES"),
		},
		&cli.Int64Flag{
			Name:        "writeback-retry-base",
			Usage:       "Initial write retry delay in milliseconds",
			Value:       1000,
			Destination: &c.WritebackRetryBaseMillis,
			Sources:     cli.EnvVars("MERGEGATE_WRITEBACK_RETRY_BASE"),
		},
		&cli.Int64Flag{
			Name:        "writeback-retry-max",
			Usage:       "Maximum write retry delay in milliseconds",
			Value:       30000,
			Destination: &c.WritebackRetryMaxMillis,
			Sources:     cli.EnvVars("MERGEGATE_WRITEBACK_RETRY_MAX"),
		},
	}
}
