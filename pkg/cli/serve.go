package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/mergegate/mergegate/pkg/cli/config"
	controller "github.com/mergegate/mergegate/pkg/controller/http"
	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	fsinfra "github.com/mergegate/mergegate/pkg/infra/firestore"
	githubinfra "github.com/mergegate/mergegate/pkg/infra/github"
	"github.com/mergegate/mergegate/pkg/infra/memory"
	natsinfra "github.com/mergegate/mergegate/pkg/infra/nats"
	sentryinfra "github.com/mergegate/mergegate/pkg/infra/sentry"
	slackinfra "github.com/mergegate/mergegate/pkg/infra/slack"
	"github.com/mergegate/mergegate/pkg/usecase"
	"github.com/mergegate/mergegate/pkg/utils/breaker"
)

// multiAlert fans one alert out to every configured sink. Delivery is
// best-effort per sink; the first error is returned after all sinks
// are tried.
type multiAlert []interfaces.AlertPublisher

func (m multiAlert) PublishAlert(ctx context.Context, severity, title, message string, details map[string]any) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.PublishAlert(ctx, severity, title, message, details); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func cmdServe() *cli.Command {
	var (
		serverCfg  config.Server
		webhookCfg config.Webhook
		githubCfg  config.GitHub
		gateCfg    config.Gate
		alertCfg   config.Alert
		storeCfg   config.Store
		natsCfg    config.NATS
	)

	flags := serverCfg.Flags()
	flags = append(flags, webhookCfg.Flags()...)
	flags = append(flags, githubCfg.Flags()...)
	flags = append(flags, gateCfg.Flags()...)
	flags = append(flags, alertCfg.Flags()...)
	flags = append(flags, storeCfg.Flags()...)
	flags = append(flags, natsCfg.Flags()...)

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start HTTP server",
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := ctxlog.From(ctx)

			logger.Info("Starting mergegate server",
				slog.String("addr", serverCfg.Addr),
				slog.Bool("firestore", storeCfg.Enabled()),
				slog.Bool("nats", natsCfg.Enabled()),
			)

			monitor := usecase.NewHealthMonitor()

			// Stores
			var (
				nonces   interfaces.NonceStore
				runStore interfaces.RunStore
			)
			if storeCfg.Enabled() {
				fsClient, err := fsinfra.New(ctx, storeCfg.FirestoreProject, storeCfg.FirestoreDatabase)
				if err != nil {
					return err
				}
				defer fsClient.Close()
				nonces = fsClient.NonceStore()
				runStore = fsClient.RunStore()
				monitor.Register("firestore", fsClient.HealthCheck)
			} else {
				logger.Warn("No Firestore project configured, using in-memory stores")
				nonces = memory.NewNonceStore()
				runStore = memory.NewRunStore()
			}

			// Event publishing
			var publisher interfaces.EventPublisher
			if natsCfg.Enabled() {
				natsPub, err := natsinfra.New(natsCfg.URL, natsCfg.Prefix)
				if err != nil {
					return err
				}
				defer natsPub.Close()
				publisher = natsPub
				monitor.Register("nats", natsPub.HealthCheck)
			}

			// Alerting
			var sinks multiAlert
			if alertCfg.SlackWebhookURL != "" {
				sinks = append(sinks, slackinfra.New(alertCfg.SlackWebhookURL))
			}
			if alertCfg.SentryDSN != "" {
				sentryPub, err := sentryinfra.New(alertCfg.SentryDSN, alertCfg.SentryEnv)
				if err != nil {
					return err
				}
				defer sentryPub.Flush(2 * time.Second)
				sinks = append(sinks, sentryPub)
			}
			var alerts interfaces.AlertPublisher
			if len(sinks) > 0 {
				alerts = sinks
			}

			// Provider write-back
			var ghClient interfaces.GitHubClient
			switch {
			case githubCfg.HasAppCredentials():
				var err error
				ghClient, err = githubinfra.NewClientFromKeyFile(githubCfg.AppID, githubCfg.InstallationID, githubCfg.PrivateKeyPath)
				if err != nil {
					return err
				}
			case githubCfg.Token != "":
				ghClient = githubinfra.NewTokenClient(githubCfg.Token)
			default:
				return goerr.New("GitHub credentials are required: set App credentials or a token")
			}

			// Degradation policy. A policy file wins over the
			// default-mode flag.
			strategyOpts := []usecase.DegradationOption{
				usecase.WithBreakerOptions(
					breaker.WithFailureThreshold(int(gateCfg.BreakerFailureThreshold)),
					breaker.WithSuccessThreshold(int(gateCfg.BreakerSuccessThreshold)),
					breaker.WithResetTimeout(time.Duration(gateCfg.BreakerResetSeconds)*time.Second),
				),
			}
			if gateCfg.DegradationPolicy != "" {
				policy, err := usecase.LoadDegradationPolicy(gateCfg.DegradationPolicy)
				if err != nil {
					return err
				}
				strategyOpts = append(strategyOpts, usecase.WithDegradationPolicy(policy))
			} else {
				strategyOpts = append(strategyOpts, usecase.WithDegradationPolicy(&usecase.DegradationPolicy{
					DefaultMode: model.ParseDegradationMode(gateCfg.DegradationMode),
					Tenants:     map[string]model.DegradationMode{},
				}))
			}
			strategy := usecase.NewDegradationStrategy(alerts, strategyOpts...)

			// Use cases
			receiverOpts := []usecase.ReceiverOption{
				usecase.WithReplayWindow(time.Duration(webhookCfg.ReplayWindowSeconds) * time.Second),
				usecase.WithRateLimitPerMinute(int(webhookCfg.RateLimitPerMinute)),
				usecase.WithMaxPayloadBytes(webhookCfg.MaxPayloadBytes),
			}
			for provider, secret := range map[types.Provider]string{
				types.ProviderGitHub:    webhookCfg.GitHubSecret,
				types.ProviderGitLab:    webhookCfg.GitLabToken,
				types.ProviderBitbucket: webhookCfg.BitbucketSecret,
			} {
				if secret != "" {
					receiverOpts = append(receiverOpts, usecase.WithSecret(provider, secret))
				}
			}
			receiver := usecase.NewReceiver(nonces, memory.NewRateLimiter(), publisher, receiverOpts...)
			runs := usecase.NewRunService(runStore, publisher,
				usecase.WithDefaultRunTimeout(time.Duration(gateCfg.RunTimeoutSeconds)*time.Second),
			)
			writeback := usecase.NewWriteback(ghClient,
				usecase.WithMaxRetries(uint64(gateCfg.WritebackMaxRetries)),
				usecase.WithRetryBackoff(
					time.Duration(gateCfg.WritebackRetryBaseMillis)*time.Millisecond,
					time.Duration(gateCfg.WritebackRetryMaxMillis)*time.Millisecond,
				),
			)
			gate := usecase.NewGateService(runs, writeback, strategy,
				usecase.WithCheckName(gateCfg.CheckName),
				usecase.WithGatePolicies(gateCfg.Policies),
			)

			// Background loops
			loopCtx, cancelLoops := context.WithCancel(ctx)
			defer cancelLoops()
			go sweepLoop(loopCtx, gate, time.Duration(gateCfg.SweepInterval)*time.Second)
			go healthLoop(loopCtx, monitor, strategy, time.Duration(gateCfg.HealthInterval)*time.Second)

			// HTTP server
			server, err := controller.NewServer(
				ctx,
				receiver,
				gate,
				runs,
				monitor,
				strategy,
				controller.WithAddr(serverCfg.Addr),
				controller.WithMaxBodyBytes(webhookCfg.MaxPayloadBytes),
			)
			if err != nil {
				return goerr.Wrap(err, "failed to create HTTP server")
			}

			go func() {
				logger.Info("HTTP server starting", slog.String("addr", serverCfg.Addr))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error("HTTP server error", slog.Any("error", err))
				}
			}()

			// Wait for interrupt signal
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			select {
			case <-ctx.Done():
				logger.Info("Context cancelled, shutting down...")
			case sig := <-sigChan:
				logger.Info("Signal received, shutting down...", slog.Any("signal", sig))
			}

			cancelLoops()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server gracefully")
			}

			logger.Info("Server shutdown complete")
			return nil
		},
	}
}

// sweepLoop expires overdue runs on a fixed interval.
func sweepLoop(ctx context.Context, gate *usecase.GateService, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gate.SweepTimeouts(ctx); err != nil {
				ctxlog.From(ctx).Error("Timeout sweep failed", "error", err)
			}
		}
	}
}

// healthLoop probes dependencies and feeds the result into degraded
// mode tracking.
func healthLoop(ctx context.Context, monitor *usecase.HealthMonitor, strategy *usecase.DegradationStrategy, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			monitor.RunChecks(ctx)
			strategy.ObserveHealth(ctx, monitor.Overall())
		}
	}
}
