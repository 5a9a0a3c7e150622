package sentry

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/types"
)

// AlertPublisher forwards degradation alerts to Sentry as events.
type AlertPublisher struct {
	hub *sentry.Hub
}

// New initializes the Sentry SDK and returns a publisher bound to its
// own hub.
func New(dsn, environment string) (*AlertPublisher, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
		Release:     "mergegate@" + types.Version,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to initialize Sentry client")
	}
	hub := sentry.NewHub(client, sentry.NewScope())
	return &AlertPublisher{hub: hub}, nil
}

func severityLevel(severity string) sentry.Level {
	switch severity {
	case "error":
		return sentry.LevelError
	case "warning":
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}

func (p *AlertPublisher) PublishAlert(ctx context.Context, severity, title, message string, details map[string]any) error {
	event := sentry.NewEvent()
	event.Level = severityLevel(severity)
	event.Message = title + ": " + message
	event.Extra = details

	if id := p.hub.CaptureEvent(event); id == nil {
		return goerr.New("Sentry dropped the event",
			goerr.T(types.TagTransport),
			goerr.V("title", title),
		)
	}
	return nil
}

// Flush drains buffered events, typically on shutdown.
func (p *AlertPublisher) Flush(timeout time.Duration) {
	p.hub.Flush(timeout)
}
