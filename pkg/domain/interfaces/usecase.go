package interfaces

import (
	"context"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// WebhookReceiver validates and normalizes inbound provider
// notifications.
type WebhookReceiver interface {
	// Receive runs the full validation chain (size, signature,
	// replay, rate limit), normalizes the payload, and publishes the
	// event. All failures are synchronous errors; no partial events
	// are published.
	Receive(ctx context.Context, provider types.Provider, headers map[string]string, body []byte) (*model.WebhookEvent, error)
}

// GateHandler turns accepted webhook events into orchestrated runs.
type GateHandler interface {
	HandleEvent(ctx context.Context, event *model.WebhookEvent) error
}

// Runner executes the configured policies/tools for a run. Analysis
// semantics are out of scope for the pipeline; this is the seam where
// scanners plug in.
type Runner interface {
	Run(ctx context.Context, run *model.Run) (*model.GateResult, error)
}
