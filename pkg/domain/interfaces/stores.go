package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mergegate/mergegate/pkg/domain/model"
)

// NonceStore provides atomic check-and-store for anti-replay. The
// in-memory adapter is single-process only; multi-instance deployments
// must use a shared store (e.g. Firestore).
type NonceStore interface {
	// CheckAndStore returns true if nonce is new within ttl, storing
	// it as seen. A stored-but-expired nonce is treated as new.
	CheckAndStore(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// RateLimiter bounds inbound webhook volume per key.
type RateLimiter interface {
	// Allow reports whether one more request for key fits within
	// limit events per window.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RunStore persists runs and their append-only transition log.
type RunStore interface {
	// Save creates a new run record.
	Save(ctx context.Context, run *model.Run) error

	// Get loads a run by ID, without transitions.
	Get(ctx context.Context, id uuid.UUID) (*model.Run, error)

	// Mutate applies fn to the stored run under an atomic
	// read-modify-write, serializing concurrent mutations per run.
	Mutate(ctx context.Context, id uuid.UUID, fn func(run *model.Run) error) (*model.Run, error)

	// Query lists runs matching q, newest first.
	Query(ctx context.Context, q model.RunQuery) ([]*model.Run, error)

	// SaveTransition appends an audit record.
	SaveTransition(ctx context.Context, tr *model.RunTransition) error

	// ListTransitions returns the run's transitions in order.
	ListTransitions(ctx context.Context, runID uuid.UUID) ([]*model.RunTransition, error)
}

// EventPublisher delivers validated webhook events and run lifecycle
// events to an external log/queue.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, payload any) error
}

// AlertPublisher is the sink for degradation alerts.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, severity, title, message string, details map[string]any) error
}
