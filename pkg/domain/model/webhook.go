package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// WebhookEventType is the canonical event vocabulary shared across
// providers. Provider-specific event/action pairs are mapped onto it
// during normalization.
type WebhookEventType string

const (
	EventTypePullRequestOpened      WebhookEventType = "pull_request.opened"
	EventTypePullRequestSynchronize WebhookEventType = "pull_request.synchronize"
	EventTypePullRequestClosed      WebhookEventType = "pull_request.closed"
	EventTypePullRequestReopened    WebhookEventType = "pull_request.reopened"
	EventTypePullRequestMerged      WebhookEventType = "pull_request.merged"
	EventTypePush                   WebhookEventType = "push"
	EventTypeCheckSuiteRequested    WebhookEventType = "check_suite.requested"
	EventTypeCheckRunRequested      WebhookEventType = "check_run.requested"
	EventTypeCheckRunRerequested    WebhookEventType = "check_run.rerequested"
	EventTypeInstallationCreated    WebhookEventType = "installation.created"
	EventTypeInstallationDeleted    WebhookEventType = "installation.deleted"
	EventTypeUnknown                WebhookEventType = "unknown"
)

// WebhookEvent is the normalized representation of a provider
// notification. Immutable once constructed; one per inbound delivery.
type WebhookEvent struct {
	ID         uuid.UUID
	Provider   types.Provider
	DeliveryID string
	Type       WebhookEventType
	Action     string

	// Tenant isolation
	OrgID          string
	InstallationID string
	RepoFullName   string
	RepoID         string

	// Git coordinates
	HeadSHA  string
	BaseSHA  string
	HeadRef  string
	BaseRef  string
	PRNumber int
	PRTitle  string
	PRURL    string

	SenderLogin string
	SenderID    string

	ReceivedAt time.Time

	// Raw payload retained for audit only
	RawPayload []byte

	Verified           bool
	VerificationMethod string
}

// TriggersGate reports whether this event should dispatch an analysis
// run.
func (e *WebhookEvent) TriggersGate() bool {
	switch e.Type {
	case EventTypePullRequestOpened,
		EventTypePullRequestSynchronize,
		EventTypePullRequestReopened,
		EventTypeCheckSuiteRequested,
		EventTypeCheckRunRerequested,
		EventTypePush:
		return e.HeadSHA != ""
	default:
		return false
	}
}
