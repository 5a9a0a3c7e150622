package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v75/github"
	"github.com/google/uuid"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
)

// Receiver validates and normalizes inbound provider webhooks. All
// validation failures are synchronous errors; the provider retries
// delivery itself on non-2xx, so nothing here is retried.
type Receiver struct {
	nonces    interfaces.NonceStore
	limiter   interfaces.RateLimiter
	publisher interfaces.EventPublisher

	secrets            map[types.Provider]string
	replayWindow       time.Duration
	rateLimitPerMinute int
	maxPayloadBytes    int64
	now                func() time.Time
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithSecret sets the webhook secret for a provider.
func WithSecret(provider types.Provider, secret string) ReceiverOption {
	return func(r *Receiver) { r.secrets[provider] = secret }
}

func WithReplayWindow(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.replayWindow = d }
}

func WithRateLimitPerMinute(n int) ReceiverOption {
	return func(r *Receiver) { r.rateLimitPerMinute = n }
}

func WithMaxPayloadBytes(n int64) ReceiverOption {
	return func(r *Receiver) { r.maxPayloadBytes = n }
}

func WithReceiverClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) { r.now = now }
}

// NewReceiver creates a Receiver with the default limits.
func NewReceiver(nonces interfaces.NonceStore, limiter interfaces.RateLimiter, publisher interfaces.EventPublisher, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		nonces:             nonces,
		limiter:            limiter,
		publisher:          publisher,
		secrets:            make(map[types.Provider]string),
		replayWindow:       types.DefaultReplayWindowSeconds * time.Second,
		rateLimitPerMinute: types.DefaultRateLimitPerMinute,
		maxPayloadBytes:    types.DefaultMaxPayloadBytes,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Receive runs the validation chain and normalizes the payload into a
// canonical event. On success the event is published and marked
// verified; no partial events are ever published.
func (r *Receiver) Receive(ctx context.Context, provider types.Provider, headers map[string]string, body []byte) (*model.WebhookEvent, error) {
	if int64(len(body)) > r.maxPayloadBytes {
		return nil, goerr.New("payload too large",
			goerr.T(types.TagValidation), goerr.T(types.TagPayloadTooLarge),
			goerr.V("size", len(body)), goerr.V("max", r.maxPayloadBytes),
		)
	}

	method, err := r.verifySignature(provider, headers, body)
	if err != nil {
		return nil, err
	}

	deliveryID := deliveryID(provider, headers)
	if deliveryID != "" {
		fresh, err := r.nonces.CheckAndStore(ctx, fmt.Sprintf("%s:%s", provider, deliveryID), r.replayWindow)
		if err != nil {
			return nil, goerr.Wrap(err, "nonce store failed", goerr.T(types.TagDependency))
		}
		if !fresh {
			return nil, goerr.New("replay detected",
				goerr.T(types.TagValidation), goerr.T(types.TagReplay),
				goerr.V("provider", provider), goerr.V("delivery_id", deliveryID),
			)
		}
	}

	allowed, err := r.limiter.Allow(ctx, rateLimitKey(provider, headers), r.rateLimitPerMinute, time.Minute)
	if err != nil {
		return nil, goerr.Wrap(err, "rate limiter failed", goerr.T(types.TagDependency))
	}
	if !allowed {
		return nil, goerr.New("rate limit exceeded",
			goerr.T(types.TagValidation), goerr.T(types.TagRateLimited),
			goerr.V("provider", provider),
		)
	}

	event, err := r.parseEvent(provider, headers, body)
	if err != nil {
		return nil, err
	}
	event.ID = uuid.New()
	event.DeliveryID = deliveryID
	event.ReceivedAt = r.now()
	event.Verified = true
	event.VerificationMethod = method

	if r.publisher != nil {
		if err := r.publisher.Publish(ctx, "webhook.received", event); err != nil {
			return nil, goerr.Wrap(err, "failed to publish webhook event", goerr.T(types.TagDependency))
		}
	}

	ctxlog.From(ctx).Info("webhook received",
		"provider", provider,
		"type", event.Type,
		"repo", event.RepoFullName,
		"delivery_id", deliveryID,
	)

	return event, nil
}

// verifySignature dispatches to the provider's verification scheme and
// returns the method used.
func (r *Receiver) verifySignature(provider types.Provider, headers map[string]string, body []byte) (string, error) {
	secret := r.secrets[provider]

	switch provider {
	case types.ProviderGitHub:
		if sig := headerValue(headers, "X-Hub-Signature-256"); sig != "" {
			return "hmac-sha256", verifyHMAC(body, secret, sig, sha256.New)
		}
		if sig := headerValue(headers, "X-Hub-Signature"); sig != "" {
			return "hmac-sha1", verifyHMAC(body, secret, sig, sha1.New)
		}
		return "", signatureError("missing signature header", provider)

	case types.ProviderGitLab:
		token := headerValue(headers, "X-Gitlab-Token")
		if token == "" {
			return "", signatureError("missing token header", provider)
		}
		if secret == "" {
			return "", signatureError("no webhook secret configured", provider)
		}
		if !hmac.Equal([]byte(token), []byte(secret)) {
			return "", signatureError("invalid token", provider)
		}
		return "token", nil

	case types.ProviderBitbucket:
		sig := headerValue(headers, "X-Hub-Signature")
		if sig == "" {
			return "", signatureError("missing signature header", provider)
		}
		return "hmac-sha256", verifyHMAC(body, secret, sig, sha256.New)

	default:
		return "", goerr.New("unknown provider",
			goerr.T(types.TagValidation),
			goerr.V("provider", provider),
		)
	}
}

// verifyHMAC checks an (optionally algo-prefixed) hex HMAC digest with
// constant-time equality.
func verifyHMAC(body []byte, secret, signature string, algo func() hash.Hash) error {
	if secret == "" {
		return signatureError("no webhook secret configured", "")
	}

	if idx := strings.IndexByte(signature, '='); idx >= 0 {
		signature = signature[idx+1:]
	}

	mac := hmac.New(algo, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return goerr.New("invalid webhook signature",
			goerr.T(types.TagValidation), goerr.T(types.TagBadSignature),
		)
	}
	return nil
}

func signatureError(msg string, provider types.Provider) *goerr.Error {
	return goerr.New(msg,
		goerr.T(types.TagValidation), goerr.T(types.TagBadSignature),
		goerr.V("provider", provider),
	)
}

func deliveryID(provider types.Provider, headers map[string]string) string {
	switch provider {
	case types.ProviderGitHub:
		return headerValue(headers, "X-GitHub-Delivery")
	case types.ProviderGitLab:
		return headerValue(headers, "X-Gitlab-Event-UUID")
	case types.ProviderBitbucket:
		return headerValue(headers, "X-Request-UUID")
	}
	return ""
}

func rateLimitKey(provider types.Provider, headers map[string]string) string {
	if provider == types.ProviderGitHub {
		if target := headerValue(headers, "X-GitHub-Hook-Installation-Target-ID"); target != "" {
			return fmt.Sprintf("github:%s", target)
		}
	}
	return fmt.Sprintf("%s:global", provider)
}

// headerValue performs a case-insensitive header lookup on a plain map.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	if v, ok := headers[http.CanonicalHeaderKey(name)]; ok {
		return v
	}
	lower := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v
		}
	}
	return ""
}

// parseEvent normalizes the provider payload onto the canonical event.
func (r *Receiver) parseEvent(provider types.Provider, headers map[string]string, body []byte) (*model.WebhookEvent, error) {
	switch provider {
	case types.ProviderGitHub:
		return parseGitHubEvent(headers, body)
	case types.ProviderGitLab:
		return parseGitLabEvent(body)
	case types.ProviderBitbucket:
		return parseBitbucketEvent(headers, body)
	}
	return nil, goerr.New("unknown provider", goerr.T(types.TagValidation), goerr.V("provider", provider))
}

func parseGitHubEvent(headers map[string]string, body []byte) (*model.WebhookEvent, error) {
	eventName := headerValue(headers, "X-GitHub-Event")

	payload, err := github.ParseWebHook(eventName, body)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid JSON payload", goerr.T(types.TagValidation))
	}

	event := &model.WebhookEvent{
		Provider:   types.ProviderGitHub,
		Type:       model.EventTypeUnknown,
		RawPayload: body,
	}

	switch e := payload.(type) {
	case *github.PullRequestEvent:
		event.Action = e.GetAction()
		event.Type = mapGitHubPullRequestType(e)
		fillGitHubRepo(event, e.GetRepo(), e.GetInstallation(), e.GetSender())
		pr := e.GetPullRequest()
		event.PRNumber = pr.GetNumber()
		event.PRTitle = pr.GetTitle()
		event.PRURL = pr.GetHTMLURL()
		event.HeadSHA = pr.GetHead().GetSHA()
		event.BaseSHA = pr.GetBase().GetSHA()
		event.HeadRef = pr.GetHead().GetRef()
		event.BaseRef = pr.GetBase().GetRef()

	case *github.PushEvent:
		event.Type = model.EventTypePush
		fillGitHubRepo(event, nil, e.GetInstallation(), e.GetSender())
		repo := e.GetRepo()
		event.RepoFullName = repo.GetFullName()
		event.RepoID = fmt.Sprintf("%d", repo.GetID())
		event.OrgID = repo.GetOwner().GetLogin()
		event.HeadSHA = e.GetAfter()
		event.BaseSHA = e.GetBefore()
		event.HeadRef = strings.TrimPrefix(e.GetRef(), "refs/heads/")

	case *github.CheckSuiteEvent:
		event.Action = e.GetAction()
		if e.GetAction() == "requested" || e.GetAction() == "rerequested" {
			event.Type = model.EventTypeCheckSuiteRequested
		}
		fillGitHubRepo(event, e.GetRepo(), e.GetInstallation(), e.GetSender())
		event.HeadSHA = e.GetCheckSuite().GetHeadSHA()
		event.HeadRef = e.GetCheckSuite().GetHeadBranch()

	case *github.CheckRunEvent:
		event.Action = e.GetAction()
		switch e.GetAction() {
		case "rerequested":
			event.Type = model.EventTypeCheckRunRerequested
		case "requested_action":
			event.Type = model.EventTypeCheckRunRequested
		}
		fillGitHubRepo(event, e.GetRepo(), e.GetInstallation(), e.GetSender())
		event.HeadSHA = e.GetCheckRun().GetHeadSHA()

	case *github.InstallationEvent:
		event.Action = e.GetAction()
		switch e.GetAction() {
		case "created":
			event.Type = model.EventTypeInstallationCreated
		case "deleted":
			event.Type = model.EventTypeInstallationDeleted
		}
		event.InstallationID = fmt.Sprintf("%d", e.GetInstallation().GetID())
		event.OrgID = e.GetInstallation().GetAccount().GetLogin()
		event.SenderLogin = e.GetSender().GetLogin()
		event.SenderID = fmt.Sprintf("%d", e.GetSender().GetID())
	}

	return event, nil
}

func mapGitHubPullRequestType(e *github.PullRequestEvent) model.WebhookEventType {
	switch e.GetAction() {
	case "opened":
		return model.EventTypePullRequestOpened
	case "synchronize":
		return model.EventTypePullRequestSynchronize
	case "reopened":
		return model.EventTypePullRequestReopened
	case "closed":
		if e.GetPullRequest().GetMerged() {
			return model.EventTypePullRequestMerged
		}
		return model.EventTypePullRequestClosed
	}
	return model.EventTypeUnknown
}

func fillGitHubRepo(event *model.WebhookEvent, repo *github.Repository, inst *github.Installation, sender *github.User) {
	if repo != nil {
		event.RepoFullName = repo.GetFullName()
		event.RepoID = fmt.Sprintf("%d", repo.GetID())
		event.OrgID = repo.GetOwner().GetLogin()
	}
	if inst != nil {
		event.InstallationID = fmt.Sprintf("%d", inst.GetID())
	}
	if sender != nil {
		event.SenderLogin = sender.GetLogin()
		event.SenderID = fmt.Sprintf("%d", sender.GetID())
	}
}

type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`
	Project    struct {
		ID                int64  `json:"id"`
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	User struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	} `json:"user"`
	ObjectAttributes struct {
		Action       string `json:"action"`
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		URL          string `json:"url"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID string `json:"id"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
	After  string `json:"after"`
	Before string `json:"before"`
	Ref    string `json:"ref"`
}

func parseGitLabEvent(body []byte) (*model.WebhookEvent, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, goerr.Wrap(err, "invalid JSON payload", goerr.T(types.TagValidation))
	}

	event := &model.WebhookEvent{
		Provider:     types.ProviderGitLab,
		Type:         model.EventTypeUnknown,
		RepoFullName: payload.Project.PathWithNamespace,
		RepoID:       fmt.Sprintf("%d", payload.Project.ID),
		SenderLogin:  payload.User.Username,
		SenderID:     fmt.Sprintf("%d", payload.User.ID),
		RawPayload:   body,
	}
	if idx := strings.IndexByte(event.RepoFullName, '/'); idx > 0 {
		event.OrgID = event.RepoFullName[:idx]
	}

	switch payload.ObjectKind {
	case "merge_request":
		mr := payload.ObjectAttributes
		event.Action = mr.Action
		switch mr.Action {
		case "open":
			event.Type = model.EventTypePullRequestOpened
		case "update":
			event.Type = model.EventTypePullRequestSynchronize
		case "close":
			event.Type = model.EventTypePullRequestClosed
		case "merge":
			event.Type = model.EventTypePullRequestMerged
		}
		event.PRNumber = mr.IID
		event.PRTitle = mr.Title
		event.PRURL = mr.URL
		event.HeadSHA = mr.LastCommit.ID
		event.HeadRef = mr.SourceBranch
		event.BaseRef = mr.TargetBranch

	case "push":
		event.Type = model.EventTypePush
		event.HeadSHA = payload.After
		event.BaseSHA = payload.Before
		event.HeadRef = strings.TrimPrefix(payload.Ref, "refs/heads/")
	}

	return event, nil
}

type bitbucketPayload struct {
	Repository struct {
		FullName string `json:"full_name"`
		UUID     string `json:"uuid"`
	} `json:"repository"`
	Actor struct {
		Nickname string `json:"nickname"`
		UUID     string `json:"uuid"`
	} `json:"actor"`
	PullRequest struct {
		ID     int    `json:"id"`
		Title  string `json:"title"`
		Source struct {
			Commit struct {
				Hash string `json:"hash"`
			} `json:"commit"`
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"source"`
		Destination struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"destination"`
	} `json:"pullrequest"`
	Push struct {
		Changes []struct {
			New struct {
				Name   string `json:"name"`
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			} `json:"new"`
			Old struct {
				Target struct {
					Hash string `json:"hash"`
				} `json:"target"`
			} `json:"old"`
		} `json:"changes"`
	} `json:"push"`
}

func parseBitbucketEvent(headers map[string]string, body []byte) (*model.WebhookEvent, error) {
	var payload bitbucketPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, goerr.Wrap(err, "invalid JSON payload", goerr.T(types.TagValidation))
	}

	event := &model.WebhookEvent{
		Provider:     types.ProviderBitbucket,
		Type:         model.EventTypeUnknown,
		RepoFullName: payload.Repository.FullName,
		RepoID:       payload.Repository.UUID,
		SenderLogin:  payload.Actor.Nickname,
		SenderID:     payload.Actor.UUID,
		RawPayload:   body,
	}
	if idx := strings.IndexByte(event.RepoFullName, '/'); idx > 0 {
		event.OrgID = event.RepoFullName[:idx]
	}

	eventKey := headerValue(headers, "X-Event-Key")
	switch {
	case strings.HasPrefix(eventKey, "pullrequest:"):
		action := strings.TrimPrefix(eventKey, "pullrequest:")
		event.Action = action
		switch action {
		case "created":
			event.Type = model.EventTypePullRequestOpened
		case "updated":
			event.Type = model.EventTypePullRequestSynchronize
		case "fulfilled", "rejected":
			event.Type = model.EventTypePullRequestClosed
		}
		event.PRNumber = payload.PullRequest.ID
		event.PRTitle = payload.PullRequest.Title
		event.HeadSHA = payload.PullRequest.Source.Commit.Hash
		event.HeadRef = payload.PullRequest.Source.Branch.Name
		event.BaseRef = payload.PullRequest.Destination.Branch.Name

	case eventKey == "repo:push":
		event.Type = model.EventTypePush
		if len(payload.Push.Changes) > 0 {
			change := payload.Push.Changes[0]
			event.HeadSHA = change.New.Target.Hash
			event.BaseSHA = change.Old.Target.Hash
			event.HeadRef = change.New.Name
		}
	}

	return event, nil
}
