package usecase_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/infra/memory"
	"github.com/mergegate/mergegate/pkg/usecase"
)

type recordPublisher struct {
	subjects []string
	payloads []any
}

func (p *recordPublisher) Publish(ctx context.Context, subject string, payload any) error {
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, payload)
	return nil
}

func signSHA256(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func signSHA1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

const prOpenedPayload = `{
	"action": "opened",
	"pull_request": {
		"number": 42,
		"title": "Add retry to uploader",
		"html_url": "https://github.com/acme/widget/pull/42",
		"merged": false,
		"head": {"sha": "abc123", "ref": "feature/retry"},
		"base": {"sha": "def456", "ref": "main"}
	},
	"repository": {
		"id": 1001,
		"full_name": "acme/widget",
		"owner": {"login": "acme"}
	},
	"installation": {"id": 555},
	"sender": {"login": "octocat", "id": 77}
}`

func newReceiver(secret string, opts ...usecase.ReceiverOption) (*usecase.Receiver, *recordPublisher) {
	pub := &recordPublisher{}
	base := []usecase.ReceiverOption{
		usecase.WithSecret(types.ProviderGitHub, secret),
		usecase.WithSecret(types.ProviderGitLab, secret),
		usecase.WithSecret(types.ProviderBitbucket, secret),
	}
	r := usecase.NewReceiver(memory.NewNonceStore(), memory.NewRateLimiter(), pub, append(base, opts...)...)
	return r, pub
}

func TestReceiveGitHubPullRequest(t *testing.T) {
	ctx := context.Background()
	body := []byte(prOpenedPayload)
	recv, pub := newReceiver("s3cret")

	headers := map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "delivery-1",
		"X-Hub-Signature-256": signSHA256("s3cret", body),
		"Content-Type":        "application/json",
	}

	event, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.Type).Equal(model.EventTypePullRequestOpened)
	gt.Value(t, event.RepoFullName).Equal("acme/widget")
	gt.Value(t, event.OrgID).Equal("acme")
	gt.Value(t, event.InstallationID).Equal("555")
	gt.Value(t, event.HeadSHA).Equal("abc123")
	gt.Value(t, event.BaseRef).Equal("main")
	gt.Value(t, event.PRNumber).Equal(42)
	gt.Value(t, event.SenderLogin).Equal("octocat")
	gt.Value(t, event.DeliveryID).Equal("delivery-1")
	gt.Value(t, event.Verified).Equal(true)
	gt.Value(t, event.VerificationMethod).Equal("hmac-sha256")
	gt.True(t, event.TriggersGate())

	gt.Number(t, len(pub.subjects)).Equal(1)
	gt.Value(t, pub.subjects[0]).Equal("webhook.received")
}

func TestReceiveGitHubSHA1Fallback(t *testing.T) {
	ctx := context.Background()
	body := []byte(prOpenedPayload)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-GitHub-Event":    "pull_request",
		"X-GitHub-Delivery": "delivery-sha1",
		"X-Hub-Signature":   signSHA1("s3cret", body),
	}

	event, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.VerificationMethod).Equal("hmac-sha1")
}

func TestReceiveBadSignature(t *testing.T) {
	ctx := context.Background()
	body := []byte(prOpenedPayload)
	recv, pub := newReceiver("s3cret")

	cases := map[string]map[string]string{
		"wrong secret": {
			"X-GitHub-Event":      "pull_request",
			"X-GitHub-Delivery":   "d1",
			"X-Hub-Signature-256": signSHA256("wrong", body),
		},
		"missing header": {
			"X-GitHub-Event":    "pull_request",
			"X-GitHub-Delivery": "d2",
		},
		"garbage signature": {
			"X-GitHub-Event":      "pull_request",
			"X-GitHub-Delivery":   "d3",
			"X-Hub-Signature-256": "sha256=deadbeef",
		},
	}

	for name, headers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
			gt.Error(t, err)
			gt.True(t, goerr.HasTag(err, types.TagBadSignature))
			gt.True(t, goerr.HasTag(err, types.TagValidation))
		})
	}

	gt.Number(t, len(pub.subjects)).Equal(0)
}

func TestReceiveReplayedDelivery(t *testing.T) {
	ctx := context.Background()
	body := []byte(prOpenedPayload)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "dup-delivery",
		"X-Hub-Signature-256": signSHA256("s3cret", body),
	}

	_, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.NoError(t, err)

	_, err = recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagReplay))
}

func TestReceivePayloadTooLarge(t *testing.T) {
	ctx := context.Background()
	recv, _ := newReceiver("s3cret", usecase.WithMaxPayloadBytes(16))

	_, err := recv.Receive(ctx, types.ProviderGitHub, map[string]string{}, make([]byte, 17))
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagPayloadTooLarge))
}

func TestReceiveRateLimited(t *testing.T) {
	ctx := context.Background()
	body := []byte(prOpenedPayload)
	recv, _ := newReceiver("s3cret", usecase.WithRateLimitPerMinute(2))

	for i := 0; i < 2; i++ {
		headers := map[string]string{
			"X-GitHub-Event":      "pull_request",
			"X-GitHub-Delivery":   fmt.Sprintf("rl-%d", i),
			"X-Hub-Signature-256": signSHA256("s3cret", body),
		}
		_, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
		gt.NoError(t, err)
	}

	headers := map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "rl-over",
		"X-Hub-Signature-256": signSHA256("s3cret", body),
	}
	_, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagRateLimited))
}

func TestReceiveGitHubPush(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{
		"ref": "refs/heads/main",
		"before": "aaa111",
		"after": "bbb222",
		"repository": {
			"id": 1001,
			"full_name": "acme/widget",
			"owner": {"login": "acme"}
		},
		"sender": {"login": "octocat", "id": 77}
	}`)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-GitHub-Event":      "push",
		"X-GitHub-Delivery":   "push-1",
		"X-Hub-Signature-256": signSHA256("s3cret", body),
	}

	event, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.Type).Equal(model.EventTypePush)
	gt.Value(t, event.HeadSHA).Equal("bbb222")
	gt.Value(t, event.BaseSHA).Equal("aaa111")
	gt.Value(t, event.HeadRef).Equal("main")
}

func TestReceiveGitLabMergeRequest(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{
		"object_kind": "merge_request",
		"project": {"id": 99, "path_with_namespace": "acme/widget"},
		"user": {"id": 5, "username": "dev1"},
		"object_attributes": {
			"action": "open",
			"iid": 7,
			"title": "Fix flaky test",
			"url": "https://gitlab.com/acme/widget/-/merge_requests/7",
			"source_branch": "fix/flaky",
			"target_branch": "main",
			"last_commit": {"id": "ccc333"}
		}
	}`)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-Gitlab-Token":      "s3cret",
		"X-Gitlab-Event-UUID": "gl-1",
	}

	event, err := recv.Receive(ctx, types.ProviderGitLab, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.Type).Equal(model.EventTypePullRequestOpened)
	gt.Value(t, event.OrgID).Equal("acme")
	gt.Value(t, event.PRNumber).Equal(7)
	gt.Value(t, event.HeadSHA).Equal("ccc333")
	gt.Value(t, event.VerificationMethod).Equal("token")
}

func TestReceiveGitLabBadToken(t *testing.T) {
	ctx := context.Background()
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-Gitlab-Token":      "not-the-secret",
		"X-Gitlab-Event-UUID": "gl-bad",
	}
	_, err := recv.Receive(ctx, types.ProviderGitLab, headers, []byte(`{}`))
	gt.Error(t, err)
	gt.True(t, goerr.HasTag(err, types.TagBadSignature))
}

func TestReceiveBitbucketPullRequest(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{
		"repository": {"full_name": "acme/widget", "uuid": "{repo-uuid}"},
		"actor": {"nickname": "dev2", "uuid": "{actor-uuid}"},
		"pullrequest": {
			"id": 12,
			"title": "Tighten validation",
			"source": {
				"commit": {"hash": "ddd444"},
				"branch": {"name": "tighten"}
			},
			"destination": {"branch": {"name": "main"}}
		}
	}`)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-Event-Key":     "pullrequest:created",
		"X-Request-UUID":  "bb-1",
		"X-Hub-Signature": signSHA256("s3cret", body),
	}

	event, err := recv.Receive(ctx, types.ProviderBitbucket, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.Type).Equal(model.EventTypePullRequestOpened)
	gt.Value(t, event.HeadSHA).Equal("ddd444")
	gt.Value(t, event.BaseRef).Equal("main")
	gt.Value(t, event.SenderLogin).Equal("dev2")
}

func TestReceiveUnknownEventDoesNotTrigger(t *testing.T) {
	ctx := context.Background()
	body := []byte(`{"action": "labeled", "issue": {"number": 3}}`)
	recv, _ := newReceiver("s3cret")

	headers := map[string]string{
		"X-GitHub-Event":      "issues",
		"X-GitHub-Delivery":   "issue-1",
		"X-Hub-Signature-256": signSHA256("s3cret", body),
	}

	event, err := recv.Receive(ctx, types.ProviderGitHub, headers, body)
	gt.NoError(t, err)
	gt.Value(t, event.Type).Equal(model.EventTypeUnknown)
	gt.False(t, event.TriggersGate())
}
