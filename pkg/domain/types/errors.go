package types

import "github.com/m-mizutani/goerr/v2"

// Error tags classify failures for HTTP mapping and alert routing.
var (
	// TagValidation marks request rejections the caller can act on.
	TagValidation = goerr.NewTag("validation")

	// TagBadSignature marks signature or token verification failures.
	TagBadSignature = goerr.NewTag("bad_signature")

	// TagReplay marks duplicate delivery IDs within the replay window.
	TagReplay = goerr.NewTag("replay")

	// TagPayloadTooLarge marks payloads over the configured cap.
	TagPayloadTooLarge = goerr.NewTag("payload_too_large")

	// TagRateLimited marks deliveries rejected by the rate limiter.
	TagRateLimited = goerr.NewTag("rate_limited")

	// TagState marks run lifecycle violations and persistence failures.
	TagState = goerr.NewTag("state")

	// TagDependency marks downstream dependency failures.
	TagDependency = goerr.NewTag("dependency")

	// TagTransport marks provider write-back failures.
	TagTransport = goerr.NewTag("transport")
)

var (
	ErrRunNotFound       = goerr.New("run not found")
	ErrInvalidTransition = goerr.New("invalid state transition")
	ErrCircuitOpen       = goerr.New("circuit breaker open")
)
