package http

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/utils/async"
)

// WebhookHandler accepts provider webhooks. Validation runs
// synchronously so the provider sees the rejection; gate handling is
// dispatched in the background after the 2xx response is committed.
type WebhookHandler struct {
	receiver interfaces.WebhookReceiver
	gate     interfaces.GateHandler
	maxBody  int64
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(receiver interfaces.WebhookReceiver, gate interfaces.GateHandler, maxBody int64) *WebhookHandler {
	if maxBody <= 0 {
		maxBody = types.DefaultMaxPayloadBytes
	}
	return &WebhookHandler{
		receiver: receiver,
		gate:     gate,
		maxBody:  maxBody,
	}
}

// Handle processes webhook requests for the provider in the URL.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.Provider(chi.URLParam(r, "provider")))
}

// HandleGitHubApp processes webhooks on the GitHub App route.
func (h *WebhookHandler) HandleGitHubApp(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, types.ProviderGitHub)
}

func (h *WebhookHandler) handle(w http.ResponseWriter, r *http.Request, provider types.Provider) {
	ctx := r.Context()
	logger := ctxlog.From(ctx)

	if !provider.Validate() {
		writeError(w, goerr.New("unknown provider", goerr.V("provider", provider)), http.StatusNotFound)
		return
	}

	// One extra byte so an oversized body is detected, not silently
	// truncated.
	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody+1))
	if err != nil {
		logger.Error("Failed to read request body", "error", err)
		writeError(w, goerr.Wrap(err, "failed to read request body"), http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	event, err := h.receiver.Receive(ctx, provider, headers, body)
	if err != nil {
		status := statusFromError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("Failed to process webhook", "error", err)
		} else {
			logger.Warn("Webhook rejected", "status", status, "error", err)
		}
		writeError(w, err, status)
		return
	}

	if h.gate != nil {
		async.Dispatch(ctx, func(ctx context.Context) error {
			return h.gate.HandleEvent(ctx, event)
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": event.ID.String(),
	})
}
