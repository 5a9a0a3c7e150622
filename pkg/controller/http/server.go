package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mergegate/mergegate/pkg/domain/interfaces"
	"github.com/mergegate/mergegate/pkg/usecase"
)

// config holds internal HTTP server configuration
type config struct {
	addr    string
	maxBody int64
}

// Option is a functional option for Server configuration
type Option func(*config)

// WithAddr sets the server address
func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithMaxBodyBytes caps the webhook payload size read per request.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) {
		c.maxBody = n
	}
}

// Server represents the HTTP server
type Server struct {
	*http.Server
}

// NewServer creates the HTTP server with all routes wired.
func NewServer(
	ctx context.Context,
	receiver interfaces.WebhookReceiver,
	gate interfaces.GateHandler,
	runs *usecase.RunService,
	monitor *usecase.HealthMonitor,
	strategy *usecase.DegradationStrategy,
	opts ...Option,
) (*Server, error) {
	cfg := &config{
		addr: "localhost:8080",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	router := chi.NewRouter()

	// Global middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggingMiddleware(ctx))
	router.Use(middleware.Recoverer)

	healthHandler := NewHealthHandler(monitor, strategy)
	router.Get("/health", healthHandler.Handle)

	webhookHandler := NewWebhookHandler(receiver, gate, cfg.maxBody)
	router.Post("/hooks/{provider}", webhookHandler.Handle)
	router.Post("/hooks/github/app", webhookHandler.HandleGitHubApp)

	runHandler := NewRunHandler(runs)
	router.Route("/api", func(r chi.Router) {
		r.Get("/runs", runHandler.List)
		r.Get("/runs/{id}", runHandler.Get)
		r.Post("/runs/{id}/cancel", runHandler.Cancel)
		r.Post("/runs/{id}/replay", runHandler.Replay)
	})

	server := &Server{
		Server: &http.Server{
			Addr:              cfg.addr,
			Handler:           router,
			ReadHeaderTimeout: 15 * time.Second,
		},
	}

	return server, nil
}
