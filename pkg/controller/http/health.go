package http

import (
	"net/http"

	"github.com/mergegate/mergegate/pkg/domain/model"
	"github.com/mergegate/mergegate/pkg/domain/types"
	"github.com/mergegate/mergegate/pkg/usecase"
)

// HealthHandler reports process health from the latest probe sweep.
type HealthHandler struct {
	monitor  *usecase.HealthMonitor
	strategy *usecase.DegradationStrategy
}

func NewHealthHandler(monitor *usecase.HealthMonitor, strategy *usecase.DegradationStrategy) *HealthHandler {
	return &HealthHandler{monitor: monitor, strategy: strategy}
}

type healthResponse struct {
	Status   string                    `json:"status"`
	Service  string                    `json:"service"`
	Version  string                    `json:"version"`
	Degraded bool                      `json:"degraded"`
	Checks   []model.HealthCheckResult `json:"checks,omitempty"`
}

// Handle serves the health endpoint. Unhealthy dependencies yield 503
// so load balancers rotate the instance out.
func (h *HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	overall := model.HealthHealthy
	var checks []model.HealthCheckResult
	if h.monitor != nil {
		overall = h.monitor.Overall()
		checks = h.monitor.Results()
	}

	degraded := false
	if h.strategy != nil {
		degraded = h.strategy.Degraded()
	}

	status := http.StatusOK
	if overall == model.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}

	// Before the first probe sweep the process reports healthy.
	statusText := string(overall)
	if overall == model.HealthUnknown {
		statusText = string(model.HealthHealthy)
	}

	writeJSON(w, status, healthResponse{
		Status:   statusText,
		Service:  "mergegate",
		Version:  types.Version,
		Degraded: degraded,
		Checks:   checks,
	})
}
