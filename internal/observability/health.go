package observability

import (
	"context"
	"log/slog"
	"time"
)

// Each readiness probe gets its own deadline so one hung dependency (a
// wedged audit database, an unreachable remote executor) cannot hold
// the /readyz response open indefinitely.
const readinessCheckTimeout = 3 * time.Second

// HealthChecker answers the daemon's liveness and readiness probes.
// Readiness aggregates named dependency checks registered at wire-up,
// typically the change-audit store and the shared workspace root.
type HealthChecker struct {
	checks []readinessCheck
	logger *slog.Logger
}

type readinessCheck struct {
	name  string
	probe func(ctx context.Context) error
}

// HealthStatus is the JSON body served on /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one dependency's readiness.
type CheckResult struct {
	Status  string `json:"status"`            // "ok" or "fail"
	Message string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe.
func (h *HealthChecker) AddCheck(name string, probe func(ctx context.Context) error) {
	h.checks = append(h.checks, readinessCheck{name: name, probe: probe})
}

// CheckHealth is the liveness answer: the process is up, nothing more.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady probes every registered dependency. A single failure
// degrades the aggregate status; the remaining probes still run, so
// the response names each broken dependency.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	if len(h.checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(h.checks)),
	}
	for _, c := range h.checks {
		result := h.runProbe(ctx, c)
		if result.Status != "ok" {
			status.Status = "degraded"
		}
		status.Checks[c.name] = result
	}
	return status
}

func (h *HealthChecker) runProbe(ctx context.Context, c readinessCheck) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, readinessCheckTimeout)
	defer cancel()

	if err := c.probe(probeCtx); err != nil {
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.name),
				slog.String("error", err.Error()),
			)
		}
		return CheckResult{Status: "fail", Message: err.Error()}
	}
	return CheckResult{Status: "ok"}
}
