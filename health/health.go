// Package health exposes liveness checks for the intake consumer. Checks
// are aggregated into a single HTTP handler suitable for mounting next to
// the metrics endpoint.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Status is the outcome of a single check.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the report produced by a single checker run.
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message"`
	Error     string         `json:"error,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Duration  time.Duration  `json:"duration_ns"`
	Timestamp time.Time      `json:"timestamp"`
}

// Checker is a single named health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// Report aggregates the results of all registered checkers.
type Report struct {
	Status    Status        `json:"status"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Handler runs all registered checkers on each request and reports the
// aggregate as JSON. It responds 200 for healthy and degraded states and
// 503 when any check is unhealthy.
type Handler struct {
	checkers []Checker
	timeout  time.Duration
	logger   *slog.Logger
}

// NewHandler creates a health handler running the given checkers.
func NewHandler(logger *slog.Logger, checkers ...Checker) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		checkers: checkers,
		timeout:  5 * time.Second,
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.Run(ctx)

	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.logger.Warn("failed to write health report", "error", err)
	}
}

// Run executes every checker and folds the results into a Report. The
// aggregate status is the worst individual status.
func (h *Handler) Run(ctx context.Context) Report {
	report := Report{
		Status:    StatusHealthy,
		Checks:    make([]CheckResult, 0, len(h.checkers)),
		Timestamp: time.Now(),
	}

	for _, checker := range h.checkers {
		result := checker.Check(ctx)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case StatusUnhealthy:
			report.Status = StatusUnhealthy
		case StatusDegraded:
			if report.Status == StatusHealthy {
				report.Status = StatusDegraded
			}
		}
	}

	return report
}
