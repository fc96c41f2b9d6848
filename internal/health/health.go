// Copyright 2025 Civic Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package health aggregates dependency health checks behind a JSON endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status represents the health of a component
type Status string

const (
	// StatusHealthy indicates the component is operating normally
	StatusHealthy Status = "healthy"
	// StatusUnhealthy indicates the component is failing
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is the outcome of a single dependency check
type CheckResult struct {
	Status    Status                 `json:"status"`
	Error     string                 `json:"error,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CheckerFunc performs a dependency health check
type CheckerFunc func(ctx context.Context) CheckResult

// Manager runs registered checkers and reports aggregate service health
type Manager struct {
	service string
	version string
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]CheckerFunc
}

// NewManager creates a health manager for a service
func NewManager(service, version string, logger *zap.Logger) *Manager {
	return &Manager{
		service:  service,
		version:  version,
		logger:   logger,
		timeout:  5 * time.Second,
		checkers: make(map[string]CheckerFunc),
	}
}

// SetTimeout sets the per-check timeout
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = timeout
}

// AddCheckerFunc registers a named dependency checker
func (m *Manager) AddCheckerFunc(name string, checker CheckerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

// Report is the aggregate health response body
type Report struct {
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Check runs all registered checkers and aggregates the result
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	timeout := m.timeout
	checkers := make(map[string]CheckerFunc, len(m.checkers))
	for name, checker := range m.checkers {
		checkers[name] = checker
	}
	m.mu.RUnlock()

	report := Report{
		Service:   m.service,
		Version:   m.version,
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]CheckResult, len(checkers)),
	}

	for name, checker := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		result := checker(checkCtx)
		cancel()

		report.Checks[name] = result
		if result.Status != StatusHealthy {
			report.Status = StatusUnhealthy
			m.logger.Warn("Health check failed",
				zap.String("check", name),
				zap.String("error", result.Error))
		}
	}

	return report
}

// HTTPHandler returns a handler serving the aggregate health report.
// Unhealthy reports are served with 503.
func (m *Manager) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := m.Check(r.Context())

		status := http.StatusOK
		if report.Status != StatusHealthy {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Error("Failed to encode health report", zap.Error(err))
		}
	})
}
