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

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func healthyChecker(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Timestamp: time.Now()}
}

func unhealthyChecker(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Error: "dependency down", Timestamp: time.Now()}
}

func TestCheck_AllHealthy(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())
	manager.AddCheckerFunc("chroma", healthyChecker)
	manager.AddCheckerFunc("store", healthyChecker)

	report := manager.Check(context.Background())

	if report.Status != StatusHealthy {
		t.Errorf("Expected healthy aggregate, got %s", report.Status)
	}
	if report.Service != "server" {
		t.Errorf("Expected service name, got %q", report.Service)
	}
	if len(report.Checks) != 2 {
		t.Errorf("Expected 2 checks, got %d", len(report.Checks))
	}
}

func TestCheck_OneUnhealthy(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())
	manager.AddCheckerFunc("chroma", healthyChecker)
	manager.AddCheckerFunc("store", unhealthyChecker)

	report := manager.Check(context.Background())

	if report.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy aggregate, got %s", report.Status)
	}
	if report.Checks["store"].Error != "dependency down" {
		t.Errorf("Expected check error carried through, got %q", report.Checks["store"].Error)
	}
}

func TestCheck_NoCheckers(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())

	report := manager.Check(context.Background())

	if report.Status != StatusHealthy {
		t.Errorf("Expected healthy with no checkers, got %s", report.Status)
	}
}

func TestHTTPHandler_Healthy(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())
	manager.AddCheckerFunc("chroma", healthyChecker)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	manager.HTTPHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Status != StatusHealthy {
		t.Errorf("Expected healthy report, got %s", report.Status)
	}
}

func TestHTTPHandler_Unhealthy(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())
	manager.AddCheckerFunc("store", unhealthyChecker)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	manager.HTTPHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
}

func TestCheck_TimeoutApplied(t *testing.T) {
	manager := NewManager("server", "1.0.0", zap.NewNop())
	manager.SetTimeout(10 * time.Millisecond)
	manager.AddCheckerFunc("slow", func(ctx context.Context) CheckResult {
		select {
		case <-ctx.Done():
			return CheckResult{Status: StatusUnhealthy, Error: "timed out", Timestamp: time.Now()}
		case <-time.After(time.Second):
			return CheckResult{Status: StatusHealthy, Timestamp: time.Now()}
		}
	})

	start := time.Now()
	report := manager.Check(context.Background())

	if time.Since(start) > 500*time.Millisecond {
		t.Error("Expected check to be bounded by the timeout")
	}
	if report.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy on timeout, got %s", report.Status)
	}
}
