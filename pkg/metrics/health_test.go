package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth(t *testing.T) {
	t.Helper()
	process = newBoard()
}

func TestGetHealth(t *testing.T) {
	resetHealth(t)
	SetVersion("1.0.0")

	UpdateComponent(ComponentAPI, true, "")
	UpdateComponent(ComponentWorkers, true, "")

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}

	UpdateComponent(ComponentWorkers, false, "pool closed")
	health = GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if got := Components()[ComponentWorkers]; got != "unhealthy: pool closed" {
		t.Errorf("unexpected workers status: %s", got)
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		critical   []string
		want       string
	}{
		{"all ready", map[string]bool{ComponentAPI: true, ComponentWorkers: true}, nil, "ready"},
		{"missing workers", map[string]bool{ComponentAPI: true}, nil, "not_ready"},
		{"unhealthy api", map[string]bool{ComponentAPI: false, ComponentWorkers: true}, nil, "not_ready"},
		{"custom critical", map[string]bool{ComponentAPI: true}, []string{ComponentAPI}, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			if tt.critical != nil {
				SetCritical(tt.critical...)
			}
			for name, ok := range tt.components {
				UpdateComponent(name, ok, "starting")
			}

			readiness := GetReadiness()
			if readiness.Status != tt.want {
				t.Errorf("expected status '%s', got '%s'", tt.want, readiness.Status)
			}
			if tt.want == "not_ready" && readiness.Message == "" {
				t.Error("expected message explaining why not ready")
			}
		})
	}
}

func TestGetReadiness_Daemon(t *testing.T) {
	resetHealth(t)
	SetCritical(ComponentReconciler)
	UpdateComponent(ComponentReconciler, true, "")

	if got := GetReadiness().Status; got != StatusReady {
		t.Errorf("expected daemon to be ready without api and workers, got %s", got)
	}
}

func TestHealthHandlers(t *testing.T) {
	resetHealth(t)
	UpdateComponent(ComponentAPI, true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected healthy status, got %s", health.Status)
	}

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 before workers register, got %d", w.Code)
	}

	UpdateComponent(ComponentAPI, false, "shutting down")
	w = httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}
