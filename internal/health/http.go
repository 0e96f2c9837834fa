package health

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Handler serves the liveness and readiness probes.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a probe handler backed by the manager.
func NewHandler(m *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: m, logger: logger}
}

// RegisterRoutes mounts the probe endpoints on the admin mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.handleLive)
	mux.HandleFunc("/health/ready", h.handleReady)
}

// handleLive answers as long as the process serves HTTP.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ready, results := h.manager.Ready(r.Context())
	status := http.StatusOK
	overall := StatusHealthy
	if !ready {
		status = http.StatusServiceUnavailable
		overall = StatusUnhealthy
	}
	h.write(w, status, map[string]interface{}{
		"status":    overall,
		"ready":     ready,
		"checks":    results,
		"timestamp": time.Now().Unix(),
	})
}

func (h *Handler) write(w http.ResponseWriter, status int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}
