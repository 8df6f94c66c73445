package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/mistakeknot/interlock/internal/storage/remote"
)

const healthCheckTimeout = 2 * time.Second

// handleHealth answers 200 when a trivial query completes within the check
// timeout and 503 otherwise. The body is the same in both cases.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	start := time.Now()
	_, err := s.db.Query(ctx, `SELECT 1`)
	resp := remote.HealthResponse{
		Healthy:    err == nil,
		PID:        s.pid(),
		DBPath:     s.dbPath,
		ResponseMS: float64(time.Since(start).Microseconds()) / 1000,
		OpenTx:     s.OpenTx(),
		Uptime:     time.Since(s.started).Round(time.Second).String(),
	}
	s.metrics.RecordHealth(ctx, resp.Healthy)
	status := http.StatusOK
	if err != nil {
		s.log.Warn("health check failed", "error", err)
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
