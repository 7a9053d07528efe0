package handlers

import (
	"net/http"
	"time"
)

type HealthResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
	Renders        int64     `json:"renders"`
	RenderFailures int64     `json:"render_failures"`
}

// Health reports liveness along with download render counts since start.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	stats := s.downloads.Stats()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "healthy",
		Version:        s.version,
		Timestamp:      s.now().UTC(),
		Renders:        stats.Renders,
		RenderFailures: stats.Failures,
	})
}
