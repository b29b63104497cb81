package api

import "github.com/facerelay/facerelay/server/internal/metrics"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status        string `json:"status"`
	Node          string `json:"node"`
	Connections   int    `json:"connections"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Policy        string `json:"policy"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	Node        string        `json:"node"`
	Policy      string        `json:"policy"`
	Stats       metrics.Stats `json:"stats"`
	GeneratedAt string        `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
