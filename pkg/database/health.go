package database

import (
	"context"
	"time"

	"github.com/gocql/gocql"
)

// HealthStatus reports cluster reachability.
type HealthStatus struct {
	Status         string `json:"status"`
	ResponseTime   int64  `json:"response_time_ms"`
	ReleaseVersion string `json:"release_version,omitempty"`
}

// Health checks cluster connectivity with a system.local read.
func Health(ctx context.Context, session *gocql.Session) (*HealthStatus, error) {
	start := time.Now()

	var releaseVersion string
	err := session.Query(`SELECT release_version FROM system.local`).
		WithContext(ctx).
		Consistency(gocql.One).
		Scan(&releaseVersion)
	if err != nil {
		return &HealthStatus{
			Status:       "unhealthy",
			ResponseTime: time.Since(start).Milliseconds(),
		}, err
	}

	return &HealthStatus{
		Status:         "healthy",
		ResponseTime:   time.Since(start).Milliseconds(),
		ReleaseVersion: releaseVersion,
	}, nil
}
