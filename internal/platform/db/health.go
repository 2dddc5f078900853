package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// HealthReport is the body returned by the health endpoint.
type HealthReport struct {
	Status            string     `json:"status"`
	Error             string     `json:"error,omitempty"`
	PendingMigrations int        `json:"pending_migrations"`
	Pool              *PoolStats `json:"pool,omitempty"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// newHealthReport marks the database unhealthy when the ping failed or when
// the schema is behind the bundled migrations.
func newHealthReport(pingErr error, stats *PoolStats, pendingMigrations int) (int, *HealthReport) {
	report := &HealthReport{Status: "healthy", Pool: stats, PendingMigrations: pendingMigrations}
	switch {
	case pingErr != nil:
		report.Status = "unhealthy"
		report.Error = pingErr.Error()
		return http.StatusServiceUnavailable, report
	case pendingMigrations > 0:
		report.Status = "degraded"
		return http.StatusServiceUnavailable, report
	}
	return http.StatusOK, report
}

// HealthHandler returns a handler for the database health check endpoint.
// migrator may be nil, in which case migrations are not inspected.
func HealthHandler(pool *pgxpool.Pool, migrator *Migrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		err := pool.Ping(ctx)
		pendingCount := 0
		if err == nil && migrator != nil {
			var st []MigrationStatus
			st, err = migrator.Status(ctx)
			for _, s := range st {
				if !s.Applied {
					pendingCount++
				}
			}
		}

		code, report := newHealthReport(err, GetPoolStats(pool), pendingCount)
		return c.JSON(code, report)
	}
}
