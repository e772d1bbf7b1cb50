package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats is a snapshot of the connection pool for /health/db.
type PoolStats struct {
	TotalConns    int32  `json:"total_conns"`
	IdleConns     int32  `json:"idle_conns"`
	AcquiredConns int32  `json:"acquired_conns"`
	MaxConns      int32  `json:"max_conns"`
	AcquireWait   string `json:"acquire_wait"`
}

func poolStats(pool *pgxpool.Pool) PoolStats {
	s := pool.Stat()
	return PoolStats{
		TotalConns:    s.TotalConns(),
		IdleConns:     s.IdleConns(),
		AcquiredConns: s.AcquiredConns(),
		MaxConns:      s.MaxConns(),
		AcquireWait:   s.AcquireDuration().String(),
	}
}

// DBHealth is the /health/db response body.
type DBHealth struct {
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	PingLatency       string    `json:"ping_latency,omitempty"`
	PendingMigrations int       `json:"pending_migrations"`
	Pool              PoolStats `json:"pool"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports the database as unhealthy (503) when it does not
// answer a ping or when the chart schema has unapplied migrations.
func HealthHandler(pool *pgxpool.Pool, m *Migrator) echo.HandlerFunc {
	return healthHandler(pool, func() PoolStats { return poolStats(pool) }, m.Pending)
}

func healthHandler(p pinger, stats func() PoolStats, pending func(context.Context) (int, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := DBHealth{Status: "healthy"}
		start := time.Now()
		err := p.Ping(ctx)
		h.PingLatency = time.Since(start).String()
		if err == nil {
			h.PendingMigrations, err = pending(ctx)
		}
		h.Pool = stats()

		switch {
		case err != nil:
			h.Status, h.Error = "unhealthy", err.Error()
		case h.PendingMigrations > 0:
			h.Status, h.Error = "unhealthy", "schema has pending migrations; run labchart migrate up"
		default:
			return c.JSON(http.StatusOK, h)
		}
		return c.JSON(http.StatusServiceUnavailable, h)
	}
}
