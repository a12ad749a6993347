package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const serviceName = "clinicq"

// PoolStats is the connection-pool slice of the health payload.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

type healthResponse struct {
	Service string     `json:"service"`
	Status  string     `json:"status"`
	Error   string     `json:"error,omitempty"`
	Pool    *PoolStats `json:"pool"`
}

func poolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// HealthHandler reports whether the queue store is reachable. A 503 takes
// the instance out of the load balancer's rotation.
func HealthHandler(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		stats := poolStats(pool)
		if err := pool.Ping(ctx); err != nil {
			stats.Healthy = false
			return c.JSON(http.StatusServiceUnavailable, healthResponse{
				Service: serviceName,
				Status:  "unhealthy",
				Error:   err.Error(),
				Pool:    stats,
			})
		}

		return c.JSON(http.StatusOK, healthResponse{
			Service: serviceName,
			Status:  "healthy",
			Pool:    stats,
		})
	}
}
