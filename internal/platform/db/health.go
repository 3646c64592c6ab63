package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// Pinger is anything readiness depends on: the pool, the result cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PoolStats is the subset of pgxpool statistics exposed on /health/ready.
type PoolStats struct {
	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessHandler pings every named dependency and answers 503 if any fail.
// stats is optional and only adds pool numbers to the body.
func ReadinessHandler(checks map[string]Pinger, stats func() *PoolStats) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		code := http.StatusOK
		results := make(map[string]checkResult, len(checks))
		for name, p := range checks {
			if err := p.Ping(ctx); err != nil {
				code = http.StatusServiceUnavailable
				results[name] = checkResult{Status: "unhealthy", Error: err.Error()}
				continue
			}
			results[name] = checkResult{Status: "healthy"}
		}

		body := map[string]interface{}{"checks": results}
		if code == http.StatusOK {
			body["status"] = "ready"
		} else {
			body["status"] = "not_ready"
		}
		if stats != nil {
			body["pool"] = stats()
		}
		return c.JSON(code, body)
	}
}
