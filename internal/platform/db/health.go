package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth is the result of pinging one pool.
type NodeHealth struct {
	Up         bool   `json:"up"`
	PingMillis int64  `json:"ping_ms"`
	Error      string `json:"error,omitempty"`

	TotalConns    int32 `json:"total_conns"`
	IdleConns     int32 `json:"idle_conns"`
	AcquiredConns int32 `json:"acquired_conns"`
	MaxConns      int32 `json:"max_conns"`
	// EmptyAcquires counts acquisitions that had to wait for a connection.
	EmptyAcquires int64 `json:"empty_acquires"`
}

type ClusterHealth struct {
	Status  string      `json:"status"`
	Primary NodeHealth  `json:"primary"`
	Replica *NodeHealth `json:"replica,omitempty"`
}

func pingNode(ctx context.Context, pool *pgxpool.Pool) NodeHealth {
	start := time.Now()
	err := pool.Ping(ctx)
	st := pool.Stat()
	h := NodeHealth{
		Up:            err == nil,
		PingMillis:    time.Since(start).Milliseconds(),
		TotalConns:    st.TotalConns(),
		IdleConns:     st.IdleConns(),
		AcquiredConns: st.AcquiredConns(),
		MaxConns:      st.MaxConns(),
		EmptyAcquires: st.EmptyAcquireCount(),
	}
	if err != nil {
		h.Error = err.Error()
	}
	return h
}

// Check pings the primary and the replica, if any. A down replica only
// degrades the cluster since reads fall back to the primary.
func (c *Cluster) Check(ctx context.Context) ClusterHealth {
	out := ClusterHealth{Status: StatusHealthy, Primary: pingNode(ctx, c.primary)}
	if c.replica != nil {
		r := pingNode(ctx, c.replica)
		out.Replica = &r
		if !r.Up {
			out.Status = StatusDegraded
		}
	}
	if !out.Primary.Up {
		out.Status = StatusUnhealthy
	}
	return out
}

// HealthHandler serves Check as JSON: 503 when the primary is down.
func HealthHandler(cluster *Cluster) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := cluster.Check(ctx)
		code := http.StatusOK
		if h.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		return c.JSON(code, h)
	}
}
