package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Backend names the node a query is sent to.
type Backend int

const (
	Primary Backend = iota
	Replica
)

func (b Backend) String() string {
	if b == Replica {
		return "replica"
	}
	return "primary"
}

// ClusterConfig holds the connection settings for the primary and an
// optional streaming replica.
type ClusterConfig struct {
	PrimaryURL string
	ReplicaURL string
	MaxConns   int32
	MinConns   int32
}

// Cluster is a primary pool plus an optional replica pool. All writes go to
// the primary; reads may be routed to the replica when one is connected.
type Cluster struct {
	primary *pgxpool.Pool
	replica *pgxpool.Pool
	logger  zerolog.Logger
}

// NewCluster connects the primary and, when configured, the replica. A replica
// that cannot be reached is logged and left out so the cluster still serves.
func NewCluster(ctx context.Context, cfg ClusterConfig, logger zerolog.Logger) (*Cluster, error) {
	opts := PoolOptions{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns, AppName: "recordvault"}
	primary, err := NewPool(ctx, cfg.PrimaryURL, opts)
	if err != nil {
		return nil, fmt.Errorf("primary: %w", err)
	}
	c := &Cluster{primary: primary, logger: logger}

	if cfg.ReplicaURL == "" {
		logger.Info().Msg("no read replica configured, all reads go to primary")
		return c, nil
	}
	opts.AppName = "recordvault-reader"
	replica, err := NewPool(ctx, cfg.ReplicaURL, opts)
	if err != nil {
		logger.Warn().Err(err).Msg("read replica unavailable, all reads go to primary")
		return c, nil
	}
	c.replica = replica
	logger.Info().Msg("connected to primary and read replica")
	return c, nil
}

// NewClusterFromPools wraps pools that were opened elsewhere. replica may be nil.
func NewClusterFromPools(primary, replica *pgxpool.Pool, logger zerolog.Logger) *Cluster {
	return &Cluster{primary: primary, replica: replica, logger: logger}
}

func (c *Cluster) Primary() *pgxpool.Pool { return c.primary }

// Replica returns the replica pool, or nil when none is connected.
func (c *Cluster) Replica() *pgxpool.Pool { return c.replica }

func (c *Cluster) HasReplica() bool { return c.replica != nil }

// Select returns the pool for the wanted backend and the backend actually used.
// Asking for the replica without one falls back to the primary.
func (c *Cluster) Select(want Backend) (*pgxpool.Pool, Backend) {
	if want == Replica && c.replica != nil {
		return c.replica, Replica
	}
	return c.primary, Primary
}

func (c *Cluster) Close() {
	if c.replica != nil {
		c.replica.Close()
	}
	c.primary.Close()
}
