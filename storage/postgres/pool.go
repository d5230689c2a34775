// Package postgres provides the default relational backend: one Store
// value satisfying the outbox, dispatch and inbox store contracts over a
// PostgreSQL database.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPoolConfig returns sensible defaults for production. The pool is
// shared between emitters, dispatchers and the inbox gate; MaxConns
// bounds them all together.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:               dsn,
		MaxConns:          25,
		MinConns:          5,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// NewPool creates a connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg PoolConfig) (*Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod
	poolConfig.ConnConfig.RuntimeParams["application_name"] = "relaybox"

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Close closes all connections in the pool.
func (p *Pool) Close() {
	if p.Pool != nil {
		p.Pool.Close()
	}
}

// Unwrap returns the underlying pgxpool.Pool for cases where it's needed.
func (p *Pool) Unwrap() *pgxpool.Pool {
	return p.Pool
}

// MetricsCollector returns a prometheus.Collector exposing pool gauges.
// Register it alongside the dispatcher counters; use ConstLabels on a
// custom registry when one process runs several pools.
func (p *Pool) MetricsCollector() prometheus.Collector {
	return &poolCollector{pool: p.Pool}
}

var (
	poolTotalConnsDesc = prometheus.NewDesc(
		"relaybox_pool_total_conns",
		"Current number of connections in the pool", nil, nil)
	poolAcquiredConnsDesc = prometheus.NewDesc(
		"relaybox_pool_acquired_conns",
		"Connections currently checked out of the pool", nil, nil)
	poolIdleConnsDesc = prometheus.NewDesc(
		"relaybox_pool_idle_conns",
		"Idle connections in the pool", nil, nil)
	poolMaxConnsDesc = prometheus.NewDesc(
		"relaybox_pool_max_conns",
		"Configured connection ceiling", nil, nil)
	poolAcquiresDesc = prometheus.NewDesc(
		"relaybox_pool_acquires_total",
		"Cumulative number of successful connection acquires", nil, nil)
)

// poolCollector reads pgxpool statistics on scrape.
type poolCollector struct {
	pool *pgxpool.Pool
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolTotalConnsDesc
	ch <- poolAcquiredConnsDesc
	ch <- poolIdleConnsDesc
	ch <- poolMaxConnsDesc
	ch <- poolAcquiresDesc
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(poolTotalConnsDesc, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(poolAcquiredConnsDesc, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(poolIdleConnsDesc, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(poolMaxConnsDesc, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(poolAcquiresDesc, prometheus.CounterValue, float64(stat.AcquireCount()))
}
