package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/loopscope/historian/pkg/retry"
	"github.com/loopscope/historian/pkg/utils"
)

// Client wraps a ClickHouse connection pool for the historian's series
// storage. One Client serves both the raw and rollup tables; they live in a
// single database selected by HISTORIAN_DB.
type Client struct {
	Logger   *zap.Logger
	Db       driver.Conn
	Database string
}

// New connects to ClickHouse using CLICKHOUSE_ADDR, retrying with backoff so
// the daemons survive a store that comes up after them. The target database
// is created if missing.
func New(ctx context.Context, logger *zap.Logger, dbName string) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	dsn := utils.Env("CLICKHOUSE_ADDR", "clickhouse://localhost:9000?sslmode=disable")
	options, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse CLICKHOUSE_ADDR: %w", err)
	}

	options.DialTimeout = 10 * time.Second
	options.MaxOpenConns = utils.EnvInt("CLICKHOUSE_MAX_OPEN_CONNS", 10)
	options.MaxIdleConns = utils.EnvInt("CLICKHOUSE_MAX_IDLE_CONNS", 5)
	options.ConnMaxLifetime = utils.EnvDuration("CLICKHOUSE_CONN_MAX_LIFETIME", time.Hour)
	if options.Compression == nil {
		options.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}

	client := &Client{Logger: logger, Database: dbName}
	retryConfig := retry.DefaultConfig()

	err = retry.WithBackoff(connCtx, retryConfig, logger, "clickhouse_connection", func() error {
		conn, openErr := clickhouse.Open(options)
		if openErr != nil {
			return fmt.Errorf("open clickhouse connection: %w", openErr)
		}
		if pingErr := conn.Ping(connCtx); pingErr != nil {
			_ = conn.Close()
			return fmt.Errorf("ping clickhouse: %w", pingErr)
		}
		client.Db = conn
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := client.CreateDbIfNotExists(connCtx, dbName); err != nil {
		return nil, err
	}

	client.Logger.Info("ClickHouse connection ready",
		zap.String("database", dbName),
		zap.Int("max_open_conns", options.MaxOpenConns),
		zap.Int("max_idle_conns", options.MaxIdleConns))
	return client, nil
}

// SanitizeName makes an identifier safe to use as a database or table name.
func SanitizeName(id string) string {
	s := strings.ToLower(id)
	s = strings.ReplaceAll(s, "-", "_")
	s = strings.ReplaceAll(s, ".", "_")
	return s
}

// CreateDbIfNotExists ensures the target database exists.
func (c *Client) CreateDbIfNotExists(ctx context.Context, dbName string) error {
	query := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s ENGINE = Atomic", SanitizeName(dbName))
	c.Logger.Debug("Creating database", zap.String("database", dbName))
	return c.Exec(ctx, query)
}

// Exec executes a raw statement.
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	return c.Db.Exec(ctx, query, args...)
}

// Query runs a query returning multiple rows.
func (c *Client) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.Db.Query(ctx, query, args...)
}

// QueryRow runs a query returning a single row.
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) driver.Row {
	return c.Db.QueryRow(ctx, query, args...)
}

// Select scans a query result into a slice.
func (c *Client) Select(ctx context.Context, dest any, query string, args ...any) error {
	return c.Db.Select(ctx, dest, query, args...)
}

// PrepareBatch starts a batch insert.
func (c *Client) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.Db.PrepareBatch(ctx, query)
}

// Ping checks connection health.
func (c *Client) Ping(ctx context.Context) error {
	return c.Db.Ping(ctx)
}

// Close terminates the connection pool.
func (c *Client) Close() error {
	return c.Db.Close()
}
