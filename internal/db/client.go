// Package db persists content items, jobs, chunks and assets. Client talks to
// SurrealDB with auto-reconnect; MemoryStore keeps everything in process.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

// Auth levels accepted in Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultMaxRetries  = 10
)

func init() {
	// WebSocket upgrades fail when ALPN negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Config holds SurrealDB connection settings.
type Config struct {
	URL       string // ws:// or wss://, with or without the /rpc suffix
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot (default) or AuthDatabase

	DialTimeout time.Duration
	MaxRetries  int
}

func (c Config) auth() surrealdb.Auth {
	if c.AuthLevel == AuthDatabase {
		return surrealdb.Auth{
			Namespace: c.Namespace,
			Database:  c.Database,
			Username:  c.Username,
			Password:  c.Password,
		}
	}
	return surrealdb.Auth{Username: c.Username, Password: c.Password}
}

// Client is the SurrealDB-backed Store.
type Client struct {
	conn   *rews.Connection[*gorillaws.Connection]
	db     *surrealdb.DB
	logger *slog.Logger
}

// NewClient dials SurrealDB, signs in and selects the namespace and
// database. The connection reconnects with exponential backoff.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "surrealdb")
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	conn := dial(cfg, logger.New(log.Handler()))
	log.Info("connecting", "url", cfg.URL)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}

	if _, err := db.SignIn(ctx, cfg.auth()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	log.Info("connected", "namespace", cfg.Namespace, "database", cfg.Database)
	return &Client{conn: conn, db: db, logger: log}, nil
}

// dial builds the reconnecting connection. gorillaws appends /rpc itself.
func dial(cfg Config, sdkLogger logger.Logger) *rews.Connection[*gorillaws.Connection] {
	codec := surrealcbor.New()
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		cfg.DialTimeout,
		codec,
		sdkLogger,
	)

	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = cfg.MaxRetries
	conn.Retryer = retryer
	return conn
}

// Close closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.logger.Debug("closing connection")
	return c.conn.Close(ctx)
}

// InitSchema applies SchemaSQL. Every statement is idempotent.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.logger.Debug("schema ready")
	return nil
}

// Ping runs a trivial query to verify the connection is usable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, "RETURN 1", nil); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// WipeData deletes every record and keeps the schema. Tests only.
func (c *Client) WipeData(ctx context.Context) error {
	// Children first so no chunk or asset outlives its item.
	for _, table := range []string{tableChunk, tableAsset, tableJob, tableContent} {
		if _, err := surrealdb.Query[any](ctx, c.db, "DELETE type::table($tb)", map[string]any{"tb": table}); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	c.logger.Warn("wiped all data")
	return nil
}
