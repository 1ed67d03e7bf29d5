package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-eventpipe/eventpipe/log"
	"github.com/bxcodec/dbresolver/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
	defaultDatabaseName    = "postgres"
)

var (
	// ErrInvalidConfig is wrapped by every configuration validation error.
	ErrInvalidConfig = errors.New("invalid postgres config")
	// ErrInvalidDatabaseName is returned when DatabaseName is not a plain identifier.
	ErrInvalidDatabaseName = errors.New("invalid database name")
	// ErrNilClient is returned when a method is called on a nil Client.
	ErrNilClient = errors.New("postgres client is nil")
	// ErrNotConnected is returned when the resolver has no primary database.
	ErrNotConnected = errors.New("postgres client is not connected")
)

var (
	dbOpenFn = sql.Open

	createResolverFn = func(primaryDB, replicaDB *sql.DB) (_ dbresolver.DB, err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = fmt.Errorf("failed to create resolver: %v", recovered)
			}
		}()

		replicas := []*sql.DB{primaryDB}
		if replicaDB != nil {
			replicas = []*sql.DB{replicaDB}
		}

		connectionDB := dbresolver.New(
			dbresolver.WithPrimaryDBs(primaryDB),
			dbresolver.WithReplicaDBs(replicas...),
			dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
		)
		if connectionDB == nil {
			return nil, errors.New("resolver returned nil connection")
		}

		return connectionDB, nil
	}

	runMigrationsFn = Migrate

	connectionStringCredentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	connectionStringPasswordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
	dbNamePattern                      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)
)

// Config describes the primary and optional read replica used by the
// outbox and idempotency stores.
type Config struct {
	PrimaryDSN string
	// ReplicaDSN is optional. When empty every read goes to the primary.
	ReplicaDSN         string
	DatabaseName       string
	MaxOpenConnections int
	MaxIdleConnections int
	ConnMaxLifetime    time.Duration
	ConnMaxIdleTime    time.Duration
	// SkipMigrations disables the embedded schema migrations on Connect.
	SkipMigrations bool
	Logger         log.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNop()
	}

	if cfg.DatabaseName == "" {
		cfg.DatabaseName = defaultDatabaseName
	}

	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = defaultMaxOpenConns
	}

	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = defaultMaxIdleConns
	}

	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = defaultConnMaxIdleTime
	}

	return cfg
}

func (cfg Config) validate() error {
	if strings.TrimSpace(cfg.PrimaryDSN) == "" {
		return fmt.Errorf("%w: primary dsn is required", ErrInvalidConfig)
	}

	return validateDBName(cfg.DatabaseName)
}

// Client keeps a single read/write-split connection to Postgres. The
// connection is opened lazily by the first accessor or explicitly by Connect.
type Client struct {
	cfg      Config
	resolver dbresolver.DB
	mu       sync.RWMutex
}

// New validates cfg without opening any connection.
func New(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg}, nil
}

// Connect opens the primary and replica pools, runs the embedded migrations
// on the primary, and pings through the resolver. A previous connection is
// only replaced after the new one is healthy.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled before database connection: %w", err)
	}

	logger := c.cfg.Logger

	logger.Log(ctx, log.LevelInfo, "connecting to postgres")

	dbPrimary, err := c.open(ctx, c.cfg.PrimaryDSN, "primary")
	if err != nil {
		return err
	}

	var success bool

	defer func() {
		if !success {
			_ = dbPrimary.Close()
		}
	}()

	var dbReplica *sql.DB

	if strings.TrimSpace(c.cfg.ReplicaDSN) != "" {
		dbReplica, err = c.open(ctx, c.cfg.ReplicaDSN, "replica")
		if err != nil {
			return err
		}

		defer func() {
			if !success {
				_ = dbReplica.Close()
			}
		}()
	}

	resolver, err := createResolverFn(dbPrimary, dbReplica)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to create resolver", log.Err(err))

		return fmt.Errorf("failed to create resolver: %w", err)
	}

	if !c.cfg.SkipMigrations {
		if err := runMigrationsFn(ctx, dbPrimary, c.cfg.DatabaseName, logger); err != nil {
			_ = resolver.Close()

			return err
		}
	}

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		logger.Log(ctx, log.LevelError, "failed to ping database", log.String("error", sanitizeSensitiveError(err)))

		return fmt.Errorf("failed to ping database: %s", sanitizeSensitiveError(err))
	}

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			logger.Log(ctx, log.LevelWarn, "failed to close previous connection", log.Err(err))
		}
	}

	c.resolver = resolver
	success = true

	logger.Log(ctx, log.LevelInfo, "connected to postgres", log.Bool("replica", dbReplica != nil))

	return nil
}

func (c *Client) open(ctx context.Context, dsn, role string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		sanitized := sanitizeSensitiveError(err)
		c.cfg.Logger.Log(ctx, log.LevelError, "failed to open database", log.String("role", role), log.String("error", sanitized))

		return nil, fmt.Errorf("failed to connect to %s database: %s", role, sanitized)
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(c.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.cfg.ConnMaxIdleTime)

	return db, nil
}

// Resolver returns the read/write-split handle, connecting on first use.
func (c *Client) Resolver(ctx context.Context) (dbresolver.DB, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()

	if c.resolver != nil {
		resolver := c.resolver
		c.mu.RUnlock()

		return resolver, nil
	}

	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		return c.resolver, nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}

	return c.resolver, nil
}

// Primary returns the primary pool. Claims and status transitions must run here.
func (c *Client) Primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	primaries := resolver.PrimaryDBs()
	if len(primaries) == 0 || primaries[0] == nil {
		return nil, ErrNotConnected
	}

	return primaries[0], nil
}

// Replica returns the read replica pool, or the primary when no replica is configured.
func (c *Client) Replica(ctx context.Context) (*sql.DB, error) {
	resolver, err := c.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	for _, replica := range resolver.ReplicaDBs() {
		if replica != nil {
			return replica, nil
		}
	}

	return c.Primary(ctx)
}

// Close releases every pool. It is safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver = nil

	return err
}

// IsConnected reports whether a resolver is currently held.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.resolver != nil
}

func sanitizeSensitiveError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := connectionStringCredentialsPattern.ReplaceAllString(err.Error(), "://***@")
	sanitized = connectionStringPasswordPattern.ReplaceAllString(sanitized, "${1}***")

	return sanitized
}

func validateDBName(name string) error {
	if !dbNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidDatabaseName, name)
	}

	return nil
}
