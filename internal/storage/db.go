package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn *sqlx.DB

	// Caches for frequently accessed data
	modelCache  *LRUCache
	secretCache *LRUCache
}

// DBConfig holds database configuration
type DBConfig struct {
	// Connection settings
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeouts
	QueryTimeout time.Duration

	// Cache settings
	ModelCacheSize  int
	ModelCacheTTL   time.Duration
	SecretCacheSize int
	SecretCacheTTL  time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "modelgateway",
		User:     "postgres",
		Password: "",
		SSLMode:  "disable",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,

		ModelCacheSize:  500,
		ModelCacheTTL:   15 * time.Minute,
		SecretCacheSize: 1000,
		SecretCacheTTL:  5 * time.Minute,
	}
}

// NewDB creates a new database connection with caching
func NewDB(cfg DBConfig) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode,
	)

	conn, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{
		conn:        conn,
		modelCache:  NewLRUCache(cfg.ModelCacheSize, cfg.ModelCacheTTL),
		secretCache: NewLRUCache(cfg.SecretCacheSize, cfg.SecretCacheTTL),
	}, nil
}

// Close closes the database connection and clears caches
func (db *DB) Close() error {
	db.modelCache.Clear()
	db.secretCache.Clear()
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	if err := db.conn.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by repositories
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}

// CleanupExpiredCacheEntries removes expired entries from all caches
// Should be called periodically (e.g., every minute)
func (db *DB) CleanupExpiredCacheEntries() (modelRemoved, secretRemoved int) {
	modelRemoved = db.modelCache.CleanupExpired()
	secretRemoved = db.secretCache.CleanupExpired()
	return
}

// Repository factory methods

// NewModelRepository creates a new model repository
func (db *DB) NewModelRepository() *ModelRepository {
	return NewModelRepository(db)
}

// NewSecretRepository creates a new provider secret repository
func (db *DB) NewSecretRepository(enc *Encryption) *SecretRepository {
	return NewSecretRepository(db, enc)
}

// NewInvocationRepository creates a new async invocation repository
func (db *DB) NewInvocationRepository() *InvocationRepository {
	return NewInvocationRepository(db)
}
