package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const DB_NAME = "asyncrefresh"

const LOCAL_CONNECTION_STRING = "user=postgres password=postgres dbname=asyncrefresh sslmode=disable"

const MAIN_SCHEMA = "asyncrefresh"
const TESTING_SCHEMA = "asyncrefresh_test"

// The cluster bus needs a connection per publish and the occasional read.
// LISTEN runs on its own connection outside the pool.
const (
	maxOpenConns    = 4
	maxIdleConns    = 2
	connMaxIdleTime = 5 * time.Minute
)

const defaultConnectTimeout = 30 * time.Second

func GetSchemaName(isTesting bool) string {
	if isTesting {
		return TESTING_SCHEMA
	}
	return MAIN_SCHEMA
}

type connectOptions struct {
	timeout time.Duration
}

type ConnectOption func(*connectOptions)

// WithConnectTimeout bounds how long connecting is retried
func WithConnectTimeout(timeout time.Duration) ConnectOption {
	return func(o *connectOptions) {
		o.timeout = timeout
	}
}

// NewPostgresDatabase connects to postgres, retrying with exponential backoff
// until the connect timeout, and makes sure DB_NAME exists.
func NewPostgresDatabase(ctx context.Context, connectionString string, opts ...ConnectOption) (*sqlx.DB, error) {
	options := connectOptions{timeout: defaultConnectTimeout}
	for _, opt := range opts {
		opt(&options)
	}

	db, err := backoff.Retry(
		ctx,
		func() (*sqlx.DB, error) {
			return sqlx.ConnectContext(ctx, "postgres", connectionString)
		},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(options.timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := ensureDatabase(ctx, db, DB_NAME); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return db, nil
}

func ensureDatabase(ctx context.Context, db *sqlx.DB, dbName string) error {
	var exists bool
	err := db.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", dbName)
	if err != nil {
		return fmt.Errorf("ensureDatabase: failed to check if %s exists: %w", dbName, err)
	}
	if exists {
		return nil
	}

	// CREATE DATABASE does not take bind parameters
	_, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", pq.QuoteIdentifier(dbName)))
	if err != nil {
		return fmt.Errorf("ensureDatabase: failed to create %s: %w", dbName, err)
	}

	return nil
}
