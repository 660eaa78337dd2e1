package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"timebank/internal/config"
	"timebank/internal/domain"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DB is the sqlx backed store. Reads on DB run outside any transaction;
// every mutation of a transition goes through WithTx.
type DB struct {
	*queries
	db      *sqlx.DB
	driver  string
	path    string
	retries int
	logger  *zerolog.Logger
}

var _ domain.Store = (*DB)(nil)

// Open connects using the configured driver and applies the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zerolog.Logger) (*DB, error) {
	var (
		dsn  string
		path string
	)

	switch cfg.Driver {
	case config.DriverSQLite, "":
		path = cfg.Path
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = sqliteDSN(path)
	case config.DriverPostgres, config.DriverPgx:
		dsn = cfg.Postgres.DSN()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	driver := cfg.Driver
	if driver == "" {
		driver = config.DriverSQLite
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver != config.DriverSQLite && cfg.Postgres.MaxConnections > 0 {
		conn.SetMaxOpenConns(cfg.Postgres.MaxConnections)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{
		queries: newQueries(conn, driver),
		db:      conn,
		driver:  driver,
		path:    path,
		retries: cfg.TxRetries,
		logger:  logger,
	}

	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("driver", driver).Msg("Database initialized")
	return db, nil
}

// NewSQLite opens a sqlite database file with default settings.
func NewSQLite(path string, logger *zerolog.Logger) (*DB, error) {
	return Open(context.Background(), config.DatabaseConfig{
		Driver:    config.DriverSQLite,
		Path:      path,
		TxRetries: 5,
	}, logger)
}

// Writers take the lock at BEGIN so two transactions never both read a slot
// as available and then race to upgrade.
func sqliteDSN(path string) string {
	return "file:" + path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
}

func (d *DB) Driver() string { return d.driver }

// Path returns the sqlite file path, empty for postgres.
func (d *DB) Path() string { return d.path }

// SQL exposes the underlying handle for maintenance jobs that run outside
// the domain interfaces.
func (d *DB) SQL() *sqlx.DB { return d.db }

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := append([]string{}, schema...)
	if d.driver == config.DriverSQLite {
		stmts = append(stmts, sqliteLedgerGuards...)
	} else {
		stmts = append(stmts, postgresLedgerGuards...)
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing query %s: %w", stmt, err)
		}
	}
	return nil
}

func (d *DB) txOptions() *sql.TxOptions {
	if d.driver == config.DriverSQLite {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

// WithTx runs fn inside one transaction and commits if fn returns nil. A
// transaction aborted by a serialization conflict is re-run from scratch, so
// fn must not have side effects outside tx.
func (d *DB) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := d.runTx(ctx, fn)
		if err == nil || !isRetryable(err) || attempt >= d.retries {
			return err
		}

		d.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("Transaction conflict, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
}

func (d *DB) runTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, d.txOptions())
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(newQueries(tx, d.driver)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queries implements reads and writes over either the pool or a transaction.
type queries struct {
	ext sqlx.ExtContext
	sb  sq.StatementBuilderType
}

func newQueries(ext sqlx.ExtContext, driver string) *queries {
	var format sq.PlaceholderFormat = sq.Question
	if driver != config.DriverSQLite {
		format = sq.Dollar
	}
	return &queries{
		ext: ext,
		sb:  sq.StatementBuilder.PlaceholderFormat(format),
	}
}

func (q *queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.GetContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return sqlx.SelectContext(ctx, q.ext, dest, q.ext.Rebind(query), args...)
}

func (q *queries) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := q.ext.ExecContext(ctx, q.ext.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *queries) selectBuilt(ctx context.Context, dest interface{}, b sq.SelectBuilder) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q.ext, dest, query, args...)
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		return code == pgerrcode.SerializationFailure || code == pgerrcode.DeadlockDetected
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgerrcode.UniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound(entity, id)
	}
	return fmt.Errorf("failed to get %s: %w", entity, err)
}
