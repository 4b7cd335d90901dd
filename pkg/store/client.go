// Package store owns the unified SQLite database: schema migrations, the
// single-writer commit path for raw traces, and the session, conversation,
// and state tables the rest of the pipeline persists through.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the unified store connection and its writer goroutine.
type Client struct {
	db     *sql.DB
	path   string
	writer *Writer
}

// Open creates or opens the unified store at path, applies pending
// migrations, and starts the writer. WAL mode, NORMAL synchronous, a 5 s
// busy timeout, and foreign keys are set in the DSN so every connection
// carries them.
func Open(ctx context.Context, path string) (*Client, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening unified store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging unified store: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating unified store: %w", err)
	}

	c := &Client{db: db, path: path}
	c.writer = newWriter(db)
	c.writer.start()
	return c, nil
}

// DB exposes the underlying connection for read-only queries.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Writer returns the serialised write path. All mutations of the unified
// store must go through it; SQLite has one writer per database file.
func (c *Client) Writer() *Writer {
	return c.writer
}

// Close stops the writer and closes the database.
func (c *Client) Close() error {
	c.writer.stop()
	return c.db.Close()
}

// Health verifies the store responds and returns the per-platform row
// high-water marks for the /health endpoint.
func (c *Client) Health(ctx context.Context) (map[string]int64, error) {
	if err := c.db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store ping: %w", err)
	}
	marks := make(map[string]int64, 2)
	for table, key := range map[string]string{
		"cursor_raw_traces": "cursor",
		"claude_raw_traces": "claude_code",
	} {
		var seq sql.NullInt64
		err := c.db.QueryRowContext(ctx, "SELECT MAX(sequence) FROM "+table).Scan(&seq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("reading %s high-water mark: %w", table, err)
		}
		marks[key] = seq.Int64
	}
	return marks, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("opening embedded migrations: %w", err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}

	// Close only the source driver: closing m would also close the
	// shared *sql.DB out from under the writer.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("closing migration source: %w", err)
	}
	return nil
}
