// Package db opens the embedded coordination store and applies its schema.
// The store is a single SQLite file in WAL mode (pure-Go modernc driver, no
// CGO) shared by the daemon and any CLI process operating in direct-DB mode.
// Migrations are embedded in the binary and applied automatically on open.
package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// modernc pure-Go SQLite driver — no CGO required.
	// Registers itself as "sqlite" in database/sql.
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath selects the throwaway in-memory store used by tests.
const MemoryPath = ":memory:"

// EnvPath is the environment variable naming the database file.
const EnvPath = "PORT_DADDY_DB"

// Config holds the configuration required to open the store.
type Config struct {
	Path     string // database file path, or MemoryPath
	Logger   *zap.Logger
	LogLevel gormlogger.LogLevel
}

// Open opens (creating if necessary) the store, applies pending migrations,
// and returns the ready-to-use *gorm.DB.
func Open(cfg Config) (*gorm.DB, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("db: logger is required")
	}

	// Open the connection manually via database/sql using the modernc driver,
	// then hand the existing *sql.DB to GORM so it does not try to open a
	// second connection with go-sqlite3.
	sqlDB, err := sql.Open("sqlite", DSN(cfg.Path))
	if err != nil {
		return nil, fmt.Errorf("db: open sqlite: %w", err)
	}
	// SQLite supports only one writer at a time; a single connection also
	// keeps an in-memory database alive for the whole process.
	sqlDB.SetMaxOpenConns(1)

	database, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(cfg.Logger, cfg.LogLevel),
		// Statement cache: every query is prepared once per connection.
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("db: initialize gorm: %w", err)
	}

	if err := runMigrations(sqlDB, cfg.Logger); err != nil {
		return nil, fmt.Errorf("db: migrations failed: %w", err)
	}

	return database, nil
}

// DSN builds the modernc DSN for path with the pragmas the store requires:
// WAL journaling, NORMAL sync, foreign keys, and a 5s busy timeout for
// cross-process writers.
func DSN(path string) string {
	if path == "" {
		path = MemoryPath
	}
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
}

// DefaultPath resolves the database location: explicit override, then
// $PORT_DADDY_DB, then a portdaddy.db file beside the daemon binary.
func DefaultPath(override string) string {
	if override != "" {
		return override
	}
	if env := os.Getenv(EnvPath); env != "" {
		return env
	}
	if exe, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exe), "portdaddy.db")
	}
	return "portdaddy.db"
}

// Ping verifies that the store connection is still alive.
func Ping(ctx context.Context, database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close folds the WAL back into the main file and closes the connection, so
// a copied database file is complete without its -wal sidecar.
func Close(database *gorm.DB) error {
	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("db: get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		sqlDB.Close()
		return fmt.Errorf("db: wal checkpoint: %w", err)
	}
	return sqlDB.Close()
}

// runMigrations applies all pending up-migrations from the embedded SQL
// files. ErrNoChange is treated as success, so reopening a current database
// is a no-op that preserves data.
func runMigrations(sqlDB *sql.DB, log *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	drv, err := migratesqlite.WithInstance(sqlDB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	log.Debug("database migrations applied")
	return nil
}
