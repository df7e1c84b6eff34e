package commons

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const (
	DbSqlite   = "sqlite"
	DbPostgres = "postgres"
)

type DbFactory struct {
	TempDir string
	Timeout time.Duration
}

const TimeoutInSeconds = 10

// NewDbFactory creates a factory whose sqlite files live in a fresh temp dir.
func NewDbFactory() *DbFactory {
	tempDir, err := os.MkdirTemp("", "subrav-test-*")
	if err != nil {
		slog.Error("Error creating temp dir", "err", err)
		panic(err)
	}

	return &DbFactory{
		TempDir: tempDir,
		Timeout: TimeoutInSeconds * time.Second,
	}
}

func (d *DbFactory) CreateDb(sqliteFileName string) *sqlx.DB {
	sqlitePath := filepath.Join(d.TempDir, sqliteFileName)
	slog.Debug("commons: opening test db", "path", sqlitePath)
	return sqlx.MustConnect("sqlite3", sqlitePath)
}

func (d *DbFactory) Cleanup() {
	if d.TempDir != "" {
		slog.Debug("commons: removing test dbs", "dir", d.TempDir)
		err := os.RemoveAll(d.TempDir)
		if err != nil {
			slog.Error("Error removing temp dir", "err", err)
		}
	}
}

// OpenDb connects to the configured database implementation.
// An empty sqlite path opens a private in-memory database.
func OpenDb(implementation string, sqlitePath string, postgresDsn string) (*sqlx.DB, error) {
	switch implementation {
	case DbPostgres:
		if postgresDsn == "" {
			return nil, fmt.Errorf("commons: postgres selected without a dsn")
		}
		slog.Info("Using PostgreSQL")
		return sqlx.Connect("postgres", postgresDsn)
	case DbSqlite, "":
		if sqlitePath == "" {
			sqlitePath = ":memory:"
		}
		slog.Info("Using SQLite", "path", sqlitePath)
		db, err := sqlx.Connect("sqlite3", sqlitePath)
		if err != nil {
			return nil, err
		}
		// sqlite serializes writers, a single connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("commons: unknown db implementation %q", implementation)
	}
}
