package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eddielth/airmesh/logger"
)

// SQLiteStorage keeps the history in a local SQLite file
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database file and initialises the schema
func NewSQLiteStorage(dsn string) (*SQLiteStorage, error) {
	if dsn == "" {
		return nil, fmt.Errorf("SQLite DSN cannot be empty")
	}

	if path := sqliteFilePath(dsn); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create dir %s failed: %v", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("SQLite connection test failed: %v", err)
	}
	// one writer; also keeps :memory: databases on a single connection
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{db: db}
	if err := storage.InitDatabase(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize SQLite database: %v", err)
	}

	logger.Info("SQLite storage initialized: %s", dsn)
	return storage, nil
}

// sqliteFilePath returns the on-disk path of a DSN, or "" for in-memory databases
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return ""
	}
	return path
}

// InitDatabase creates the readings table
func (ss *SQLiteStorage) InitDatabase() error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		node_id INTEGER NOT NULL,
		pm1_0 INTEGER NOT NULL,
		pm2_5 INTEGER NOT NULL,
		pm10_0 INTEGER NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		sampled_at INTEGER,
		relayed INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_readings_node_id ON readings(node_id);
	`

	if _, err := ss.db.Exec(tableSQL); err != nil {
		return fmt.Errorf("failed to create readings table: %v", err)
	}
	return nil
}

// Store inserts one record
func (ss *SQLiteStorage) Store(rec Record) error {
	const insertSQL = `INSERT INTO readings (node_id, pm1_0, pm2_5, pm10_0, temperature, humidity, sampled_at, relayed) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ss.db.Exec(insertSQL, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to insert reading into SQLite: %v", err)
	}

	logger.Debug("Stored reading of node %s to SQLite", rec.Node)
	return nil
}

// Close closes the database
func (ss *SQLiteStorage) Close() error {
	if ss.db != nil {
		if err := ss.db.Close(); err != nil {
			return fmt.Errorf("failed to close SQLite database: %v", err)
		}
	}
	return nil
}
