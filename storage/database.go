package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// DatabaseType names a supported SQL backend
type DatabaseType string

const (
	// MySQL via go-sql-driver/mysql
	MySQL DatabaseType = "mysql"
	// PostgreSQL via lib/pq
	PostgreSQL DatabaseType = "postgresql"
	// SQLite via mattn/go-sqlite3
	SQLite DatabaseType = "sqlite"
)

// DatabaseStorage is a StorageBackend that owns a schema
type DatabaseStorage interface {
	StorageBackend
	// InitDatabase creates the readings table if needed
	InitDatabase() error
}

// NewDatabaseStorage opens the configured database backend
func NewDatabaseStorage(dbType string, dsn string) (DatabaseStorage, error) {
	switch DatabaseType(dbType) {
	case MySQL:
		return NewMySQLStorage(dsn)
	case PostgreSQL:
		return NewPostgreSQLStorage(dsn)
	case SQLite:
		return NewSQLiteStorage(dsn)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

func configurePool(db *sql.DB) {
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Minute * 5)
}

// recordArgs lists the insert arguments in column order:
// node_id, pm1_0, pm2_5, pm10_0, temperature, humidity, sampled_at, relayed
func recordArgs(rec Record) []interface{} {
	var sampledAt sql.NullInt64
	if !rec.Reading.Timestamp.IsZero() {
		sampledAt = sql.NullInt64{Int64: rec.Reading.Timestamp.UnixMilli(), Valid: true}
	}
	return []interface{}{
		int64(rec.Node),
		int64(rec.Reading.PM1_0),
		int64(rec.Reading.PM2_5),
		int64(rec.Reading.PM10_0),
		rec.Reading.Temperature,
		rec.Reading.Humidity,
		sampledAt,
		rec.Relayed,
	}
}
