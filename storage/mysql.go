package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"github.com/eddielth/airmesh/logger"
)

// MySQLStorage represents the MySQL history backend
type MySQLStorage struct {
	db *sql.DB
}

// NewMySQLStorage creates the database if needed, connects and initialises the schema
func NewMySQLStorage(dsn string) (*MySQLStorage, error) {
	database, serverDSN, err := parseMySQLDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %v", err)
	}

	// connect to the server without selecting a database
	serverDB, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL server: %v", err)
	}
	defer serverDB.Close()

	_, err = serverDB.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci", database))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %v", err)
	}
	logger.Info("Ensured MySQL database %s exists", database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL database: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("MySQL connection test failed: %v", err)
	}
	configurePool(db)

	storage, err := NewMySQLStorageWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return storage, nil
}

// NewMySQLStorageWithDB wraps an open connection and initialises the schema
func NewMySQLStorageWithDB(db *sql.DB) (*MySQLStorage, error) {
	storage := &MySQLStorage{db: db}
	if err := storage.InitDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize MySQL database: %v", err)
	}

	logger.Info("MySQL storage initialized")
	return storage, nil
}

// parseMySQLDSN splits user:pass@tcp(host)/db?params into the database name
// and a DSN that addresses the server only
func parseMySQLDSN(dsn string) (database string, serverDSN string, err error) {
	parts := strings.Split(dsn, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid DSN, cannot extract database name")
	}

	dbParts := strings.Split(parts[len(parts)-1], "?")
	database = dbParts[0]
	if database == "" {
		return "", "", fmt.Errorf("invalid DSN, database name is empty")
	}

	serverDSN = strings.Join(parts[:len(parts)-1], "/") + "/"
	if len(dbParts) > 1 {
		serverDSN += "?" + dbParts[1]
	}

	return database, serverDSN, nil
}

// InitDatabase creates the readings table
func (ms *MySQLStorage) InitDatabase() error {
	tableSQL := `
	CREATE TABLE IF NOT EXISTS readings (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		node_id BIGINT UNSIGNED NOT NULL,
		pm1_0 SMALLINT UNSIGNED NOT NULL,
		pm2_5 SMALLINT UNSIGNED NOT NULL,
		pm10_0 SMALLINT UNSIGNED NOT NULL,
		temperature DOUBLE NOT NULL,
		humidity DOUBLE NOT NULL,
		sampled_at BIGINT NULL,
		relayed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_node_id (node_id),
		INDEX idx_created_at (created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := ms.db.Exec(tableSQL); err != nil {
		return fmt.Errorf("failed to create readings table: %v", err)
	}

	logger.Info("MySQL readings table initialized")
	return nil
}

// Store inserts one record
func (ms *MySQLStorage) Store(rec Record) error {
	const insertSQL = `INSERT INTO readings (node_id, pm1_0, pm2_5, pm10_0, temperature, humidity, sampled_at, relayed) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ms.db.Exec(insertSQL, recordArgs(rec)...); err != nil {
		return fmt.Errorf("failed to insert reading into MySQL: %v", err)
	}

	logger.Debug("Stored reading of node %s to MySQL", rec.Node)
	return nil
}

// Close closes the database connection
func (ms *MySQLStorage) Close() error {
	if ms.db != nil {
		if err := ms.db.Close(); err != nil {
			return fmt.Errorf("failed to close MySQL connection: %v", err)
		}
		logger.Info("MySQL connection closed")
	}
	return nil
}
