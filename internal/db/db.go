package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	dataDirName   = ".trail"
	defaultDBName = "trail.db"
)

type Config struct {
	DataDir string
}

func dbPath(dataDir string) string {
	if dataDir == "" {
		dataDir = "."
	}
	return filepath.Join(dataDir, dataDirName, defaultDBName)
}

// EnsureDataDir creates the .trail directory if missing.
func EnsureDataDir(dataDir string) (string, error) {
	if dataDir == "" {
		dataDir = "."
	}
	path := filepath.Join(dataDir, dataDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the SQLite database in WAL mode. Write transactions take the
// database lock at BEGIN so concurrent writers queue on the busy timeout
// instead of failing on lock upgrade.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDataDir(cfg.DataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_txlock=immediate", dbPath(cfg.DataDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", dbPath(cfg.DataDir), err)
	}
	return conn, nil
}

// Path returns the db path for the data directory.
func Path(dataDir string) string {
	return dbPath(dataDir)
}
