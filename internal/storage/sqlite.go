package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// NewSQLiteProvider opens (or creates) a sqlite database at path and migrates
// it to the current schema. This is the default persistent backend.
func NewSQLiteProvider(path string) (Provider, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; sqlite serialises writes anyway and this avoids
	// SQLITE_BUSY under concurrent invocations.
	db.SetMaxOpenConns(1)

	if err := MigrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return newSQLProvider(db, dialectSQLite), nil
}
