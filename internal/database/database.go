package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound는 조회 대상이 없을 때 반환됩니다
	ErrNotFound = errors.New("not found")
	// ErrDuplicate는 UNIQUE 제약에 걸렸을 때 반환됩니다
	ErrDuplicate = errors.New("already exists")
)

const memoryPath = ":memory:"

// DB는 데이터베이스 연결을 관리합니다
type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// New는 새로운 SQLite 연결을 열고 스키마를 초기화합니다
func New(dbPath string, logger *zap.Logger) (*DB, error) {
	if dbPath != memoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite는 단일 writer. :memory:는 연결마다 별도 DB가 되므로 연결 하나로 고정
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{
		conn:   conn,
		logger: logger,
	}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("Database initialized successfully",
		zap.String("path", dbPath),
	)

	return db, nil
}

// migrate는 데이터베이스 스키마를 초기화합니다
func (db *DB) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS zoneminder_instances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url_server TEXT NOT NULL,
		username TEXT NOT NULL,
		password TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS cameras (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		zoneminder_instance_id INTEGER NOT NULL REFERENCES zoneminder_instances(id) ON DELETE CASCADE,
		monitor_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		coordinates TEXT,
		url TEXT NOT NULL DEFAULT '',
		is_saving_records BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (zoneminder_instance_id, monitor_id)
	);

	CREATE TABLE IF NOT EXISTS recordings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		camera_id INTEGER NOT NULL REFERENCES cameras(id) ON DELETE CASCADE,
		event_id TEXT NOT NULL,
		recording_url TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		UNIQUE (camera_id, event_id)
	);

	CREATE INDEX IF NOT EXISTS idx_cameras_instance ON cameras(zoneminder_instance_id);
	CREATE INDEX IF NOT EXISTS idx_recordings_start ON recordings(camera_id, start_time);
	`

	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	db.logger.Info("Database schema migrated successfully")
	return nil
}

// Close는 데이터베이스 연결을 닫습니다
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn은 기본 SQL 연결을 반환합니다
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// isUniqueViolation은 SQLite UNIQUE/PRIMARY KEY 제약 위반인지 확인합니다
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
