// Package db opens the labeler's sqlite database and applies the embedded
// schema migrations. The only persisted state is the config key-value table.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type DB struct {
	conn   *sql.DB
	logger *slog.Logger
}

// Applied to the single pooled connection right after open.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=ON",
}

// New opens (creating if needed) the database at dbPath and migrates it.
func New(dbPath string, logger *slog.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := open(dbPath)
	if err != nil {
		return nil, err
	}

	d := &DB{conn: conn, logger: logger}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return d, nil
}

func open(dbPath string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the pragmas in effect and serialises writers.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return conn, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

// migrate applies every embedded migration not yet recorded in _migrations,
// in file-name order, each inside its own transaction.
func (d *DB) migrate() error {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	applied, err := d.appliedMigrations()
	if err != nil {
		return err
	}

	for _, file := range names {
		name := path.Base(file)
		if applied[name] {
			continue
		}
		if err := d.apply(file, name); err != nil {
			return err
		}
		if d.logger != nil {
			d.logger.Info("applied migration", "name", name)
		}
	}
	return nil
}

func (d *DB) apply(file, name string) error {
	content, err := migrationsFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read migration %s: %w", name, err)
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("failed to execute migration %s: %w", name, err)
	}
	if _, err := tx.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
		return fmt.Errorf("failed to record migration %s: %w", name, err)
	}
	return tx.Commit()
}

// appliedMigrations is empty on a fresh database, where _migrations does not
// exist until the first migration creates it.
func (d *DB) appliedMigrations() (map[string]bool, error) {
	applied := make(map[string]bool)

	var n int
	if err := d.conn.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='_migrations'").Scan(&n); err != nil {
		return nil, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if n == 0 {
		return applied, nil
	}

	rows, err := d.conn.Query("SELECT name FROM _migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
