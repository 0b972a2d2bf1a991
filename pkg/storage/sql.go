// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

const (
	driverSQLite   = "sqlite"
	driverPostgres = "postgres"
)

func init() {
	// sqlx only knows the cgo driver name "sqlite3"
	sqlx.BindDriver(driverSQLite, sqlx.QUESTION)
}

// SQLStorage keeps every namespace in one kv_entries table keyed by
// (namespace, key). The same queries serve SQLite and PostgreSQL; sqlx
// rebinds the placeholders per driver.
type SQLStorage struct {
	db         *sqlx.DB
	namespaces namespaces
}

var _ Storage = (*SQLStorage)(nil)

// OpenSQLite opens (creating if needed) an embedded SQLite database at path.
func OpenSQLite(ctx context.Context, path string, nss ...Namespace) (*SQLStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	return openSQL(ctx, driverSQLite, dsn, nss)
}

// OpenPostgres connects to PostgreSQL using a lib/pq connection string.
func OpenPostgres(ctx context.Context, dsn string, nss ...Namespace) (*SQLStorage, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	return openSQL(ctx, driverPostgres, dsn, nss)
}

func openSQL(ctx context.Context, driver, dsn string, nss []Namespace) (*SQLStorage, error) {
	set, err := newNamespaces(nss)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", driver, err)
	}
	if driver == driverSQLite {
		// one writer avoids SQLITE_BUSY between pooled connections
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s db: %w", driver, err)
	}
	s := &SQLStorage{db: db, namespaces: set}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLStorage) migrate(ctx context.Context) error {
	content, err := schemaFS.ReadFile("schema/" + s.db.DriverName() + ".sql")
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(extractUpMigration(string(content)), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	now := time.Now().UTC().UnixMilli()
	for _, ns := range s.namespaces.list() {
		if _, err := s.db.ExecContext(ctx, s.db.Rebind(
			`INSERT INTO kv_namespaces (name, created_at) VALUES (?, ?)
			 ON CONFLICT (name) DO NOTHING`), string(ns), now); err != nil {
			return fmt.Errorf("register namespace %s: %w", ns, err)
		}
	}
	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

func (s *SQLStorage) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

func (s *SQLStorage) Set(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if err := s.namespaces.guard(ns, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		string(ns), key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return writeErr("set", ns, key, err)
	}
	return nil
}

func (s *SQLStorage) SetIfAbsent(ctx context.Context, ns Namespace, key string, value []byte) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := s.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO kv_entries (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO NOTHING`),
		string(ns), key, value, time.Now().UTC().UnixMilli())
	if err != nil {
		return false, writeErr("set-if-absent", ns, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("set-if-absent", ns, key, err)
	}
	return n == 1, nil
}

func (s *SQLStorage) Get(ctx context.Context, ns Namespace, key string) ([]byte, bool, error) {
	if err := s.ready(ctx); err != nil {
		return nil, false, err
	}
	if err := s.namespaces.guard(ns, key); err != nil {
		return nil, false, err
	}
	var value []byte
	err := s.db.GetContext(ctx, &value, s.db.Rebind(
		`SELECT value FROM kv_entries WHERE namespace = ? AND key = ?`), string(ns), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, readErr("get", ns, key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

func (s *SQLStorage) ListKeys(ctx context.Context, ns Namespace) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if err := s.namespaces.check(ns); err != nil {
		return nil, err
	}
	keys := []string{}
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(
		`SELECT key FROM kv_entries WHERE namespace = ?`), string(ns)); err != nil {
		return nil, readErr("list", ns, "*", err)
	}
	return keys, nil
}

func (s *SQLStorage) Delete(ctx context.Context, ns Namespace, key string) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	if err := s.namespaces.guard(ns, key); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`), string(ns), key)
	if err != nil {
		return false, writeErr("delete", ns, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, writeErr("delete", ns, key, err)
	}
	return n > 0, nil
}

// Close closes the database handle.
func (s *SQLStorage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
