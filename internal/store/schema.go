package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Dialect hides the few differences between SQLite and Postgres the store cares about.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

const uniqueActiveNameIndex = "instances_owner_name_active"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	path TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	roles TEXT NOT NULL DEFAULT '[]',
	subdomains TEXT NOT NULL DEFAULT '[]',
	environment_template TEXT NOT NULL DEFAULT '',
	doc_template TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	gitlab_project_id TEXT NOT NULL DEFAULT '',
	gitlab_host TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	git_username TEXT NOT NULL DEFAULT '',
	user_id INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	region TEXT NOT NULL,
	zone TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'starting',
	ip_address TEXT NOT NULL DEFAULT '',
	is_protected BOOLEAN NOT NULL DEFAULT 0,
	root_dns_zone TEXT NOT NULL DEFAULT '',
	environment_id INTEGER NOT NULL REFERENCES environments(id),
	project_id INTEGER NOT NULL REFERENCES projects(id),
	user_id INTEGER NOT NULL REFERENCES users(id),
	created_at DATETIME NOT NULL,
	modification_date DATETIME NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS instances_owner_name_active ON instances(user_id, name) WHERE status <> 'deleted';
CREATE INDEX IF NOT EXISTS instances_owner_region ON instances(user_id, provider, region);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS environments (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	roles TEXT NOT NULL DEFAULT '[]',
	subdomains TEXT NOT NULL DEFAULT '[]',
	environment_template TEXT NOT NULL DEFAULT '',
	doc_template TEXT NOT NULL DEFAULT '',
	is_private BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL DEFAULT '',
	gitlab_project_id TEXT NOT NULL DEFAULT '',
	gitlab_host TEXT NOT NULL DEFAULT '',
	access_token TEXT NOT NULL DEFAULT '',
	git_username TEXT NOT NULL DEFAULT '',
	user_id BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS instances (
	id BIGSERIAL PRIMARY KEY,
	hash TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL,
	region TEXT NOT NULL,
	zone TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'starting',
	ip_address TEXT NOT NULL DEFAULT '',
	is_protected BOOLEAN NOT NULL DEFAULT FALSE,
	root_dns_zone TEXT NOT NULL DEFAULT '',
	environment_id BIGINT NOT NULL REFERENCES environments(id),
	project_id BIGINT NOT NULL REFERENCES projects(id),
	user_id BIGINT NOT NULL REFERENCES users(id),
	created_at TIMESTAMPTZ NOT NULL,
	modification_date TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS instances_owner_name_active ON instances(user_id, name) WHERE status <> 'deleted';
CREATE INDEX IF NOT EXISTS instances_owner_region ON instances(user_id, provider, region);
`

// InitDB opens (creating if needed) the SQLite database at path and applies the schema.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return db, nil
}

// InitPostgres connects through the pgx stdlib driver and applies the schema.
func InitPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return db, nil
}

// Open picks the backend from databaseURL: postgres:// and postgresql:// go to
// Postgres, sqlite://path or a bare path go to SQLite.
func Open(databaseURL string) (*SQLStore, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := InitPostgres(databaseURL)
		if err != nil {
			return nil, err
		}
		return NewPostgresStore(db), nil
	default:
		db, err := InitDB(strings.TrimPrefix(databaseURL, "sqlite://"))
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(db), nil
	}
}

// isUniqueViolation reports whether err comes from the active-name index.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == uniqueActiveNameIndex
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique &&
			strings.Contains(liteErr.Error(), "instances.user_id, instances.name")
	}
	return false
}
