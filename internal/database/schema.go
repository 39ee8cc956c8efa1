package database

import (
	"context"
	"database/sql"
	"fmt"
)

// Tables:
//
//	identities      – one row per registered account
//	refresh_tokens  – every refresh token ever issued; rows are revoked, never deleted
//
// Statements are idempotent so Migrate can run on every start.

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id                 CHAR(26)      NOT NULL PRIMARY KEY,
		email              VARCHAR(256)  NOT NULL,
		password_hash      VARCHAR(255)  NOT NULL,
		name               VARCHAR(100)  NOT NULL,
		photo              VARCHAR(1024) NOT NULL DEFAULT '',
		gender             VARCHAR(6)    NOT NULL,
		dob                DATETIME      NOT NULL,
		created_at         DATETIME(6)   NOT NULL,
		failed_login_count INT           NOT NULL DEFAULT 0,
		lockout_end        DATETIME(6)   NULL,
		UNIQUE KEY uq_identities_email (email)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id               CHAR(26)    NOT NULL PRIMARY KEY,
		token_hash       CHAR(64)    NOT NULL,
		owner_id         CHAR(26)    NOT NULL,
		expires_at       DATETIME(6) NOT NULL,
		is_revoked       BOOLEAN     NOT NULL DEFAULT FALSE,
		revoked_at       DATETIME(6) NULL,
		created_at       DATETIME(6) NOT NULL,
		created_by_ip    VARCHAR(64) NOT NULL DEFAULT '',
		replaced_by_hash CHAR(64)    NULL,
		UNIQUE KEY uq_refresh_tokens_hash (token_hash),
		KEY idx_refresh_tokens_owner (owner_id),
		CONSTRAINT fk_refresh_tokens_owner FOREIGN KEY (owner_id) REFERENCES identities (id)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id                 CHAR(26)      PRIMARY KEY,
		email              VARCHAR(256)  NOT NULL UNIQUE,
		password_hash      VARCHAR(255)  NOT NULL,
		name               VARCHAR(100)  NOT NULL,
		photo              VARCHAR(1024) NOT NULL DEFAULT '',
		gender             VARCHAR(6)    NOT NULL,
		dob                TIMESTAMPTZ   NOT NULL,
		created_at         TIMESTAMPTZ   NOT NULL,
		failed_login_count INTEGER       NOT NULL DEFAULT 0,
		lockout_end        TIMESTAMPTZ   NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id               CHAR(26)    PRIMARY KEY,
		token_hash       CHAR(64)    NOT NULL UNIQUE,
		owner_id         CHAR(26)    NOT NULL REFERENCES identities (id),
		expires_at       TIMESTAMPTZ NOT NULL,
		is_revoked       BOOLEAN     NOT NULL DEFAULT FALSE,
		revoked_at       TIMESTAMPTZ NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		created_by_ip    VARCHAR(64) NOT NULL DEFAULT '',
		replaced_by_hash CHAR(64)    NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_owner ON refresh_tokens (owner_id)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id                 TEXT     NOT NULL PRIMARY KEY,
		email              TEXT     NOT NULL UNIQUE,
		password_hash      TEXT     NOT NULL,
		name               TEXT     NOT NULL,
		photo              TEXT     NOT NULL DEFAULT '',
		gender             TEXT     NOT NULL,
		dob                DATETIME NOT NULL,
		created_at         DATETIME NOT NULL,
		failed_login_count INTEGER  NOT NULL DEFAULT 0,
		lockout_end        DATETIME NULL
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id               TEXT     NOT NULL PRIMARY KEY,
		token_hash       TEXT     NOT NULL UNIQUE,
		owner_id         TEXT     NOT NULL REFERENCES identities (id),
		expires_at       DATETIME NOT NULL,
		is_revoked       BOOLEAN  NOT NULL DEFAULT 0,
		revoked_at       DATETIME NULL,
		created_at       DATETIME NOT NULL,
		created_by_ip    TEXT     NOT NULL DEFAULT '',
		replaced_by_hash TEXT     NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_owner ON refresh_tokens (owner_id)`,
}

// Migrate creates the credential tables if they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	var stmts []string
	switch d.Name {
	case MySQL.Name:
		stmts = mysqlSchema
	case Postgres.Name:
		stmts = postgresSchema
	case SQLite.Name:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("migrate: unsupported dialect %q", d.Name)
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate %s: %w", d.Name, err)
		}
	}
	return nil
}
