package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/iliyamo/credential-service/internal/config"
)

// Dialect describes the SQL flavour behind a *sql.DB.  Repositories use it
// to pick the right bind-parameter style; the schema bootstrap uses it to
// pick the right DDL.
type Dialect struct {
	Name        string // mysql | postgres | sqlite
	Placeholder sq.PlaceholderFormat
}

var (
	MySQL    = Dialect{Name: "mysql", Placeholder: sq.Question}
	Postgres = Dialect{Name: "postgres", Placeholder: sq.Dollar}
	SQLite   = Dialect{Name: "sqlite", Placeholder: sq.Question}
)

// Builder returns a squirrel statement builder bound to the dialect's
// placeholder format.
func (d Dialect) Builder() sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(d.Placeholder)
}

// DialectFor maps a DB_DRIVER value onto its Dialect.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "mysql":
		return MySQL, nil
	case "postgres":
		return Postgres, nil
	case "sqlite":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported driver %q", driver)
}

// Open connects to the configured database and verifies the connection.
func Open(cfg config.Config) (*sql.DB, Dialect, error) {
	d, err := DialectFor(cfg.DBDriver)
	if err != nil {
		return nil, Dialect{}, err
	}

	driverName := d.Name
	if d.Name == Postgres.Name {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, dsn(cfg))
	if err != nil {
		return nil, Dialect{}, err
	}

	pool := poolFor(d)
	db.SetMaxOpenConns(pool.maxOpen)
	db.SetMaxIdleConns(pool.maxIdle)
	db.SetConnMaxLifetime(pool.maxLifetime)

	// Ping with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Dialect{}, err
	}
	return db, d, nil
}

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration // 0 keeps connections forever
}

func poolFor(d Dialect) poolSettings {
	if d.Name == SQLite.Name {
		// a single writer that is never recycled: a ":memory:" database
		// lives exactly as long as its connection
		return poolSettings{maxOpen: 1, maxIdle: 1}
	}
	return poolSettings{maxOpen: 25, maxIdle: 25, maxLifetime: 30 * time.Minute}
}

// dsn returns DB_DSN verbatim when set, otherwise assembles one from the
// DB_* parts.
func dsn(cfg config.Config) string {
	if cfg.DBDSN != "" {
		return cfg.DBDSN
	}
	switch cfg.DBDriver {
	case "postgres":
		port := cfg.DBPort
		if port == "" {
			port = "5432"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.DBUser, cfg.DBPass),
			Host:     cfg.DBHost + ":" + port,
			Path:     "/" + cfg.DBName,
			RawQuery: "sslmode=disable&timezone=UTC",
		}
		if cfg.DBPass == "" {
			u.User = url.User(cfg.DBUser)
		}
		return u.String()
	default:
		port := cfg.DBPort
		if port == "" {
			port = "3306"
		}
		auth := cfg.DBUser
		if cfg.DBPass != "" {
			auth = fmt.Sprintf("%s:%s", cfg.DBUser, cfg.DBPass)
		}
		// parseTime=true -> DATETIME -> time.Time | loc=UTC keeps times consistent
		return fmt.Sprintf("%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=UTC",
			auth, cfg.DBHost, port, cfg.DBName)
	}
}
