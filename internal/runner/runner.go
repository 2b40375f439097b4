// Package runner captures raw EXPLAIN output from a live database so
// the dialect parsers can normalize it.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jackc/pgx/v5"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect names one of the supported engines.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect normalizes a user-supplied dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pg":
		return Postgres, nil
	case "mysql", "mariadb":
		return MySQL, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return "", fmt.Errorf("runner: unknown dialect %q", name)
	}
}

// Options customises how EXPLAIN is executed.
type Options struct {
	Timeout time.Duration
	Analyze bool
	Logger  log.Logger
}

func (o Options) logger() log.Logger {
	if o.Logger == nil {
		return log.NewNopLogger()
	}
	return o.Logger
}

// Statement returns the explain statement the dialect understands.
// Analyze only changes the postgres statement: the other engines
// answer their ANALYZE variants in formats the parsers do not read.
func Statement(dialect Dialect, query string, analyze bool) (string, error) {
	switch dialect {
	case Postgres:
		if analyze {
			return "EXPLAIN (ANALYZE, FORMAT JSON) " + query, nil
		}
		return "EXPLAIN (FORMAT JSON) " + query, nil
	case MySQL:
		return "EXPLAIN FORMAT=JSON " + query, nil
	case SQLite:
		return "EXPLAIN QUERY PLAN " + query, nil
	default:
		return "", fmt.Errorf("runner: unknown dialect %q", dialect)
	}
}

// Run connects to the database, issues the dialect-appropriate
// EXPLAIN and returns the raw payload.
func Run(ctx context.Context, dialect Dialect, dsn, sqlStatement string, opts Options) ([]byte, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("runner: empty DSN")
	}
	query := strings.TrimSpace(sqlStatement)
	if query == "" {
		return nil, fmt.Errorf("runner: empty sql statement")
	}

	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	var driver string
	switch dialect {
	case Postgres:
		return runPostgres(ctx, dsn, query, opts)
	case MySQL:
		driver = "mysql"
	case SQLite:
		driver = "sqlite3"
	default:
		return nil, fmt.Errorf("runner: unknown dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("runner: open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("runner: connect: %w", err)
	}
	return Capture(ctx, db, dialect, query, opts)
}

func runPostgres(ctx context.Context, dsn, query string, opts Options) ([]byte, error) {
	statement, err := Statement(Postgres, query, opts.Analyze)
	if err != nil {
		return nil, err
	}
	_ = level.Debug(opts.logger()).Log("msg", "running explain", "dialect", Postgres, "statement", statement)

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("runner: connect: %w", err)
	}
	defer conn.Close(ctx)

	var payload []byte
	if err := conn.QueryRow(ctx, statement).Scan(&payload); err != nil {
		return nil, fmt.Errorf("runner: query: %w", err)
	}
	return payload, nil
}

// Capture issues the explain statement over an existing database/sql
// handle. MySQL answers with a single JSON document; the sqlite rows
// are re-emitted as the id|parent|notused|detail lines its parser
// reads.
func Capture(ctx context.Context, db *sql.DB, dialect Dialect, sqlStatement string, opts Options) ([]byte, error) {
	query := strings.TrimSpace(sqlStatement)
	if query == "" {
		return nil, fmt.Errorf("runner: empty sql statement")
	}
	statement, err := Statement(dialect, query, opts.Analyze)
	if err != nil {
		return nil, err
	}
	_ = level.Debug(opts.logger()).Log("msg", "running explain", "dialect", dialect, "statement", statement)

	switch dialect {
	case MySQL:
		var payload []byte
		if err := db.QueryRowContext(ctx, statement).Scan(&payload); err != nil {
			return nil, fmt.Errorf("runner: query: %w", err)
		}
		return payload, nil
	case SQLite:
		rows, err := db.QueryContext(ctx, statement)
		if err != nil {
			return nil, fmt.Errorf("runner: query: %w", err)
		}
		defer rows.Close()

		var out strings.Builder
		for rows.Next() {
			var id, parent, notUsed int
			var detail string
			if err := rows.Scan(&id, &parent, &notUsed, &detail); err != nil {
				return nil, fmt.Errorf("runner: scan: %w", err)
			}
			_, _ = fmt.Fprintf(&out, "%d|%d|%d|%s\n", id, parent, notUsed, detail)
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("runner: rows: %w", err)
		}
		return []byte(out.String()), nil
	default:
		return nil, fmt.Errorf("runner: dialect %q does not go through database/sql", dialect)
	}
}
