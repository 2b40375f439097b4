package runner_test

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/planscan/planscan/internal/runner"
	"github.com/planscan/planscan/internal/sqlite"
)

func TestParseDialect(t *testing.T) {
	cases := []struct {
		name string
		want runner.Dialect
	}{
		{"postgres", runner.Postgres},
		{"PostgreSQL", runner.Postgres},
		{"pg", runner.Postgres},
		{"mysql", runner.MySQL},
		{"mariadb", runner.MySQL},
		{"sqlite", runner.SQLite},
		{"sqlite3", runner.SQLite},
		{" SQLite ", runner.SQLite},
	}
	for _, tc := range cases {
		got, err := runner.ParseDialect(tc.name)
		if err != nil || got != tc.want {
			t.Errorf("ParseDialect(%q) = %v, %v; want %v", tc.name, got, err, tc.want)
		}
	}
	if _, err := runner.ParseDialect("oracle"); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestStatement(t *testing.T) {
	cases := []struct {
		dialect runner.Dialect
		analyze bool
		want    string
	}{
		{runner.Postgres, false, "EXPLAIN (FORMAT JSON) SELECT 1"},
		{runner.Postgres, true, "EXPLAIN (ANALYZE, FORMAT JSON) SELECT 1"},
		{runner.MySQL, false, "EXPLAIN FORMAT=JSON SELECT 1"},
		{runner.MySQL, true, "EXPLAIN FORMAT=JSON SELECT 1"},
		{runner.SQLite, false, "EXPLAIN QUERY PLAN SELECT 1"},
	}
	for _, tc := range cases {
		got, err := runner.Statement(tc.dialect, "SELECT 1", tc.analyze)
		if err != nil || got != tc.want {
			t.Errorf("Statement(%s, analyze=%t) = %q, %v; want %q", tc.dialect, tc.analyze, got, err, tc.want)
		}
	}
	if _, err := runner.Statement("oracle", "SELECT 1", false); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestCaptureMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	document := `{"query_block": {"select_id": 1, "table": {"table_name": "users", "access_type": "ALL"}}}`
	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN FORMAT=JSON SELECT * FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"EXPLAIN"}).AddRow(document))

	payload, err := runner.Capture(context.Background(), db, runner.MySQL, "SELECT * FROM users", runner.Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if string(payload) != document {
		t.Fatalf("payload = %q", payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCaptureSQLite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("EXPLAIN QUERY PLAN SELECT * FROM users ORDER BY name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "parent", "notused", "detail"}).
			AddRow(2, 0, 0, "SCAN users").
			AddRow(9, 0, 0, "USE TEMP B-TREE FOR ORDER BY"))

	payload, err := runner.Capture(context.Background(), db, runner.SQLite, "SELECT * FROM users ORDER BY name", runner.Options{})
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	want := "2|0|0|SCAN users\n9|0|0|USE TEMP B-TREE FOR ORDER BY\n"
	if string(payload) != want {
		t.Fatalf("payload = %q, want %q", payload, want)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}

	// The re-emitted lines are exactly what the sqlite parser reads.
	p, err := sqlite.Parse(string(payload))
	if err != nil {
		t.Fatalf("parse captured payload: %v", err)
	}
	if p.Root == nil || p.NodeCount() != 3 {
		t.Fatalf("captured plan = %+v", p)
	}
}

func TestCaptureValidation(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	if _, err := runner.Capture(context.Background(), db, runner.MySQL, "   ", runner.Options{}); err == nil {
		t.Fatal("expected error for empty sql")
	}
	_, err = runner.Capture(context.Background(), db, runner.Postgres, "SELECT 1", runner.Options{})
	if err == nil || !strings.Contains(err.Error(), "database/sql") {
		t.Fatalf("err = %v, want database/sql rejection", err)
	}
}

func TestRunValidation(t *testing.T) {
	ctx := context.Background()
	if _, err := runner.Run(ctx, runner.Postgres, "", "SELECT 1", runner.Options{}); err == nil {
		t.Fatal("expected error for empty DSN")
	}
	if _, err := runner.Run(ctx, runner.Postgres, "postgres://localhost/db", "  ", runner.Options{}); err == nil {
		t.Fatal("expected error for empty sql statement")
	}
	if _, err := runner.Run(ctx, "oracle", "dsn", "SELECT 1", runner.Options{}); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}
