package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2" // registers "duckdb"
	_ "github.com/go-sql-driver/mysql" // registers "mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"

	"report-stream/internal/config"
	"report-stream/internal/domain"
)

// Dialect describes how the report procedure is invoked on one database
// engine.
type Dialect struct {
	// Name is the DB_DRIVER value.
	Name string
	// DriverName is the database/sql driver registered for the engine.
	DriverName string
	// GooseDialect is the migration dialect, empty when the engine has no
	// migrations (the procedure is bootstrapped or inlined instead).
	GooseDialect string

	call      func(procedure string) string
	bootstrap func(ctx context.Context, db *sql.DB, procedure string) error
}

// CallSQL returns the statement that streams the report rows. It takes the
// row count as its only bind parameter.
func (d Dialect) CallSQL(procedure string) string {
	return d.call(procedure)
}

// Bootstrap installs whatever the engine needs before the first call.
func (d Dialect) Bootstrap(ctx context.Context, db *sql.DB, procedure string) error {
	if d.bootstrap == nil {
		return nil
	}
	return d.bootstrap(ctx, db, procedure)
}

var dialects = map[string]Dialect{
	config.DriverPostgres: {
		Name:         config.DriverPostgres,
		DriverName:   "pgx",
		GooseDialect: "postgres",
		call: func(procedure string) string {
			return fmt.Sprintf("SELECT * FROM %s($1)", procedure)
		},
	},
	config.DriverMySQL: {
		Name:         config.DriverMySQL,
		DriverName:   "mysql",
		GooseDialect: "mysql",
		call: func(procedure string) string {
			return fmt.Sprintf("CALL %s(?)", procedure)
		},
	},
	config.DriverDuckDB: {
		Name:       config.DriverDuckDB,
		DriverName: "duckdb",
		call: func(procedure string) string {
			return fmt.Sprintf("SELECT * FROM %s(?)", procedure)
		},
		bootstrap: func(ctx context.Context, db *sql.DB, procedure string) error {
			_, err := db.ExecContext(ctx, fmt.Sprintf(duckdbReportMacro, procedure))
			return err
		},
	},
	config.DriverSQLite: {
		Name:       config.DriverSQLite,
		DriverName: "sqlite3",
		// SQLite has no stored procedures; the report is a recursive CTE.
		call: func(string) string { return sqliteReportQuery },
	},
}

// DialectFor returns the dialect registered for driver.
func DialectFor(driver string) (Dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return Dialect{}, domain.NewError(domain.KindConfiguration, "", "unsupported database driver %q", driver)
	}
	return d, nil
}

const duckdbReportMacro = `CREATE OR REPLACE MACRO %s(row_count) AS TABLE
SELECT
	i AS id,
	CAST(9007199254740993 + i * 1000003 AS BIGINT) AS big_number,
	CAST(i * 1.25 AS DECIMAL(18, 2)) AS amount,
	CAST(i %% 1000 AS DOUBLE) / 1000 AS ratio,
	i %% 2 = 0 AS is_active,
	CAST(uuid() AS VARCHAR) AS uuid,
	TIMESTAMP '2024-01-01 00:00:00' + to_seconds(i) AS created_at,
	concat('Item ', i) AS name,
	concat('Description for item ', i, ' with some longer free text') AS description,
	concat('{"index":', i, ',"tag":"tag-', i %% 10, '"}') AS metadata
FROM range(1, row_count + 1) AS t(i)`

const sqliteReportQuery = `WITH RECURSIVE seq(n) AS (
	SELECT 1
	UNION ALL
	SELECT n + 1 FROM seq WHERE n < ?
)
SELECT
	n AS id,
	9007199254740993 + n * 1000003 AS big_number,
	round(n * 1.25, 2) AS amount,
	(n % 1000) / 1000.0 AS ratio,
	n % 2 = 0 AS is_active,
	printf('%08x-0000-4000-8000-%012x', n, n) AS uuid,
	strftime('%Y-%m-%dT%H:%M:%fZ', '2024-01-01', '+' || n || ' seconds') AS created_at,
	'Item ' || n AS name,
	'Description for item ' || n || ' with some longer free text' AS description,
	json_object('index', n, 'tag', 'tag-' || (n % 10)) AS metadata
FROM seq`
