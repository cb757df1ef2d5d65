package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"report-stream/internal/domain"
)

// Classify maps a driver error onto the service error taxonomy. Errors that
// are already tagged are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var tagged *domain.Error
	if errors.As(err, &tagged) {
		return err
	}
	kind := classifyKind(err)
	return &domain.Error{Kind: kind, Message: messageFor(kind), Err: err}
}

func classifyKind(err error) domain.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return domain.KindQueryTimeout
	case errors.Is(err, context.Canceled):
		return domain.KindTransport
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgres(pgErr)
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr)
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return classifySQLite(liteErr)
	}
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		return classifyDuckDB(duckErr)
	}

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	switch {
	case errors.As(err, &connectErr),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, mysql.ErrInvalidConn),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return domain.KindConnectivity
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return domain.KindQueryTimeout
		}
		return domain.KindConnectivity
	case pgconn.Timeout(err):
		return domain.KindQueryTimeout
	}
	return domain.KindInternal
}

func classifyPostgres(e *pgconn.PgError) domain.ErrorKind {
	switch {
	case e.Code == "57014": // query_canceled (statement_timeout)
		return domain.KindQueryTimeout
	case e.Code == "42501": // insufficient_privilege
		return domain.KindQueryPermission
	case strings.HasPrefix(e.Code, "28"): // invalid authorization
		return domain.KindQueryPermission
	case strings.HasPrefix(e.Code, "42"): // syntax error or access rule violation
		return domain.KindQuerySyntax
	case strings.HasPrefix(e.Code, "08"), strings.HasPrefix(e.Code, "57P"):
		return domain.KindConnectivity
	}
	return domain.KindInternal
}

func classifyMySQL(e *mysql.MySQLError) domain.ErrorKind {
	switch e.Number {
	case 1064, 1146, 1305, 1318, 1054:
		return domain.KindQuerySyntax
	case 1044, 1045, 1142, 1370:
		return domain.KindQueryPermission
	case 3024, 1317:
		return domain.KindQueryTimeout
	case 1040, 1053, 2002, 2003, 2006, 2013:
		return domain.KindConnectivity
	}
	return domain.KindInternal
}

func classifySQLite(e sqlite3.Error) domain.ErrorKind {
	switch e.Code {
	case sqlite3.ErrError:
		return domain.KindQuerySyntax
	case sqlite3.ErrPerm, sqlite3.ErrAuth, sqlite3.ErrReadonly:
		return domain.KindQueryPermission
	case sqlite3.ErrInterrupt:
		return domain.KindQueryTimeout
	case sqlite3.ErrCantOpen, sqlite3.ErrNotADB, sqlite3.ErrBusy, sqlite3.ErrLocked:
		return domain.KindConnectivity
	}
	return domain.KindInternal
}

func classifyDuckDB(e *duckdb.Error) domain.ErrorKind {
	switch e.Type {
	case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax, duckdb.ErrorTypeBinder, duckdb.ErrorTypeCatalog:
		return domain.KindQuerySyntax
	case duckdb.ErrorTypePermission:
		return domain.KindQueryPermission
	case duckdb.ErrorTypeInterrupt:
		return domain.KindQueryTimeout
	case duckdb.ErrorTypeConnection, duckdb.ErrorTypeNetwork:
		return domain.KindConnectivity
	}
	return domain.KindInternal
}

func messageFor(kind domain.ErrorKind) string {
	switch kind {
	case domain.KindQueryTimeout:
		return "report query timed out"
	case domain.KindTransport:
		return "request cancelled"
	case domain.KindQuerySyntax:
		return "report query failed"
	case domain.KindQueryPermission:
		return "report query not permitted"
	case domain.KindConnectivity:
		return "database unavailable"
	default:
		return "database error"
	}
}
