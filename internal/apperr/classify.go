package apperr

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// GatewayError is what the payment-gateway client returns for a non-2xx answer.
type GatewayError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: status %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// Classify maps any error to its Kind. It has no side effects.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Kind
}

// From normalises err into a typed error. Vendor-specific codes stop here.
// An error that is already typed is returned as is.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return transient(KindServiceUnavailable, err, "operation timed out")
	case errors.Is(err, context.Canceled):
		return Wrap(KindServiceUnavailable, err, "request cancelled")
	case errors.Is(err, pgx.ErrNoRows), errors.Is(err, sql.ErrNoRows):
		return Wrap(KindNotFound, err, "record not found")
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fromPostgres(pgErr, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return transient(KindServiceUnavailable, err, "database unavailable")
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return fromMySQL(myErr, err)
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return transient(KindServiceUnavailable, err, "database connection lost")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return transient(KindServiceUnavailable, err, "database connection lost")
	}

	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return fromGateway(gwErr)
	}

	return Internal(err)
}

func transient(kind Kind, cause error, message string) *Error {
	e := Wrap(kind, cause, message)
	e.Retryable = true
	return e
}

// https://www.postgresql.org/docs/current/errcodes-appendix.html
func fromPostgres(pgErr *pgconn.PgError, err error) *Error {
	switch pgErr.Code {
	case "40001":
		return transient(KindConflict, err, "serialization failure")
	case "40P01":
		return transient(KindConflict, err, "deadlock detected")
	case "55P03":
		return transient(KindConflict, err, "lock not available")
	case "57014":
		return transient(KindServiceUnavailable, err, "statement timeout")
	case "57P01", "57P02", "57P03", "53300":
		return transient(KindServiceUnavailable, err, "database unavailable")
	case "23505":
		return Wrap(KindConflict, err, "duplicate record")
	case "23503":
		return Wrap(KindBadRequest, err, "referenced record does not exist")
	case "23514", "23502":
		return Wrap(KindValidation, err, "constraint violated")
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "08"):
		return transient(KindServiceUnavailable, err, "database connection lost")
	case strings.HasPrefix(pgErr.Code, "28"):
		return Wrap(KindServiceUnavailable, err, "database authentication failed")
	case strings.HasPrefix(pgErr.Code, "22"):
		return Wrap(KindBadRequest, err, "invalid value")
	}
	return Internal(err)
}

// https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
func fromMySQL(myErr *mysql.MySQLError, err error) *Error {
	switch myErr.Number {
	case 1213:
		return transient(KindConflict, err, "deadlock detected")
	case 1205, 3572:
		return transient(KindConflict, err, "lock not available")
	case 1040, 2006, 2013:
		return transient(KindServiceUnavailable, err, "database unavailable")
	case 1062:
		return Wrap(KindConflict, err, "duplicate record")
	case 1451, 1452:
		return Wrap(KindBadRequest, err, "referenced record does not exist")
	case 3819, 1048:
		return Wrap(KindValidation, err, "constraint violated")
	case 1045:
		return Wrap(KindServiceUnavailable, err, "database authentication failed")
	}
	return Internal(err)
}

func fromGateway(gwErr *GatewayError) *Error {
	switch {
	case gwErr.StatusCode == http.StatusTooManyRequests:
		return transient(KindRateLimited, gwErr, "payment provider rate limit")
	case gwErr.StatusCode == http.StatusNotFound:
		return Wrap(KindNotFound, gwErr, "payment not found")
	case gwErr.StatusCode == http.StatusUnauthorized:
		return Wrap(KindUnauthorized, gwErr, "payment provider rejected credentials")
	case gwErr.StatusCode == http.StatusForbidden:
		return Wrap(KindForbidden, gwErr, "payment forbidden")
	case gwErr.StatusCode >= 400 && gwErr.StatusCode < 500:
		return Wrap(KindBadRequest, gwErr, "payment rejected")
	case gwErr.StatusCode >= 500:
		return Wrap(KindServiceUnavailable, gwErr, "payment provider unavailable")
	}
	return Internal(gwErr)
}
