package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	gomysql "github.com/go-sql-driver/mysql"
)

// MySQL server error numbers the repositories care about.
const (
	errDuplicateEntry     uint16 = 1062
	errLockWaitTimeout    uint16 = 1205
	errDeadlock           uint16 = 1213
	errTooManyConnections uint16 = 1040
	errQueryInterrupted   uint16 = 1317
	errStatementTimeout   uint16 = 3024
)

// Error implements repositories.RepositoryError for MySQL backed repositories.
type Error struct {
	op          string
	err         error
	notFound    bool
	conflict    bool
	unavailable bool
	duplicate   bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the error represents a missing row.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsConflict reports whether the error represents a conflicting write.
func (e *Error) IsConflict() bool {
	return e != nil && e.conflict
}

// IsUnavailable reports whether the error represents a transient backend outage.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// IsDuplicateKey reports whether a unique constraint rejected the write.
func (e *Error) IsDuplicateKey() bool {
	return e != nil && e.duplicate
}

// NotFound builds a not-found error for lookups that matched no row.
func NotFound(op, format string, args ...any) error {
	return &Error{op: op, err: fmt.Errorf(format, args...), notFound: true}
}

func newError(op string, err error) *Error {
	e := &Error{op: op, err: err}

	if errors.Is(err, sql.ErrNoRows) {
		e.notFound = true
		return e
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		e.unavailable = true
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		e.unavailable = true
		return e
	}

	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDuplicateEntry:
			e.conflict = true
			e.duplicate = true
		case errLockWaitTimeout, errDeadlock:
			e.conflict = true
		case errTooManyConnections, errQueryInterrupted, errStatementTimeout:
			e.unavailable = true
		}
	}
	return e
}

// WrapError annotates driver errors with repository semantics. Context cancellations are passed through.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var repoErr *Error
	if errors.As(err, &repoErr) {
		if op != "" && repoErr.op == "" {
			repoErr.op = op
		}
		return repoErr
	}
	return newError(op, err)
}

// IsDuplicateKey reports whether err carries a MySQL duplicate entry failure.
func IsDuplicateKey(err error) bool {
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return repoErr.IsDuplicateKey()
	}
	var myErr *gomysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == errDuplicateEntry
}
