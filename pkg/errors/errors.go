package errors

import (
	"errors"
	"fmt"
	"time"
)

// Pool lifecycle errors
var (
	// ErrConnectionFailed is returned when a database connection cannot be opened or configured
	ErrConnectionFailed = errors.New("database connection failed")

	// ErrPoolExhausted is returned when no connection became available before the acquire timeout
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrPoolClosed is returned when an operation is attempted on a destroyed pool
	ErrPoolClosed = errors.New("connection pool closed")
)

// Query and transaction errors
var (
	// ErrTransactionFailed is returned when a transaction callback or COMMIT fails
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrQueryFailed is returned when a single statement fails at the driver level
	ErrQueryFailed = errors.New("query failed")
)

// Configuration errors
var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ConnectionError reports a failure to open or configure a physical connection.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection failed: %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnectionFailed }

// PoolExhaustedError reports an acquire that timed out waiting for a free
// connection. It carries the pool occupancy observed when the timeout fired
// so saturation can be told apart from misconfiguration.
type PoolExhaustedError struct {
	Timeout   time.Duration
	Active    int
	Available int
	Pending   int
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("connection pool exhausted: no connection within %s (active=%d available=%d pending=%d)",
		e.Timeout, e.Active, e.Available, e.Pending)
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// QueryError reports a single statement failure with enough context to
// reproduce it.
type QueryError struct {
	SQL    string
	Params []interface{}
	ConnID string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed on connection %s: %v (sql: %s, params: %v)",
		e.ConnID, e.Err, e.SQL, e.Params)
}

func (e *QueryError) Unwrap() error { return e.Err }

func (e *QueryError) Is(target error) bool { return target == ErrQueryFailed }

// TxError reports a failed transaction. Err is the original failure from the
// callback or COMMIT; RollbackErr, when non-nil, records a rollback that also
// failed and is never allowed to mask Err.
type TxError struct {
	ConnID      string
	Err         error
	RollbackErr error
}

func (e *TxError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("transaction failed on connection %s: %v (rollback also failed: %v)",
			e.ConnID, e.Err, e.RollbackErr)
	}
	return fmt.Sprintf("transaction failed on connection %s: %v", e.ConnID, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

func (e *TxError) Is(target error) bool { return target == ErrTransactionFailed }
