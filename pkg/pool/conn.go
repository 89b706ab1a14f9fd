package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"dbpool/pkg/errors"
)

// Result holds the outcome of a write statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Conn wraps exactly one physical SQLite handle. It is owned by the pool and
// borrowed by at most one caller at a time; the pool's active set enforces
// exclusivity. While a transaction is open, tx is non-nil and all query
// helpers route through it.
type Conn struct {
	id         string
	db         *sql.DB
	createdAt  time.Time
	lastUsedAt time.Time
	tx         *sql.Tx
}

// openConn opens and tunes a single physical connection. The tuning
// directives (WAL journal, busy timeout, foreign keys, cache size) ride the
// DSN so they apply before the first statement.
func openConn(path string, busyTimeout time.Duration, cacheSizeKB int) (*Conn, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on&_cache_size=-%d",
		path, busyTimeout.Milliseconds(), cacheSizeKB)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &errors.ConnectionError{Path: path, Err: err}
	}

	// database/sql is itself a pool; pin it to one physical connection so
	// ownership and transaction state live on this Conn, not inside the
	// driver layer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ConnectionError{Path: path, Err: err}
	}

	now := time.Now()
	return &Conn{
		id:         uuid.NewString(),
		db:         db,
		createdAt:  now,
		lastUsedAt: now,
	}, nil
}

// ID returns the connection identity.
func (c *Conn) ID() string { return c.id }

// CreatedAt returns when the physical connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// LastUsedAt returns when the connection was last acquired or released.
func (c *Conn) LastUsedAt() time.Time { return c.lastUsedAt }

// InTransaction reports whether a transaction is open on this connection.
func (c *Conn) InTransaction() bool { return c.tx != nil }

// Run executes a statement and returns its write outcome. Failures carry the
// statement, parameters and connection identity.
func (c *Conn) Run(ctx context.Context, query string, params ...interface{}) (Result, error) {
	var (
		res sql.Result
		err error
	)
	if c.tx != nil {
		res, err = c.tx.ExecContext(ctx, query, params...)
	} else {
		res, err = c.db.ExecContext(ctx, query, params...)
	}
	if err != nil {
		return Result{}, &errors.QueryError{SQL: query, Params: params, ConnID: c.id, Err: err}
	}

	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	return Result{LastInsertID: lastID, RowsAffected: affected}, nil
}

// Get executes a query and returns the first row. A query with no rows fails
// with a QueryError wrapping sql.ErrNoRows.
func (c *Conn) Get(ctx context.Context, query string, params ...interface{}) (map[string]interface{}, error) {
	rows, err := c.queryRows(ctx, query, params...)
	if err != nil {
		return nil, &errors.QueryError{SQL: query, Params: params, ConnID: c.id, Err: err}
	}
	if len(rows) == 0 {
		return nil, &errors.QueryError{SQL: query, Params: params, ConnID: c.id, Err: sql.ErrNoRows}
	}
	return rows[0], nil
}

// All executes a query and returns every row.
func (c *Conn) All(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	rows, err := c.queryRows(ctx, query, params...)
	if err != nil {
		return nil, &errors.QueryError{SQL: query, Params: params, ConnID: c.id, Err: err}
	}
	return rows, nil
}

// queryRows runs a query through the open transaction when one exists and
// scans every row into a column map.
func (c *Conn) queryRows(ctx context.Context, query string, params ...interface{}) ([]map[string]interface{}, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if c.tx != nil {
		rows, err = c.tx.QueryContext(ctx, query, params...)
	} else {
		rows, err = c.db.QueryContext(ctx, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// begin opens a transaction on the connection.
func (c *Conn) begin(ctx context.Context) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

// commit closes the open transaction. On a commit failure the driver-side
// transaction is rolled back; the flag is cleared either way.
func (c *Conn) commit() error {
	err := c.tx.Commit()
	if err != nil {
		c.tx.Rollback()
	}
	c.tx = nil
	return err
}

// rollback aborts the open transaction and clears the flag.
func (c *Conn) rollback() error {
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// close releases the physical handle. An open transaction is rolled back
// first. Closed is terminal; the pool drops every reference afterwards.
func (c *Conn) close() error {
	if c.tx != nil {
		c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}
