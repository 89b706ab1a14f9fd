package pool

import (
	"context"
	"sync"

	"dbpool/pkg/errors"
	"dbpool/pkg/logger"
)

// Health status values reported by HealthCheck.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HealthReport is the outcome of a health probe plus a pool snapshot.
type HealthReport struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Pool   Stats  `json:"pool"`
}

// TxFunc is caller logic executed inside a transaction. The connection it
// receives is borrowed; queries issued through it join the transaction.
type TxFunc func(c *Conn) (interface{}, error)

// Manager is the facade callers go through. It lazily initializes the pool
// on first use and wraps transactional execution.
type Manager struct {
	cfg Config
	log *logger.Logger

	mu   sync.Mutex
	pool *Pool
}

// NewManager creates a manager. The pool is not initialized until the first
// operation needs it.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg: cfg.withDefaults(),
		log: logger.Get(),
	}
}

// ensurePool initializes the pool on first use.
func (m *Manager) ensurePool() (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		return m.pool, nil
	}

	p := New(m.cfg)
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	m.pool = p
	return p, nil
}

// GetConnection acquires an exclusively-owned connection.
func (m *Manager) GetConnection(ctx context.Context) (*Conn, error) {
	p, err := m.ensurePool()
	if err != nil {
		return nil, err
	}
	return p.Acquire(ctx)
}

// ReleaseConnection returns a connection to the pool. Safe to call with a
// connection the pool no longer tracks.
func (m *Manager) ReleaseConnection(c *Conn) {
	m.mu.Lock()
	p := m.pool
	m.mu.Unlock()
	if p != nil {
		p.Release(c)
	}
}

// ExecuteTransaction acquires a connection, brackets fn with BEGIN/COMMIT and
// returns fn's result. On any failure from fn or COMMIT the transaction is
// rolled back and the original error surfaces as a TxError; a rollback
// failure is logged and never masks it. The connection is released on every
// path.
func (m *Manager) ExecuteTransaction(ctx context.Context, fn TxFunc) (interface{}, error) {
	p, err := m.ensurePool()
	if err != nil {
		return nil, err
	}

	c, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	// Release always runs; if fn panics mid-transaction, Release's defensive
	// rollback restores the pre-transaction state before the panic continues.
	defer p.Release(c)

	if err := c.begin(ctx); err != nil {
		return nil, &errors.TxError{ConnID: c.id, Err: err}
	}

	result, err := fn(c)
	if err != nil {
		txErr := &errors.TxError{ConnID: c.id, Err: err}
		if rbErr := c.rollback(); rbErr != nil {
			txErr.RollbackErr = rbErr
			m.log.ErrorWithErr("rollback failed", rbErr, "conn_id", c.id)
		}
		return nil, txErr
	}

	if err := c.commit(); err != nil {
		return nil, &errors.TxError{ConnID: c.id, Err: err}
	}
	return result, nil
}

// HealthCheck acquires a connection, runs a no-op query and releases it. The
// connection never leaks, query failure included.
func (m *Manager) HealthCheck(ctx context.Context) HealthReport {
	p, err := m.ensurePool()
	if err != nil {
		return HealthReport{Status: StatusUnhealthy, Error: err.Error(), Pool: m.Status()}
	}

	c, err := p.Acquire(ctx)
	if err != nil {
		return HealthReport{Status: StatusUnhealthy, Error: err.Error(), Pool: p.Stats()}
	}
	defer p.Release(c)

	if _, err := c.Get(ctx, "SELECT 1"); err != nil {
		return HealthReport{Status: StatusUnhealthy, Error: err.Error(), Pool: p.Stats()}
	}
	return HealthReport{Status: StatusHealthy, Pool: p.Stats()}
}

// Status returns the pool snapshot without forcing initialization.
func (m *Manager) Status() Stats {
	m.mu.Lock()
	p := m.pool
	m.mu.Unlock()

	if p == nil {
		return Stats{
			MaxConnections: m.cfg.MaxConnections,
			MinConnections: m.cfg.MinConnections,
		}
	}
	return p.Stats()
}

// Close destroys the pool. Idempotent; subsequent operations fail with
// ErrPoolClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool == nil {
		// Never initialized; leave a destroyed pool behind so later calls
		// fail closed instead of reopening the database.
		m.pool = New(m.cfg)
		m.pool.closed = true
		return nil
	}
	return m.pool.Destroy()
}
