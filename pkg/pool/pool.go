package pool

import (
	"context"
	"sync"
	"time"

	"dbpool/pkg/errors"
	"dbpool/pkg/logger"
)

// Default configuration values
const (
	DefaultMaxConnections = 10
	DefaultAcquireTimeout = 30 * time.Second
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultReapInterval   = time.Minute
	DefaultBusyTimeout    = 5 * time.Second
	DefaultCacheSizeKB    = 64000
)

// Config holds pool sizing, timing and driver tuning.
type Config struct {
	Path           string
	MaxConnections int
	MinConnections int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
	BusyTimeout    time.Duration
	CacheSizeKB    int
}

// withDefaults fills in zero values.
func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MinConnections < 0 {
		c.MinConnections = 0
	}
	if c.MinConnections > c.MaxConnections {
		c.MinConnections = c.MaxConnections
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = DefaultReapInterval
	}
	if c.BusyTimeout <= 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.CacheSizeKB <= 0 {
		c.CacheSizeKB = DefaultCacheSizeKB
	}
	return c
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	TotalConnections     int `json:"total_connections"`
	ActiveConnections    int `json:"active_connections"`
	AvailableConnections int `json:"available_connections"`
	PendingRequests      int `json:"pending_requests"`
	MaxConnections       int `json:"max_connections"`
	MinConnections       int `json:"min_connections"`
}

// acquireResult is delivered to a waiter exactly once.
type acquireResult struct {
	conn *Conn
	err  error
}

// pendingRequest is one caller waiting for a connection. done is guarded by
// the pool mutex; whoever flips it owns the single send on ch.
type pendingRequest struct {
	ch         chan acquireResult
	enqueuedAt time.Time
	timer      *time.Timer
	done       bool
}

// Pool owns the full connection set and mediates exclusive checkout.
// All four collections (conns, available, active, pending) are guarded by mu;
// acquire and release never observe an inconsistent intermediate state.
type Pool struct {
	cfg Config
	log *logger.Logger

	mu          sync.Mutex
	conns       map[string]*Conn // every live connection
	available   []*Conn          // idle subset, coldest first
	active      map[string]*Conn // checked-out subset
	pending     []*pendingRequest
	opening     int // connections being opened off-lock, counted against max
	initialized bool
	closed      bool

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a pool. No connections are opened until Initialize.
func New(cfg Config) *Pool {
	return &Pool{
		cfg:    cfg.withDefaults(),
		log:    logger.Get(),
		conns:  make(map[string]*Conn),
		active: make(map[string]*Conn),
	}
}

// Initialize opens MinConnections eagerly and starts the idle reaper. It
// fails without leaving a partially-initialized pool: on the first open
// error every already-opened connection is closed again.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.ErrPoolClosed
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	opened := make([]*Conn, 0, p.cfg.MinConnections)
	for i := 0; i < p.cfg.MinConnections; i++ {
		c, err := openConn(p.cfg.Path, p.cfg.BusyTimeout, p.cfg.CacheSizeKB)
		if err != nil {
			for _, o := range opened {
				o.close()
			}
			return err
		}
		opened = append(opened, c)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, o := range opened {
			o.close()
		}
		return errors.ErrPoolClosed
	}
	for _, c := range opened {
		p.conns[c.id] = c
		p.available = append(p.available, c)
	}
	p.initialized = true
	p.reaperStop = make(chan struct{})
	p.reaperDone = make(chan struct{})
	p.mu.Unlock()

	go p.reaperLoop()

	p.log.Info("connection pool initialized",
		"path", p.cfg.Path,
		"min_connections", p.cfg.MinConnections,
		"max_connections", p.cfg.MaxConnections)
	return nil
}

// Acquire returns a usable, exclusively-owned connection. When the pool is
// saturated the caller waits in FIFO order until a release hands it a
// connection, its timeout fires (PoolExhausted), or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.ErrPoolClosed
	}

	// Reuse an idle connection, warmest first.
	if n := len(p.available); n > 0 {
		c := p.available[n-1]
		p.available = p.available[:n-1]
		p.active[c.id] = c
		c.lastUsedAt = time.Now()
		p.mu.Unlock()
		return c, nil
	}

	// Room to grow: open a new connection. The slot is reserved before
	// unlocking so concurrent acquires cannot exceed MaxConnections.
	if len(p.conns)+p.opening < p.cfg.MaxConnections {
		p.opening++
		p.mu.Unlock()

		c, err := openConn(p.cfg.Path, p.cfg.BusyTimeout, p.cfg.CacheSizeKB)

		p.mu.Lock()
		p.opening--
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if p.closed {
			p.mu.Unlock()
			c.close()
			return nil, errors.ErrPoolClosed
		}
		p.conns[c.id] = c
		p.active[c.id] = c
		p.mu.Unlock()

		p.log.Debug("opened new connection", "conn_id", c.id, "total", p.Stats().TotalConnections)
		return c, nil
	}

	// Saturated: join the pending queue with a personal timeout.
	req := &pendingRequest{
		ch:         make(chan acquireResult, 1),
		enqueuedAt: time.Now(),
	}
	p.pending = append(p.pending, req)
	timeout := p.cfg.AcquireTimeout
	req.timer = time.AfterFunc(timeout, func() {
		p.expireRequest(req, timeout)
	})
	p.mu.Unlock()

	select {
	case res := <-req.ch:
		return res.conn, res.err
	case <-ctx.Done():
		p.mu.Lock()
		if !req.done {
			req.done = true
			req.timer.Stop()
			p.removePending(req)
			p.mu.Unlock()
			return nil, ctx.Err()
		}
		p.mu.Unlock()
		// Resolved concurrently with the cancellation; the caller is gone,
		// so put the connection straight back.
		res := <-req.ch
		if res.conn != nil {
			p.Release(res.conn)
		}
		return nil, ctx.Err()
	}
}

// expireRequest fires when a pending request's timer elapses. It removes
// exactly that entry and rejects it with the pool occupancy attached.
func (p *Pool) expireRequest(req *pendingRequest, timeout time.Duration) {
	p.mu.Lock()
	if req.done {
		p.mu.Unlock()
		return
	}
	req.done = true
	p.removePending(req)
	exhausted := &errors.PoolExhaustedError{
		Timeout:   timeout,
		Active:    len(p.active),
		Available: len(p.available),
		Pending:   len(p.pending),
	}
	p.mu.Unlock()

	p.log.Warn("acquire timed out",
		"timeout", timeout,
		"active", exhausted.Active,
		"pending", exhausted.Pending)
	req.ch <- acquireResult{err: exhausted}
}

// removePending deletes one request from the queue without disturbing the
// order of the others. Caller holds mu.
func (p *Pool) removePending(req *pendingRequest) {
	for i, r := range p.pending {
		if r == req {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return
		}
	}
}

// Release returns a connection to general availability. It never fails:
// releasing an untracked connection is a logged no-op, and a connection
// still inside a transaction is rolled back first.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if _, ok := p.active[c.id]; !ok {
		p.mu.Unlock()
		p.log.Warn("release of connection not tracked as active", "conn_id", c.id)
		return
	}

	if c.tx != nil {
		// The caller failed to close its transaction.
		if err := c.rollback(); err != nil {
			p.log.ErrorWithErr("rollback on release failed", err, "conn_id", c.id)
		}
		p.log.Warn("connection released while in transaction, rolled back", "conn_id", c.id)
	}

	delete(p.active, c.id)

	// Hand directly to the oldest waiter, skipping the available list so no
	// concurrent acquire can intercept the connection.
	if len(p.pending) > 0 {
		req := p.pending[0]
		p.pending = p.pending[1:]
		req.done = true
		req.timer.Stop()
		c.lastUsedAt = time.Now()
		p.active[c.id] = c
		p.mu.Unlock()
		req.ch <- acquireResult{conn: c}
		return
	}

	c.lastUsedAt = time.Now()
	p.available = append(p.available, c)
	p.mu.Unlock()
}

// reaperLoop trims idle capacity on a fixed interval until Destroy.
func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)

	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.reapIdle()
		case <-p.reaperStop:
			return
		}
	}
}

// reapIdle closes available connections idle beyond IdleTimeout while the
// pool holds more than MinConnections. Active connections are never touched.
func (p *Pool) reapIdle() {
	now := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	var victims []*Conn
	kept := p.available[:0]
	for _, c := range p.available {
		if now.Sub(c.lastUsedAt) >= p.cfg.IdleTimeout && len(p.conns) > p.cfg.MinConnections {
			delete(p.conns, c.id)
			victims = append(victims, c)
			continue
		}
		kept = append(kept, c)
	}
	p.available = kept
	p.mu.Unlock()

	for _, c := range victims {
		if err := c.close(); err != nil {
			p.log.ErrorWithErr("failed to close idle connection", err, "conn_id", c.id)
		} else {
			p.log.Debug("reaped idle connection", "conn_id", c.id)
		}
	}
}

// Destroy rejects every pending request, stops the reaper and closes every
// connection, active or available. It is idempotent; the pool is unusable
// afterwards.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	pending := p.pending
	p.pending = nil
	for _, req := range pending {
		req.done = true
		req.timer.Stop()
	}

	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.active = make(map[string]*Conn)
	p.available = nil

	stop := p.reaperStop
	done := p.reaperDone
	p.mu.Unlock()

	for _, req := range pending {
		req.ch <- acquireResult{err: errors.ErrPoolClosed}
	}

	if stop != nil {
		close(stop)
		<-done
	}

	for _, c := range conns {
		if err := c.close(); err != nil {
			p.log.ErrorWithErr("failed to close connection during destroy", err, "conn_id", c.id)
		}
	}

	p.log.Info("connection pool destroyed",
		"closed_connections", len(conns),
		"rejected_requests", len(pending))
	return nil
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalConnections:     len(p.conns) + p.opening,
		ActiveConnections:    len(p.active),
		AvailableConnections: len(p.available),
		PendingRequests:      len(p.pending),
		MaxConnections:       p.cfg.MaxConnections,
		MinConnections:       p.cfg.MinConnections,
	}
}
