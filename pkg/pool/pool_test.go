package pool

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	stderrors "errors"

	"dbpool/pkg/errors"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Path:           filepath.Join(t.TempDir(), "pool_test.db"),
		MaxConnections: 2,
		MinConnections: 1,
		AcquireTimeout: 100 * time.Millisecond,
		IdleTimeout:    time.Hour,
		ReapInterval:   time.Hour,
	}
}

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	p := New(cfg)
	if err := p.Initialize(); err != nil {
		t.Fatalf("Failed to initialize pool: %v", err)
	}
	t.Cleanup(func() { p.Destroy() })
	return p
}

func waitForPending(t *testing.T, p *Pool, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().PendingRequests >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %d pending requests", n)
}

func TestInitializeCreatesMinConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 5
	cfg.MinConnections = 3
	p := newTestPool(t, cfg)

	stats := p.Stats()
	if stats.TotalConnections != 3 {
		t.Errorf("Expected 3 connections after initialize, got %d", stats.TotalConnections)
	}
	if stats.AvailableConnections != 3 {
		t.Errorf("Expected 3 available connections, got %d", stats.AvailableConnections)
	}
	if stats.ActiveConnections != 0 {
		t.Errorf("Expected 0 active connections, got %d", stats.ActiveConnections)
	}
}

func TestInitializeFailsWithoutPartialState(t *testing.T) {
	cfg := testConfig(t)
	// Parent directory does not exist, so every open fails.
	cfg.Path = filepath.Join(t.TempDir(), "missing", "pool_test.db")
	cfg.MinConnections = 2

	p := New(cfg)
	err := p.Initialize()
	if err == nil {
		p.Destroy()
		t.Fatal("Expected initialize to fail")
	}
	if !stderrors.Is(err, errors.ErrConnectionFailed) {
		t.Errorf("Expected ErrConnectionFailed, got %v", err)
	}

	stats := p.Stats()
	if stats.TotalConnections != 0 {
		t.Errorf("Expected no connections after failed initialize, got %d", stats.TotalConnections)
	}
}

func TestAcquireReusesReleasedConnection(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	id := c1.ID()
	p.Release(c1)

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}
	defer p.Release(c2)

	if c2.ID() != id {
		t.Errorf("Expected released connection to be reused, got %s want %s", c2.ID(), id)
	}
	if p.Stats().TotalConnections != 1 {
		t.Errorf("Expected 1 connection total, got %d", p.Stats().TotalConnections)
	}
}

// TestAcquireExclusivity checks that no two concurrent holders ever see the
// same connection identity.
func TestAcquireExclusivity(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 4
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, cfg)

	var (
		mu   sync.Mutex
		held = make(map[string]bool)
		wg   sync.WaitGroup
	)

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}

			mu.Lock()
			if held[c.ID()] {
				t.Errorf("Connection %s held by two callers at once", c.ID())
			}
			held[c.ID()] = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[c.ID()] = false
			mu.Unlock()
			p.Release(c)
		}()
	}
	wg.Wait()
}

// TestSaturatedPoolHandsOffToWaiter runs the spec scenario: max 2, three
// concurrent acquires, the third resolves with the first released connection.
func TestSaturatedPoolHandsOffToWaiter(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcquireTimeout = 2 * time.Second
	p := newTestPool(t, cfg)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Second acquire failed: %v", err)
	}

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("Waiter failed: %v", err)
			close(got)
			return
		}
		got <- c
	}()
	waitForPending(t, p, 1)

	releasedID := c1.ID()
	p.Release(c1)

	c3 := <-got
	if c3 == nil {
		t.Fatal("Waiter got no connection")
	}
	if c3.ID() != releasedID {
		t.Errorf("Expected waiter to receive released connection %s, got %s", releasedID, c3.ID())
	}
	if p.Stats().PendingRequests != 0 {
		t.Errorf("Expected empty pending queue, got %d", p.Stats().PendingRequests)
	}

	p.Release(c2)
	p.Release(c3)
}

// TestPendingFIFO checks waiters resolve strictly in enqueue order.
func TestPendingFIFO(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, cfg)

	holder, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("Waiter %d failed: %v", n, err)
				return
			}
			order <- n
			p.Release(c)
		}(i)
		// Fix the enqueue order before starting the next waiter.
		waitForPending(t, p, i+1)
	}

	p.Release(holder)
	wg.Wait()
	close(order)

	want := 0
	for got := range order {
		if got != want {
			t.Fatalf("Waiters resolved out of order: got %d, want %d", got, want)
		}
		want++
	}
	if want != 3 {
		t.Errorf("Expected 3 waiters to resolve, got %d", want)
	}
}

// TestAcquireTimeout checks a request that cannot be satisfied rejects with
// PoolExhausted and leaves the pending queue as it found it.
func TestAcquireTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 50 * time.Millisecond
	p := newTestPool(t, cfg)

	holder, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release(holder)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("Expected acquire to time out")
	}
	if !stderrors.Is(err, errors.ErrPoolExhausted) {
		t.Errorf("Expected ErrPoolExhausted, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Acquire rejected too early: %s", elapsed)
	}

	var exhausted *errors.PoolExhaustedError
	if !stderrors.As(err, &exhausted) {
		t.Fatalf("Expected *PoolExhaustedError, got %T", err)
	}
	if exhausted.Active != 1 {
		t.Errorf("Expected 1 active connection in error detail, got %d", exhausted.Active)
	}
	if exhausted.Timeout != cfg.AcquireTimeout {
		t.Errorf("Expected timeout %s in error detail, got %s", cfg.AcquireTimeout, exhausted.Timeout)
	}

	if p.Stats().PendingRequests != 0 {
		t.Errorf("Expected pending queue to return to 0, got %d", p.Stats().PendingRequests)
	}
}

// TestAcquireContextCancel checks cancellation removes exactly that waiter.
func TestAcquireContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, cfg)

	holder, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release(holder)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	waitForPending(t, p, 1)

	cancel()
	if err := <-errCh; !stderrors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if p.Stats().PendingRequests != 0 {
		t.Errorf("Expected pending queue to return to 0, got %d", p.Stats().PendingRequests)
	}
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	p := newTestPool(t, testConfig(t))

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Release(c)
	before := p.Stats()
	p.Release(c)
	after := p.Stats()

	if before != after {
		t.Errorf("Double release changed pool state: before %+v, after %+v", before, after)
	}
}

// TestReleaseRollsBackOpenTransaction checks the defensive rollback when a
// caller releases without closing its transaction.
func TestReleaseRollsBackOpenTransaction(t *testing.T) {
	p := newTestPool(t, testConfig(t))
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := c.Run(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("Create table failed: %v", err)
	}

	if err := c.begin(ctx); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if _, err := c.Run(ctx, "INSERT INTO items (name) VALUES (?)", "orphan"); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if !c.InTransaction() {
		t.Fatal("Expected connection to be in transaction")
	}

	p.Release(c)
	if c.InTransaction() {
		t.Error("Expected transaction flag cleared after release")
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Reacquire failed: %v", err)
	}
	defer p.Release(c2)

	rows, err := c2.All(ctx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected uncommitted insert to be rolled back, found %d rows", len(rows))
	}
}

// TestIdleReaperFloor checks the reaper trims idle connections but never
// below MinConnections.
func TestIdleReaperFloor(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 3
	cfg.MinConnections = 1
	cfg.IdleTimeout = 10 * time.Millisecond
	p := newTestPool(t, cfg)
	ctx := context.Background()

	conns := make([]*Conn, 3)
	for i := range conns {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
		conns[i] = c
	}
	for _, c := range conns {
		p.Release(c)
	}
	if got := p.Stats().TotalConnections; got != 3 {
		t.Fatalf("Expected 3 connections before reap, got %d", got)
	}

	time.Sleep(20 * time.Millisecond)
	p.reapIdle()

	stats := p.Stats()
	if stats.TotalConnections != 1 {
		t.Errorf("Expected reaper to trim to MinConnections=1, got %d", stats.TotalConnections)
	}
	if stats.AvailableConnections != 1 {
		t.Errorf("Expected 1 available connection after reap, got %d", stats.AvailableConnections)
	}

	// Repeated reaping never goes below the floor.
	time.Sleep(20 * time.Millisecond)
	p.reapIdle()
	if got := p.Stats().TotalConnections; got != 1 {
		t.Errorf("Expected reaper to respect floor on repeat, got %d", got)
	}
}

func TestReaperIgnoresActiveConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinConnections = 0
	cfg.IdleTimeout = time.Millisecond
	p := newTestPool(t, cfg)

	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer p.Release(c)

	time.Sleep(5 * time.Millisecond)
	p.reapIdle()

	stats := p.Stats()
	if stats.ActiveConnections != 1 || stats.TotalConnections != 1 {
		t.Errorf("Reaper touched an active connection: %+v", stats)
	}
}

// TestDestroySettlesPending checks every waiter is rejected when the pool is
// torn down.
func TestDestroySettlesPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	cfg.AcquireTimeout = 5 * time.Second
	p := newTestPool(t, cfg)

	holder, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = holder

	errCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := p.Acquire(context.Background())
			errCh <- err
		}()
	}
	waitForPending(t, p, 3)

	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-errCh:
			if !stderrors.Is(err, errors.ErrPoolClosed) {
				t.Errorf("Expected ErrPoolClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Pending request left unresolved by Destroy")
		}
	}

	if _, err := p.Acquire(context.Background()); !stderrors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("Expected acquire after destroy to fail with ErrPoolClosed, got %v", err)
	}

	// Idempotent.
	if err := p.Destroy(); err != nil {
		t.Errorf("Second destroy should be a no-op, got %v", err)
	}
}

func TestDestroyClearsState(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinConnections = 2
	p := newTestPool(t, cfg)

	if err := p.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	stats := p.Stats()
	if stats.TotalConnections != 0 || stats.ActiveConnections != 0 || stats.AvailableConnections != 0 {
		t.Errorf("Expected empty pool after destroy, got %+v", stats)
	}
}
