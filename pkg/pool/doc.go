// Package pool provides a bounded connection pool and transaction manager
// for an embedded SQLite store. Connections are handed out exclusively,
// callers over capacity wait in FIFO order with per-request timeouts, and an
// idle reaper trims excess capacity down to the configured minimum.
//
// The Manager facade lazily initializes the pool and wraps transactional
// execution so a connection is released on every path, caller failures
// included.
package pool
