// Package api provides the operational HTTP surface for the connection pool:
// a health probe, a pool status snapshot, and a websocket feed streaming
// occupancy stats to external dashboards. All handlers consume the pool
// through its public manager operations only.
package api
