// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Package pool implements the Connection Pool (C5): a sharded table of
// live Connections guarded by a weighted semaphore, with RAII Guards and
// a background sweeper evicting idle or unhealthy entries.
package pool
