// Package store defines interfaces for persistence dependencies (crawl outcome
// archives). Implementations live under internal/storage; this package must
// not import database drivers or concrete clients.
package store
