// Package hostcache persists per-host observation history across client
// runs: how often a data server was read from, how often it failed, and the
// last quality score it earned. The request manager writes through on a
// best-effort basis; the CLI reads the history back for diagnostics.
package hostcache

import (
	"context"
	"time"
)

// HostRecord is the accumulated history for one data server
type HostRecord struct {
	Host        string    `json:"host"`
	Reads       uint64    `json:"reads"`
	Failures    uint64    `json:"failures"`
	LastQuality int64     `json:"last_quality"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store persists host records
type Store interface {
	// Open initializes the store
	Open() error

	// Close releases the store
	Close() error

	// Record upserts the record for a host: a fresh record is created if
	// none exists, then the updater mutates it in place.
	Record(ctx context.Context, host string, update func(*HostRecord) error) error

	// Get retrieves the record for a host
	Get(ctx context.Context, host string) (*HostRecord, error)

	// List retrieves all host records
	List(ctx context.Context) ([]*HostRecord, error)

	// Delete removes the record for a host
	Delete(ctx context.Context, host string) error
}
