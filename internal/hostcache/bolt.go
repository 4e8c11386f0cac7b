package hostcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/hepio/xrdfed/internal/logger"
)

const (
	// DefaultBoltFilePath is the default path for the BoltDB file
	DefaultBoltFilePath = "xrdfed-host-cache.db"

	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout is the default wait for the BoltDB file lock on open
	DefaultBoltTimeout = 1 * time.Second
)

var hostBucket = []byte("hosts")

// BoltStore implements the Store interface using BoltDB
type BoltStore struct {
	db      *bolt.DB
	path    string
	options *BoltOptions
}

// BoltOptions configures the BoltDB store
type BoltOptions struct {
	// Path to the BoltDB file
	Path string
	// File mode for the BoltDB file
	FileMode os.FileMode
	// How long Open waits for the BoltDB file lock
	Timeout time.Duration
}

// NewBoltStore creates a new BoltStore with the given options
func NewBoltStore(opts *BoltOptions) *BoltStore {
	if opts == nil {
		opts = &BoltOptions{}
	}
	if opts.Path == "" {
		opts.Path = DefaultBoltFilePath
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}
	return &BoltStore{
		path:    opts.Path,
		options: opts,
	}
}

// Open initializes the BoltDB database
func (s *BoltStore) Open() error {
	logger.Debug("opening host cache", zap.String("path", s.path))

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for host cache: %w", err)
	}

	db, err := bolt.Open(s.path, s.options.FileMode, &bolt.Options{Timeout: s.options.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open host cache: %w", err)
	}
	s.db = db

	err = s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(hostBucket)
		if err != nil {
			return fmt.Errorf("failed to create hosts bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to initialize host cache: %w", err)
	}
	return nil
}

// Close closes the BoltDB database
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record upserts the record for a host
func (s *BoltStore) Record(ctx context.Context, host string, update func(*HostRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hostBucket)
		if b == nil {
			return fmt.Errorf("hosts bucket not found")
		}

		record := &HostRecord{Host: host}
		key := []byte(host)
		if data := b.Get(key); data != nil {
			if err := json.Unmarshal(data, record); err != nil {
				return fmt.Errorf("failed to unmarshal host record: %w", err)
			}
		}

		if err := update(record); err != nil {
			return err
		}

		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal host record: %w", err)
		}
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("failed to store host record: %w", err)
		}
		return nil
	})
}

// Get retrieves the record for a host
func (s *BoltStore) Get(ctx context.Context, host string) (*HostRecord, error) {
	var record *HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(hostBucket)
		if b == nil {
			return fmt.Errorf("hosts bucket not found")
		}
		data := b.Get([]byte(host))
		if data == nil {
			return ErrHostNotFound{Host: host}
		}
		record = &HostRecord{}
		if err := json.Unmarshal(data, record); err != nil {
			return fmt.Errorf("failed to unmarshal host record: %w", err)
		}
		return nil
	})
	return record, err
}

// List retrieves all host records
func (s *BoltStore) List(ctx context.Context) ([]*HostRecord, error) {
	var records []*HostRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(hostBucket)
		if b == nil {
			return fmt.Errorf("hosts bucket not found")
		}
		return b.ForEach(func(k, v []byte) error {
			record := &HostRecord{}
			if err := json.Unmarshal(v, record); err != nil {
				return fmt.Errorf("failed to unmarshal host record: %w", err)
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Delete removes the record for a host
func (s *BoltStore) Delete(ctx context.Context, host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(hostBucket)
		if b == nil {
			return fmt.Errorf("hosts bucket not found")
		}
		key := []byte(host)
		if b.Get(key) == nil {
			return ErrHostNotFound{Host: host}
		}
		if err := b.Delete(key); err != nil {
			return fmt.Errorf("failed to delete host record: %w", err)
		}
		return nil
	})
}
