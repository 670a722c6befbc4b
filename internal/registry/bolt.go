package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/dshills/rtledit/internal/extension"
)

const (
	boltFileMode   os.FileMode = 0o600
	boltBucketName             = "registry_entries"
	boltMetaBucket             = "registry_meta"
	boltFetchedKey             = "fetched_at"
)

var (
	boltTimeout        = 5 * time.Second
	defaultBoltOptions = &bbolt.Options{Timeout: boltTimeout, NoGrowSync: true}
	errBoltStoreClosed = errors.New("registry: boltdb store is closed")
)

// Persister keeps the catalog across restarts so degraded mode has
// something to fall back to.
type Persister interface {
	Save(ctx context.Context, s *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
	Close() error
}

// BoltStore persists snapshots in a bbolt database.
//
// Every Save rewrites the entries bucket in one transaction, so a reader
// sees either the previous snapshot or the new one.
type BoltStore struct {
	db     *bbolt.DB
	path   string
	closed atomic.Bool
}

var _ Persister = (*BoltStore)(nil)

// boltRecord is the stored form of an Entry.
type boltRecord struct {
	ID        string          `json:"id"`
	Manifest  json.RawMessage `json:"manifest"`
	Icon      []byte          `json:"icon,omitempty"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: creating cache directory: %w", err)
	}

	optionsCopy := *defaultBoltOptions
	db, err := bbolt.Open(path, boltFileMode, &optionsCopy)
	if err != nil {
		return nil, fmt.Errorf("registry: opening boltdb: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(boltBucketName)); e != nil {
			return e
		}
		_, e := tx.CreateBucketIfNotExists([]byte(boltMetaBucket))
		return e
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: initializing boltdb buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// Save replaces the stored snapshot with snap.
func (s *BoltStore) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(boltBucketName)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		bucket, err := tx.CreateBucket([]byte(boltBucketName))
		if err != nil {
			return err
		}

		for _, e := range snap.Entries() {
			if e.Manifest == nil {
				continue
			}
			data, err := json.Marshal(boltRecord{
				ID:        e.ExtensionID,
				Manifest:  e.Manifest.Raw(),
				Icon:      e.Icon,
				FetchedAt: e.FetchedAt,
			})
			if err != nil {
				return err
			}
			if err := bucket.Put([]byte(e.ExtensionID), data); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(boltMetaBucket))
		if meta == nil {
			return fmt.Errorf("registry: bucket %q missing", boltMetaBucket)
		}
		stamp, err := snap.FetchedAt.MarshalBinary()
		if err != nil {
			return err
		}
		return meta.Put([]byte(boltFetchedKey), stamp)
	})
}

// Load returns the stored snapshot, or nil when nothing was saved.
// Records whose manifest no longer parses are skipped.
func (s *BoltStore) Load(ctx context.Context) (*Snapshot, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		entries   []Entry
		fetchedAt time.Time
		found     bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		if meta := tx.Bucket([]byte(boltMetaBucket)); meta != nil {
			if raw := meta.Get([]byte(boltFetchedKey)); raw != nil {
				found = true
				if err := fetchedAt.UnmarshalBinary(raw); err != nil {
					return err
				}
			}
		}

		bucket := tx.Bucket([]byte(boltBucketName))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			found = true
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			m, err := extension.ParseManifest(rec.Manifest, string(k))
			if err != nil {
				return nil
			}
			entries = append(entries, Entry{
				ExtensionID: string(k),
				Manifest:    m,
				Icon:        rec.Icon,
				FetchedAt:   rec.FetchedAt,
			})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registry: reading boltdb: %w", err)
	}
	if !found {
		return nil, nil
	}
	return NewSnapshot(fetchedAt, entries), nil
}

// Close closes the database. The file is kept.
func (s *BoltStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureOpen() error {
	if s.closed.Load() {
		return errBoltStoreClosed
	}
	return nil
}
