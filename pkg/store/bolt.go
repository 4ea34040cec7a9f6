package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/locuskit/locus/pkg"
)

var boltBucket = []byte("fixes")

// BoltStore persists history in an embedded bbolt key-value database.
// Keys are big-endian (timestamp, sequence) pairs so cursor order is
// time order.
type BoltStore struct {
	mu     sync.Mutex
	path   string
	db     *bolt.DB
	closed bool
}

// NewBoltStore creates the store for a database path
func NewBoltStore(path string) *BoltStore {
	if path == "" {
		path = "location_history.bolt"
	}
	return &BoltStore{path: path}
}

func (s *BoltStore) Name() string { return "bolt" }

func (s *BoltStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return pkg.ErrStoreClosed
	}
	if s.db != nil {
		return nil
	}
	db, err := bolt.Open(s.path, 0o600, nil)
	if err != nil {
		return fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("create bucket: %w", err)
	}
	s.db = db
	return nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// boltKey orders entries by (timestamp, insertion sequence); the bucket
// sequence keeps keys unique across restarts
func boltKey(ts int64, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(ts))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

func (s *BoltStore) Save(fix pkg.Fix) error {
	return s.SaveBatch([]pkg.Fix{fix})
}

func (s *BoltStore) SaveBatch(fixes []pkg.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boltBucket)
		for _, f := range fixes {
			raw, err := json.Marshal(f)
			if err != nil {
				return fmt.Errorf("marshal fix: %w", err)
			}
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("next sequence: %w", err)
			}
			if err := b.Put(boltKey(f.Timestamp, seq), raw); err != nil {
				return fmt.Errorf("put fix: %w", err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Latest() (pkg.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readyLocked() != nil {
		return pkg.Fix{}, false
	}
	var fix pkg.Fix
	found := false
	s.db.View(func(tx *bolt.Tx) error {
		_, v := tx.Bucket(boltBucket).Cursor().Last()
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &fix); err != nil {
			return err
		}
		found = true
		return nil
	})
	return fix, found
}

func (s *BoltStore) QueryByTime(from, to int64) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}
	start := make([]byte, 8)
	binary.BigEndian.PutUint64(start, uint64(from))

	var out []pkg.Fix
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			ts := int64(binary.BigEndian.Uint64(k[:8]))
			if ts > to {
				break
			}
			var fix pkg.Fix
			if err := json.Unmarshal(v, &fix); err != nil {
				return fmt.Errorf("unmarshal fix: %w", err)
			}
			out = append(out, fix)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Recent(n int) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	var out []pkg.Fix
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var fix pkg.Fix
			if err := json.Unmarshal(v, &fix); err != nil {
				return fmt.Errorf("unmarshal fix: %w", err)
			}
			out = append(out, fix)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *BoltStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.readyLocked(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(boltBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(boltBucket)
		return err
	})
}

func (s *BoltStore) readyLocked() error {
	if s.closed || s.db == nil {
		return pkg.ErrStoreClosed
	}
	return nil
}
