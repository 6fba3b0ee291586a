// Package localstore implements the client-side local state store (C11):
// a BoltDB-backed map from remote path to {content hash, local mtime}, a
// retry table, and a singleton last-sync cursor.
package localstore

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var (
	bucketState   = []byte("state")
	bucketRetry   = []byte("retry")
	bucketCursor  = []byte("cursor")
	cursorKey     = []byte("last_sync_cursor")
)

// Record is what the client remembers about one synced path.
type Record struct {
	RemotePath  string    `json:"remote_path"`
	ContentHash string    `json:"content_hash"`
	LocalMtime  time.Time `json:"local_mtime"`
}

// RetryEntry tracks a path that failed to sync and is pending another
// attempt, with a backoff that grows linearly with Attempts (see NextBackoff).
type RetryEntry struct {
	RemotePath     string    `json:"remote_path"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error"`
	NextRetryEpoch time.Time `json:"next_retry_epoch"`
}

// Store is the local client state store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the BoltDB file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketRetry, bucketCursor} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the remembered record for remotePath, or (Record{}, false)
// if nothing is known about it yet.
func (s *Store) Get(remotePath string) (Record, bool) {
	var rec Record
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(remotePath))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	return rec, found
}

// Put records the current hash and mtime observed for remotePath.
func (s *Store) Put(rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(rec.RemotePath), buf)
	})
}

// Delete forgets a path entirely, e.g. after it is deleted locally and
// remotely.
func (s *Store) Delete(remotePath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).Delete([]byte(remotePath))
	})
}

// All returns every remembered record, for full-tree reconciliation on
// startup.
func (s *Store) All() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketState).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutRetry records (or replaces) a pending retry entry.
func (s *Store) PutRetry(entry RetryEntry) error {
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetry).Put([]byte(entry.RemotePath), buf)
	})
}

// ClearRetry removes a path from the retry table, typically after a
// successful upload or download.
func (s *Store) ClearRetry(remotePath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetry).Delete([]byte(remotePath))
	})
}

// DueRetries returns every retry entry whose next_retry_epoch has
// already passed, for the client's retry cycle.
func (s *Store) DueRetries(now time.Time) ([]RetryEntry, error) {
	var out []RetryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRetry).ForEach(func(_, v []byte) error {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			if !entry.NextRetryEpoch.After(now) {
				out = append(out, entry)
			}
			return nil
		})
	})
	return out, err
}

// NextBackoff computes the next_retry_epoch for a retry entry about to
// be recorded after attempt failures, using the base*attempt schedule
// from §4.9 (base 60s).
func NextBackoff(base time.Duration, attempts int) time.Time {
	if attempts < 1 {
		attempts = 1
	}
	return time.Now().UTC().Add(base * time.Duration(attempts))
}

// GetCursor returns the last-synced changes-since cursor, or the zero
// time if the client has never synced.
func (s *Store) GetCursor() (time.Time, error) {
	var cursor time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCursor).Get(cursorKey)
		if v == nil {
			return nil
		}
		return cursor.UnmarshalText(v)
	})
	return cursor, err
}

// SetCursor persists the latest changes-since cursor.
func (s *Store) SetCursor(cursor time.Time) error {
	buf, err := cursor.UTC().MarshalText()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCursor).Put(cursorKey, buf)
	})
}
