// Package blobstore is the local persistent store for binary assets.
// It keeps two named partitions, wallpapers and favicons, inside a bbolt
// database. Keys are opaque strings; favicon keys are content hashes,
// wallpaper keys are fixed slot names.
package blobstore

import (
	"encoding/base64"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	tderr "github.com/tabdeck/tabdeck/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// Partition names.
const (
	Wallpapers = "wallpapers"
	Favicons   = "favicons"
)

const (
	dbDirPerm  = fs.FileMode(0o700)
	dbFilePerm = fs.FileMode(0o600)

	// dbOpenTimeout is the maximum time to wait for the bolt file lock.
	dbOpenTimeout = 5 * time.Second
)

var partitions = [][]byte{
	[]byte(Wallpapers),
	[]byte(Favicons),
}

// Store wraps a bbolt database holding the blob partitions.
type Store struct {
	db *bolt.DB
}

// Open opens the blob database under dataDir, creating it if needed.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, "blobs.db"))
}

// OpenAt opens a blob database at the given path. Useful for tests that
// need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dbDirPerm); err != nil {
		return nil, fmt.Errorf("creating blob store directory: %w", err)
	}

	db, err := bolt.Open(path, dbFilePerm, &bolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening blob db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, p := range partitions {
			if _, err := tx.CreateBucketIfNotExists(p); err != nil {
				return fmt.Errorf("creating partition %s: %w", p, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing blob db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the payload stored under store/key, or nil if absent.
// The payload is returned exactly as written; callers that need raw
// bytes should pass the result through Normalize to decode legacy
// inline data URIs.
func (s *Store) Get(store, key string) ([]byte, error) {
	var payload []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return fmt.Errorf("unknown partition %q", store)
		}

		v := b.Get([]byte(key))
		if v != nil {
			payload = make([]byte, len(v))
			copy(payload, v)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return payload, nil
}

// Set stores payload under store/key, overwriting any previous value.
// A rejected write (the embedded store is out of space, or the
// transaction cannot commit) surfaces as ErrQuotaExceeded; callers must
// not assume success.
func (s *Store) Set(store, key string, payload []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return fmt.Errorf("unknown partition %q", store)
		}

		return b.Put([]byte(key), payload)
	})
	if err != nil {
		return fmt.Errorf("%w: %s/%s: %v", tderr.ErrQuotaExceeded, store, key, err)
	}

	return nil
}

// Delete removes the payload under store/key. Deleting an absent key is
// not an error.
func (s *Store) Delete(store, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return fmt.Errorf("unknown partition %q", store)
		}

		return b.Delete([]byte(key))
	})
}

// Has reports whether store/key holds a payload. For content-addressed
// partitions presence alone proves the bytes are correct for the key.
func (s *Store) Has(store, key string) bool {
	found := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b != nil && b.Get([]byte(key)) != nil {
			found = true
		}

		return nil
	})

	return found
}

// Keys returns all keys in a partition.
func (s *Store) Keys(store string) ([]string, error) {
	var keys []string

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return fmt.Errorf("unknown partition %q", store)
		}

		return b.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// ParseDataURI splits an inline data URI into its content type and
// decoded bytes. Returns ok=false when s is not a data URI.
func ParseDataURI(s string) (contentType string, data []byte, ok bool) {
	if !strings.HasPrefix(s, "data:") {
		return "", nil, false
	}

	comma := strings.Index(s, ",")
	if comma < 0 {
		return "", nil, false
	}

	meta := s[len("data:"):comma]
	body := s[comma+1:]

	if base64Meta, found := strings.CutSuffix(meta, ";base64"); found {
		decoded, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return "", nil, false
		}

		return base64Meta, decoded, true
	}

	return meta, []byte(body), true
}

// Normalize converts a stored payload to raw bytes. Legacy entries hold
// string data URIs under the same keys as binary payloads; those are
// decoded, everything else passes through unchanged.
func Normalize(payload []byte) []byte {
	if _, data, ok := ParseDataURI(string(payload)); ok {
		return data
	}

	return payload
}
