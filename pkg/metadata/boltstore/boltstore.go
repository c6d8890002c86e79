// Package boltstore persists the metadata document in a bolt file so a
// restarted node resumes from what it had seen instead of an empty document.
package boltstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/amirimatin/go-clusteradmin/pkg/metadata"
)

var (
	bucketName = []byte("metadata")
	docKey     = []byte("cluster")
)

// FileName is the store's file inside a data directory.
const FileName = "metadata.db"

// Store is a semilattice.Persister for metadata.Cluster.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltstore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Load returns the stored document, if any.
func (s *Store) Load() (metadata.Cluster, bool, error) {
	var doc metadata.Cluster
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get(docKey); v != nil {
			// v is only valid inside the transaction.
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || raw == nil {
		return doc, false, err
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, false, fmt.Errorf("boltstore: decode: %w", err)
	}
	return doc, true, nil
}

// Save replaces the stored document.
func (s *Store) Save(doc metadata.Cluster) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put(docKey, raw)
	})
}

func (s *Store) Close() error { return s.db.Close() }
