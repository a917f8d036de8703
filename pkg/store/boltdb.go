package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/nodeagent/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketExecutions = []byte("executions")
	keyExecutions     = []byte("current")
)

// BoltExecutionsStore persists the ExecutionsMap in a single-bucket,
// single-key bbolt database.
type BoltExecutionsStore struct {
	db *bolt.DB
}

// NewBoltExecutionsStore opens (creating if necessary) a bbolt database
// under dataDir for holding the executions map.
func NewBoltExecutionsStore(dataDir string) (*BoltExecutionsStore, error) {
	dbPath := filepath.Join(dataDir, "executions.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open executions database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketExecutions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create executions bucket: %w", err)
	}

	return &BoltExecutionsStore{db: db}, nil
}

// Get returns the current executions map, or an empty map if nothing has
// ever been persisted.
func (s *BoltExecutionsStore) Get() (types.ExecutionsMap, error) {
	result := make(types.ExecutionsMap)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		data := b.Get(keyExecutions)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read executions map: %w", err)
	}

	return result, nil
}

// Set durably replaces the executions map in a single bbolt
// transaction: the whole-value Put either commits or it doesn't, so
// there is no way to observe a partially-written map.
func (s *BoltExecutionsStore) Set(m types.ExecutionsMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize executions map: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutions)
		return b.Put(keyExecutions, data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist executions map: %w", err)
	}

	return nil
}

// Close closes the underlying database.
func (s *BoltExecutionsStore) Close() error {
	return s.db.Close()
}
