package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/iweave/wnm/pkg/types"
)

var (
	bucketMachine = []byte("machine")
	bucketNodes   = []byte("nodes")

	machineKey = []byte("1")
)

// BoltStore implements Store using an embedded bbolt database, matching
// the bucket-per-entity, JSON-row layout this toolchain uses for all of
// its persistent state.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "wnm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketMachine, bucketNodes} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// GetMachine implements Store.
func (s *BoltStore) GetMachine() (*types.MachineConfig, error) {
	var m types.MachineConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMachine).Get(machineKey)
		if data == nil {
			return ErrMachineNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PutMachine implements Store.
func (s *BoltStore) PutMachine(m *types.MachineConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMachine).Put(machineKey, data)
	})
}

// UpdateMachine implements Store.
func (s *BoltStore) UpdateMachine(fn func(*types.MachineConfig) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMachine)
		var m types.MachineConfig
		if data := b.Get(machineKey); data != nil {
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
		} else {
			return ErrMachineNotFound
		}
		if err := fn(&m); err != nil {
			return err
		}
		data, err := json.Marshal(&m)
		if err != nil {
			return err
		}
		return b.Put(machineKey, data)
	})
}

func nodeKey(id int) []byte {
	return []byte(fmt.Sprintf("%08d", id))
}

// GetNode implements Store.
func (s *BoltStore) GetNode(id int) (*types.Node, error) {
	var n types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(nodeKey(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// PutNode implements Store (upsert, keyed by zero-padded id so bucket
// cursor order is already id order).
func (s *BoltStore) PutNode(n *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(nodeKey(n.ID), data)
	})
}

// UpdateNode implements Store.
func (s *BoltStore) UpdateNode(id int, fn func(*types.Node) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNodes)
		data := b.Get(nodeKey(id))
		if data == nil {
			return ErrNotFound
		}
		var n types.Node
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		if err := fn(&n); err != nil {
			return err
		}
		out, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		return b.Put(nodeKey(id), out)
	})
}

// DeleteNode implements Store. Deleting an absent key is not an error.
func (s *BoltStore) DeleteNode(id int) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(nodeKey(id))
	})
}

// NodesWhere implements Store.
func (s *BoltStore) NodesWhere(filter NodeFilter, key SortKey, order Order) ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var n types.Node
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}
			if filter == nil || filter(&n) {
				nodes = append(nodes, &n)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortNodes(nodes, key, order)
	return nodes, nil
}

var _ Store = (*BoltStore)(nil)
