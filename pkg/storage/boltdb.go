package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/cman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketNodes       = []byte("nodes")
	bucketClusterView = []byte("cluster_view")
	bucketBarriers    = []byte("barriers")

	clusterViewKey = []byte("current")
)

// BoltStore implements Store using an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the warm-cache database under
// dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "cman.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketNodes, bucketClusterView, bucketBarriers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func nodeKey(nodeID int32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], uint32(nodeID))
	return k[:]
}

// SaveNode upserts a node snapshot.
func (s *BoltStore) SaveNode(node *types.Node) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(node)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNodes).Put(nodeKey(node.NodeID), data)
	})
}

// GetNode looks up a node by id.
func (s *BoltStore) GetNode(nodeID int32) (*types.Node, error) {
	var node types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNodes).Get(nodeKey(nodeID))
		if data == nil {
			return fmt.Errorf("node not found: %d", nodeID)
		}
		return json.Unmarshal(data, &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// ListNodes returns every cached node.
func (s *BoltStore) ListNodes() ([]*types.Node, error) {
	var nodes []*types.Node
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).ForEach(func(_, v []byte) error {
			var node types.Node
			if err := json.Unmarshal(v, &node); err != nil {
				return err
			}
			nodes = append(nodes, &node)
			return nil
		})
	})
	return nodes, err
}

// DeleteNode removes a cached node. Idempotent.
func (s *BoltStore) DeleteNode(nodeID int32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNodes).Delete(nodeKey(nodeID))
	})
}

// SaveClusterView overwrites the single cached view.
func (s *BoltStore) SaveClusterView(view *types.ClusterView) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(view)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketClusterView).Put(clusterViewKey, data)
	})
}

// GetClusterView returns the last cached view.
func (s *BoltStore) GetClusterView() (*types.ClusterView, error) {
	var view types.ClusterView
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusterView).Get(clusterViewKey)
		if data == nil {
			return fmt.Errorf("no cached cluster view")
		}
		return json.Unmarshal(data, &view)
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// SaveBarrier upserts a barrier snapshot, keyed by name.
func (s *BoltStore) SaveBarrier(b *types.Barrier) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBarriers).Put([]byte(b.Name), data)
	})
}

// GetBarrier looks up a barrier by name.
func (s *BoltStore) GetBarrier(name string) (*types.Barrier, error) {
	var b types.Barrier
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBarriers).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("barrier not found: %s", name)
		}
		return json.Unmarshal(data, &b)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListBarriers returns every cached barrier.
func (s *BoltStore) ListBarriers() ([]*types.Barrier, error) {
	var barriers []*types.Barrier
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBarriers).ForEach(func(_, v []byte) error {
			var b types.Barrier
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			barriers = append(barriers, &b)
			return nil
		})
	})
	return barriers, err
}

// DeleteBarrier removes a cached barrier. Idempotent.
func (s *BoltStore) DeleteBarrier(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBarriers).Delete([]byte(name))
	})
}
