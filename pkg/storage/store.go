package storage

import (
	"github.com/cuemby/cman/pkg/types"
)

// Store persists the local node's warm-cache snapshot of membership and
// barrier state, so a restarted daemon can report its last known view
// before the transport layer (C1) re-establishes configuration. It is not
// the source of truth: the transport's replicated log and the in-memory
// registry are authoritative, and cmd/cmand overwrites this cache on each
// periodic snapshot and once more at shutdown.
type Store interface {
	// Nodes
	SaveNode(node *types.Node) error
	GetNode(nodeID int32) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	DeleteNode(nodeID int32) error

	// ClusterView is a single snapshot of the last delivered configuration.
	SaveClusterView(view *types.ClusterView) error
	GetClusterView() (*types.ClusterView, error)

	// Barriers
	SaveBarrier(b *types.Barrier) error
	GetBarrier(name string) (*types.Barrier, error)
	ListBarriers() ([]*types.Barrier, error)
	DeleteBarrier(name string) error

	Close() error
}
