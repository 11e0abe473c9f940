package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/cman/pkg/types"
)

// Registry is the node registry described in spec.md §4.2.
type Registry struct {
	mu sync.RWMutex

	byID   map[int32]*types.Node
	byName map[string]*types.Node
	order  []int32 // ascending node_id, kept sorted

	tempByAddr map[string]int32 // address key -> negative temp id
	nextTempID int32
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byID:       make(map[int32]*types.Node),
		byName:     make(map[string]*types.Node),
		tempByAddr: make(map[string]int32),
		nextTempID: -1,
	}
}

func addrKey(addrs []types.Address) string {
	if len(addrs) == 0 {
		return ""
	}
	// address comparisons ignore the first two (family) bytes.
	a := addrs[0]
	if len(a) > 2 {
		return string(a[2:])
	}
	return string(a)
}

// AddOrUpdate creates a Node if no match exists by node_id or address,
// otherwise updates the mutable fields of the existing entry without
// changing its node_id. Returns the (possibly new) node.
//
// If an existing entry with the same id is in JOINING state and this call
// supplies a different name or address, the stale joiner is replaced —
// it was never accepted as a member (spec.md §4.2 invariant b).
func (r *Registry) AddOrUpdate(name string, nodeID int32, votes uint8, expectedVotes uint32, state types.NodeState, addresses []types.Address) (*types.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[nodeID]; ok {
		if existing.Name != name {
			if existing.State != types.NodeJoining {
				return nil, fmt.Errorf("node_id %d already registered to %q", nodeID, existing.Name)
			}
			// stale unaccepted joiner: replace in place.
			delete(r.byName, existing.Name)
			existing.Name = name
		}
		existing.Votes = votes
		existing.ExpectedVotes = expectedVotes
		existing.State = state
		existing.Addresses = addresses
		r.byName[name] = existing
		r.promoteTemp(addresses, nodeID)
		return existing, nil
	}

	if key := addrKey(addresses); key != "" {
		for _, id := range r.order {
			n := r.byID[id]
			if addrKey(n.Addresses) == key {
				n.Name = name
				n.Votes = votes
				n.ExpectedVotes = expectedVotes
				n.State = state
				return n, nil
			}
		}
	}

	node := &types.Node{
		NodeID:        nodeID,
		Name:          name,
		Addresses:     addresses,
		State:         state,
		Votes:         votes,
		ExpectedVotes: expectedVotes,
	}
	r.byID[nodeID] = node
	r.byName[name] = node
	r.insertOrdered(nodeID)
	r.promoteTemp(addresses, nodeID)
	return node, nil
}

func (r *Registry) insertOrdered(id int32) {
	idx := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= id })
	r.order = append(r.order, 0)
	copy(r.order[idx+1:], r.order[idx:])
	r.order[idx] = id
}

// promoteTemp drops any temporary-id mapping for addresses that now belong
// to a real registered node.
func (r *Registry) promoteTemp(addresses []types.Address, realID int32) {
	key := addrKey(addresses)
	if key == "" {
		return
	}
	delete(r.tempByAddr, key)
}

// FindByID looks up a node by its node_id.
func (r *Registry) FindByID(nodeID int32) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byID[nodeID]
	return n, ok
}

// FindByName looks up a node by name.
func (r *Registry) FindByName(name string) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.byName[name]
	return n, ok
}

// FindByAddress looks up a node whose first address matches addr, ignoring
// the two-byte address-family prefix.
func (r *Registry) FindByAddress(addr types.Address) (*types.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := addrKey([]types.Address{addr})
	for _, id := range r.order {
		n := r.byID[id]
		for _, a := range n.Addresses {
			if addrKey([]types.Address{a}) == key {
				return n, true
			}
		}
	}
	return nil, false
}

// MarkDead transitions a MEMBER node to DEAD, recording why.
func (r *Registry) MarkDead(nodeID int32, reason types.LeaveReason) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[nodeID]
	if !ok {
		return fmt.Errorf("node_id %d not found", nodeID)
	}
	n.State = types.NodeDead
	n.LeaveReason = reason
	return nil
}

// SetPort updates a node's port bitmap, used when delivering
// PORTOPENED/PORTCLOSED/PORTSTATUS (spec.md §4.5).
func (r *Registry) SetPort(nodeID int32, port uint8, on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[nodeID]
	if !ok {
		return fmt.Errorf("node_id %d not found", nodeID)
	}
	if on {
		n.Ports.Set(port)
	} else {
		n.Ports.Clear(port)
	}
	return nil
}

// NewTempNode assigns a process-local negative id to an address with no
// registered node, reusing the existing mapping if one is already
// assigned to that address.
func (r *Registry) NewTempNode(addr types.Address) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := addrKey([]types.Address{addr})
	if id, ok := r.tempByAddr[key]; ok {
		return id
	}
	id := r.nextTempID
	r.nextTempID--
	r.tempByAddr[key] = id
	return id
}

// ListOrdered returns every node in ascending node_id order. The returned
// slice is a snapshot; nodes themselves are shared pointers and must not
// be mutated by callers outside this package.
func (r *Registry) ListOrdered() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*types.Node, 0, len(r.order))
	for _, id := range r.order {
		nodes = append(nodes, r.byID[id])
	}
	return nodes
}

// Count returns the number of registered (non-temp) nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// MemberCount returns the number of nodes currently in MEMBER state.
func (r *Registry) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, id := range r.order {
		if r.byID[id].State == types.NodeMember {
			n++
		}
	}
	return n
}

// LowestMemberID returns the smallest node_id currently in MEMBER state,
// used by C5 to pick the tentative master on a membership change.
func (r *Registry) LowestMemberID() (int32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.byID[id].State == types.NodeMember {
			return id, true
		}
	}
	return 0, false
}
