/*
Package types defines the core data structures shared across the cluster
membership core: cluster nodes, the cluster view, per-node port bitmaps,
client API endpoint kinds, and barriers.

# Architecture

These are plain value types with almost no behavior beyond small pure
helpers (bitmap accessors, string formatting). The packages that own the
invariants over them — registry, quorum, transition, barrier, client —
live alongside this one and import it.

# Core Types

Membership:
  - Node: identity, addresses, votes, state, incarnation, port bitmap
  - NodeState: JOINING, MEMBER, DEAD, LEAVING, AISONLY
  - LeaveReason: NORESPONSE, DEAD, KILLED, REJECTED, INCONSISTENT, REMOVED, DOWN, PANIC
  - ClusterView: ordered members, generation, cluster_id, quorum, quorate, two_node
  - PortBitmap: one open/closed bit per port 0..255

Client API:
  - ClientKind: regular or admin

Barriers:
  - Barrier: name, expected count, attribute flags, phase, counters

# Thread Safety

Values in this package carry no locks of their own. Mutation is
synchronized by the owning package (registry.Registry, barrier.Service,
...); readers that don't hold that lock should treat a *Node or *Barrier
handed to them as a snapshot, not a live view.
*/
package types
