/*
Package transport adapts hashicorp/raft into the virtual-synchrony group
transport C3/C5/C6 are written against (spec.md §4.1): an ordered
multicast primitive plus deliver/conf_change callbacks, rather than
raft's native leader-log API.

# Mapping

The teacher (pkg/manager) drives raft directly for a replicated key-value
log; here raft's replicated log IS the virtual-synchrony total-order
broadcast. The mapping:

  - Multicast(payload, AGREED) submits payload as a raft log entry via
    Raft.Apply and returns once it is committed to the local FSM, without
    waiting on the ApplyFuture's response channel beyond that.
  - Multicast(payload, SAFE) additionally waits for the ApplyFuture's
    Index to be visible in the local node's AppliedIndex before
    returning. Other peers' applied indices are not observed, so SAFE
    does not wait for any other member to have buffered the entry.
  - Deliver fires from FSM.Apply, once per committed entry, in raft log
    order — which satisfies both the FIFO-per-sender and identical-total-
    order guarantees the contract requires.
  - ConfChange fires from a raft.Observer on leader/configuration
    observations; ring_id is raft's applied index at the moment the
    change is observed.

ConfChangeType has no ejected variant: losing raft cluster membership
(this node removed as a voter, or irrecoverable transport error) gets
no notification of its own. Every conf_change is reported as Regular,
with removed ids listed in Left.
*/
package transport
