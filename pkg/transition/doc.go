/*
Package transition implements the transition state machine (spec.md
§4.5, C5): the local node's lifecycle states, the internal protocol's
message framing (target port 0), and the master-coordinated election
that runs whenever C1 reports a membership change.

Dispatcher is the internal-protocol entry point: it has the exact shape
of portmux.InternalHandler and routes each message's leading command
byte to the state machine, the node registry (PORTOPENED/PORTCLOSED),
the quorum calculator (RECONFIGURE), or the barrier service (BARRIER).

Simplification from the full cman protocol: STARTTRANS/STARTACK and
MASTERVIEW/VIEWACK's dissent voting are not reproduced bit-for-bit.
Because the underlying transport (pkg/transport, built on
hashicorp/raft) already imposes a single agreed-upon membership and log
order on every node, the secondary membership-agreement vote cman runs
over its own unordered totem transport is redundant here: the master
still runs the named phases (START, COLLECT, CONFIRM, COMPLETE) and
still publishes MASTERVIEW/ENDTRANS-equivalent TRANSITION messages and
waits on the generation barrier, but does not separately collect
STARTACK/VIEWACK replies before proceeding.

Two messages have no cmd number in spec.md's table because the table
covers only what cman's totem layer carries; this package adds concrete
wire forms for responsibilities the transport split out:

  - HELLO (cmd 11) is spec.md's prose-only heartbeat, given a wire form
    here since nothing else in the spec assigns it one.
  - JOINANNOUNCE (cmd 12) carries a joining node's name/votes/
    expected_votes/addresses. spec.md's JOINCONF is the master handing a
    joiner the packed cluster view; the reverse direction — the cluster
    learning the joiner's own identity — has no named message in the
    spec because cman's cluster.conf is pushed to every node out of
    band before it joins. This repository only gives a node its own
    node_id locally, so the joiner announces itself once raft's conf
    change confirms its membership, and every recipient (including
    the eventual master) learns its identity from that announcement
    rather than from an out-of-band config push.

JOINANNOUNCE only propagates outward, from the joiner to the cluster.
The reverse gap — a fresh joiner's registry has no entries for members
it hasn't yet heard a JOINANNOUNCE from — is closed by TRANSITION
itself: its Nodes field carries the sender's entire known view (the
spec's JOINCONF payload), so every TRANSITION a node receives fills in
whatever identities its own registry is still missing.
*/
package transition
