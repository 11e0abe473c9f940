/*
Package registry is the node registry (spec.md §4.2, C2): the ordered,
in-memory map of cluster members the local process currently believes in,
plus temporary-node bookkeeping for senders not yet accepted as members.

Nodes are kept in maps keyed by node_id and by name plus a parallel
sorted slice of ids, so FindByID/FindByName are map lookups while
ListOrdered stays O(n) with no sort-on-read; FindByAddress and
AddOrUpdate's address match scan the nodes linearly. All mutation goes
through a single mutex; callers that need a point-in-time list should
take ListOrdered, whose slice is a snapshot (the *types.Node values it
points to are still shared with the registry).
*/
package registry
