/*
Package barrier implements the cluster-wide barrier service (spec.md
§4.6, C6): named rendezvous points that a client waits on and that
complete once every participating node has observed the wait and then
the complete phase, both totally ordered by C1.

A Service holds no durable state beyond the process lifetime; barrier
records live only as long as the local node does, matching the
teacher's in-memory coordination primitives.
*/
package barrier
