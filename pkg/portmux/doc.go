/*
Package portmux implements the port demultiplexer (spec.md §4.3, C3): the
16-byte wire header every cluster-sent payload carries, and the bind
table that routes delivered messages to either the internal protocol
dispatcher (target port 0) or a bound local client.

Demux.HandleDeliver has the exact signature of transport.DeliverFunc and
is meant to be wired directly as a Transport's Config.Deliver callback;
the header's own source-node field (filled by Send at the sending node,
not derived from the transport's raft identity) is what downstream
dispatch and C5/C6 logic key off of.
*/
package portmux
