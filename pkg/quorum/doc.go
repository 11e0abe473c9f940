/*
Package quorum implements the quorum calculator (spec.md §4.4, C4): the
OpenVMS-style q1/q2 formula, the two_node override, the allow_decrease
clamp, and quorum-device liveness polling.

Calculator keeps only the previously computed quorum and quorate flag
between calls; callers feed it a *types.ClusterView snapshot on every
event that could move quorum (membership change, votes/expected_votes
change, device state change, or a RECONFIGURE command), and Recompute
writes the recomputed quorum and quorate flag into that view and returns
whether an edge transition (quorate → inquorate or back) just occurred.
*/
package quorum
