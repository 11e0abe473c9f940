/*
Package health provides the Checker interface and HTTP/TCP/Exec
implementations used to probe liveness.

cman uses only the TCP checker: pkg/quorum polls the optional quorum
device (spec.md §9's quorumdev_poll) with it on a fixed cadence, driving
the device pseudo-node's DEAD/MEMBER transitions. The HTTP and Exec
checkers are kept for operators who wire a custom external health probe
into the same Checker interface.

	checker := health.NewTCPChecker("10.0.0.5:5405").WithTimeout(2 * time.Second)
	result := checker.Check(ctx)
*/
package health
