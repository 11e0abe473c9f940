/*
Package metrics defines and registers the Prometheus metrics exposed by
cman: membership counts, quorum state, transport (C1) indices, transition
(C5) outcomes, port demultiplexer (C3) activity, barrier (C6) completions,
and client API (C7) command latency.

All metrics register at package init against the default Prometheus
registry. Handler returns the scrape HTTP handler; Collector polls the
running components on an interval and updates the gauges.

	// view is any value with a ClusterView() *types.ClusterView method.
	coll := metrics.NewCollector(view, transport, barrierSvc, demux)
	coll.Start()
	http.Handle("/metrics", metrics.Handler())
*/
package metrics
