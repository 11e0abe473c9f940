/*
Package storage is a BoltDB-backed warm cache for the local node's last
known membership and barrier state.

It is deliberately thin: the transport layer's replicated log is the
source of truth for cluster history, and the in-memory registry (pkg/registry)
is the source of truth for the live view. cmd/cmand saves every node and
the current cluster view periodically and at shutdown, and on restart
pre-fills its registry from the saved nodes while the transport catches
back up. The saved cluster view is not read back at startup, and no
barrier state is saved.

	store, err := storage.NewBoltStore(dataDir)
	...
	defer store.Close()
	store.SaveClusterView(view)
*/
package storage
