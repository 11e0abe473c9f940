/*
Package security wraps the cluster's shared symmetric key (spec.md §6/C8)
for storage at rest, using AES-256-GCM the same way the teacher's secrets
manager protects application secrets.

cman has a single piece of cryptographic material: one shared key that
every node loads from a key file or derives from the cluster name
(config.Config.ClusterKey). No package in this tree uses that key to
authenticate join requests, transport traffic, or config file contents.
KeyManager exists only to keep that key off disk in plaintext; it is not
a general secrets store.

	km, _ := security.NewKeyManagerFromPassphrase(operatorPassphrase)
	wrapped, _ := km.WrapClusterKey(clusterKey)
	// ... persist wrapped bytes via pkg/storage or a key file ...
	clusterKey, _ = km.UnwrapClusterKey(wrapped)
*/
package security
