// Package cache is the shared cache plane: a per-node in-process tier in
// front of Valkey, kept coherent across nodes by pub/sub invalidation.
package cache

import "strconv"

// Qualified keys are "entity:<id>:<namespace>:<key>" for tenant-scoped
// entries and "global:<namespace>:<key>" for shared ones. Namespace flushes
// operate on the prefix up to and including the namespace segment.

// QualifyKey builds the fully qualified cache key. An entityID of zero means
// the entry is global.
func QualifyKey(entityID int64, namespace, key string) string {
	return NamespacePrefix(entityID, namespace) + key
}

// NamespacePrefix returns the key prefix covering every entry in the given
// namespace for the given entity scope.
func NamespacePrefix(entityID int64, namespace string) string {
	if entityID == 0 {
		return "global:" + namespace + ":"
	}
	return "entity:" + strconv.FormatInt(entityID, 10) + ":" + namespace + ":"
}
