// Package mapping implements the full cone NAT mapping table.
//
// A mapping binds one internal UDP endpoint (address, port) to one external
// port on one egress interface. Any external peer may reach the internal
// endpoint through the external port while the mapping exists.
//
// The table keeps every mapping in an arena keyed by ID and maintains two
// indices over it:
//   - by external port and interface index
//   - by internal endpoint
//
// Both indices and the arena are updated together under a single lock. Callers
// run compound lookup-then-mutate sequences inside Table.Do, which hands out a
// Txn valid only for the duration of the callback.
//
// Each mapping owns the list of flow tuples currently relying on it. The flow
// count is the length of that list; a mapping whose list becomes empty is
// removed by the operation that emptied it.
//
// # Thread Safety
//
// Table methods are safe for concurrent use. Txn and Mapping accessors that
// read mutable state (Count, Flows) must only be used inside Table.Do.
package mapping
