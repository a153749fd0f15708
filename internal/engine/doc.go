// Package engine wires the mapping table, port allocator, dying-flow
// collector and one translation coordinator per rule into a single NAT
// engine with a start/stop lifecycle.
//
// With the in-memory conntrack backend the engine also acts as a userspace
// dataplane: Process decodes a raw IPv4 packet, translates it and returns
// the rewritten bytes.
package engine
