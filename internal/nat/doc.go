// Package nat makes the per-packet full-cone translation decisions.
//
// A Coordinator serves one translation rule. Outbound packets reuse the
// mapping of their internal endpoint or get a port from the allocator;
// inbound packets addressed to a mapped external port are forwarded to the
// internal endpoint no matter who sent them. All lookups, validity checks
// and mutations for one packet happen inside a single table transaction,
// including the commit of the translation itself.
package nat
