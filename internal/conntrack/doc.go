// Package conntrack provides the live-flow registry consumed by the NAT
// engine: flow liveness queries, destroy event subscriptions with shared
// ownership, and two backends.
//
// Tracker is an in-memory registry that also commits translations for the
// userspace dataplane. On Linux a Netlink backend mirrors the kernel
// connection tracking table by polling it.
package conntrack
