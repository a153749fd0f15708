// Package portalloc chooses external ports for new outbound flows.
//
// The allocator prefers keeping the internal source port (port
// preservation), then scans the configured range for a port without a valid
// mapping, and finally evicts the mapping at the scan start when every port
// is in use. It never reports failure.
package portalloc
