package engine

import (
	"fmt"

	"github.com/postalsys/conenat/internal/conntrack"
	"github.com/postalsys/conenat/internal/mapping"
)

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Running        bool   `json:"running"`
	Backend        string `json:"backend"`
	Rules          int    `json:"rules"`
	Subscribed     bool   `json:"subscribed"`
	Mappings       int    `json:"mappings"`
	Flows          int    `json:"flows"`
	PendingDestroy int    `json:"pending_destroy"`
	TrackedFlows   int    `json:"tracked_flows"`
}

// RuleInfo describes a configured rule for reporting.
type RuleInfo struct {
	Name       string `json:"name"`
	IfIndex    int    `json:"ifindex"`
	Ports      string `json:"ports"`
	Flags      string `json:"flags"`
	StaticAddr string `json:"static_address,omitempty"`
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Running:        e.IsRunning(),
		Backend:        e.backendName,
		Rules:          len(e.coords),
		Subscribed:     e.hub.Refs() > 0,
		Mappings:       e.table.Len(),
		Flows:          e.table.FlowCount(),
		PendingDestroy: e.collector.Pending(),
	}
	if l, ok := e.backend.(interface{ Len() int }); ok {
		s.TrackedFlows = l.Len()
	}
	return s
}

// Mappings returns a snapshot of the mapping table.
func (e *Engine) Mappings() []mapping.Info {
	return e.table.Snapshot()
}

// Rules returns the configured rules in configuration order.
func (e *Engine) Rules() []RuleInfo {
	out := make([]RuleInfo, 0, len(e.cfg.Rules))
	for _, r := range e.cfg.Rules {
		lo, hi := r.Spec.Range.Bounds()
		info := RuleInfo{
			Name:    r.Name,
			IfIndex: r.IfIndex,
			Ports:   fmt.Sprintf("%d-%d", lo, hi),
			Flags:   r.Spec.Range.Flags.String(),
		}
		if r.Spec.StaticAddr.IsValid() {
			info.StaticAddr = r.Spec.StaticAddr.String()
		}
		out = append(out, info)
	}
	return out
}

// Table exposes the mapping table for tests and tooling.
func (e *Engine) Table() *mapping.Table {
	return e.table
}

// Tracker returns the in-memory backend, or nil when another backend is
// in use.
func (e *Engine) Tracker() *conntrack.Tracker {
	return e.tracker
}

// Drain runs a synchronous drain of queued destroy events.
func (e *Engine) Drain() int {
	return e.collector.Drain()
}
