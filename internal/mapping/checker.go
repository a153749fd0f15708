package mapping

import (
	"github.com/postalsys/conenat/internal/logging"
	"github.com/postalsys/conenat/internal/tuple"
)

// FlowRegistry answers liveness queries for tracked flows.
type FlowRegistry interface {
	// FlowExists reports whether a confirmed flow with the given original
	// direction tuple is currently tracked.
	FlowExists(original tuple.Tuple) bool
}

// Check reconciles m against the registry and reports whether it may still
// be used. Flow records the registry no longer knows are dropped: destroy
// events are not delivered for flows that never got confirmed, so this is the
// only place those records are released. A mapping left without flows is
// removed and Check returns false; m must not be used after that.
func (tx *Txn) Check(m *Mapping, reg FlowRegistry) bool {
	if m == nil || !m.sane() || !tx.owns(m) {
		return false
	}

	pruned := tx.pruneFlows(m, reg.FlowExists)
	if pruned > 0 {
		tx.t.logger.Debug("pruned dead flows",
			logging.KeyExtPort, m.port,
			logging.KeyCount, pruned,
			"remaining", len(m.flows))
	}

	if len(m.flows) == 0 {
		tx.Remove(m, ReasonIdle)
		return false
	}
	return true
}
