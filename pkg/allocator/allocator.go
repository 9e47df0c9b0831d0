// Package allocator assigns monotonic node ids and derives the
// deterministic data/metrics ports from them. IDs never decrease across
// runs and never fill gaps, because some ProcessManager backends do not
// free the corresponding port on removal.
package allocator

import (
	"fmt"

	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// Initialize seeds Machine.HighestNodeIDUsed the first time this tool runs
// against a host: the max existing Node.id, or 0 if the fleet is empty. A
// no-op if the field is already set.
func Initialize(s store.Store, m *types.MachineConfig) error {
	if m.HighestNodeIDUsed != nil {
		return nil
	}
	nodes, err := s.NodesWhere(nil, store.SortByID, store.Descending)
	if err != nil {
		return fmt.Errorf("listing nodes for id-tracker init: %w", err)
	}
	seed := 0
	if len(nodes) > 0 {
		seed = nodes[0].ID
	}
	m.HighestNodeIDUsed = &seed
	return nil
}

// Allocate returns the next node id and advances
// Machine.HighestNodeIDUsed in place. Callers must persist the mutated
// MachineConfig in the same Store update the new Node row is written in,
// so the two never drift apart.
func Allocate(m *types.MachineConfig) int {
	next := 1
	if m.HighestNodeIDUsed != nil {
		next = *m.HighestNodeIDUsed + 1
	}
	m.HighestNodeIDUsed = &next
	return next
}

// Port derives a node's data port from its id and the machine's port base.
func Port(m *types.MachineConfig, id int) int {
	return m.PortStart*1000 + id
}

// MetricsPort derives a node's metrics port from its id and the machine's
// metrics port base.
func MetricsPort(m *types.MachineConfig, id int) int {
	return m.MetricsPortStart*1000 + id
}
