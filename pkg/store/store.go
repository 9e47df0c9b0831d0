// Package store persists the Machine singleton and the Node table. It is
// the only component that owns persistence; the ProcessManager backends
// own on-host artifacts, and the two are never conflated (see the
// Ownership note in the data model).
package store

import (
	"errors"
	"sort"
	"time"

	"github.com/iweave/wnm/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("store: not found")

// ErrMachineNotFound is returned by GetMachine before the singleton row
// has ever been written (first run, no --init flag yet applied).
var ErrMachineNotFound = errors.New("store: machine record not found")

// Order controls whether NodesWhere returns ascending or descending order
// by the given sort key.
type Order int

const (
	Ascending Order = iota
	Descending
)

// SortKey is the set of orderings the Decision engine needs: "youngest"
// and "oldest" both sort by age, falling back to id on ties, per the
// tie-break rule in the Decision engine's invariants.
type SortKey int

const (
	SortByAge SortKey = iota
	SortByID
)

// NodeFilter selects a subset of Node rows. A nil filter matches every row.
type NodeFilter func(*types.Node) bool

// Store is the persistence contract the rest of wnm depends on. Every
// logical operation commits before the next begins; a reconciliation run is
// not a single transaction, since the side effects on the host (via the
// ProcessManager) are the actual truth of record.
type Store interface {
	// GetMachine returns the singleton Machine row, or ErrMachineNotFound.
	GetMachine() (*types.MachineConfig, error)
	// PutMachine writes the singleton Machine row (insert or full
	// replace).
	PutMachine(*types.MachineConfig) error
	// UpdateMachine applies fn to the current Machine row and persists
	// the result; it is the only primitive partial updates go through, so
	// every mutation of Machine funnels through one commit.
	UpdateMachine(fn func(*types.MachineConfig) error) error

	// GetNode returns one Node row by id, or ErrNotFound.
	GetNode(id int) (*types.Node, error)
	// PutNode inserts or fully replaces one Node row (upsert).
	PutNode(*types.Node) error
	// UpdateNode applies fn to the current row for id and persists the
	// result.
	UpdateNode(id int, fn func(*types.Node) error) error
	// DeleteNode removes a Node row. Deleting an absent id is not an
	// error (idempotent, matching the ProcessManager idempotence
	// requirement).
	DeleteNode(id int) error
	// NodesWhere returns every Node row matching filter (nil matches
	// all), ordered by key/order. This is the primitive the Decision
	// engine's "youngest STOPPED", "oldest RUNNING with version != X"
	// queries are built from.
	NodesWhere(filter NodeFilter, key SortKey, order Order) ([]*types.Node, error)

	Close() error
}

// sortNodes orders a slice in place per the tie-break rule: age is the
// primary key, in the requested direction, and the lower id wins ties in
// both directions. SortByID orders by id in the requested direction.
func sortNodes(nodes []*types.Node, key SortKey, order Order) {
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		switch key {
		case SortByAge:
			if a.Age != b.Age {
				if order == Descending {
					return a.Age > b.Age
				}
				return a.Age < b.Age
			}
			return a.ID < b.ID
		default: // SortByID
			if order == Descending {
				return a.ID > b.ID
			}
			return a.ID < b.ID
		}
	})
}

// ageAsc is a convenience predicate mirroring the "oldest" vocabulary;
// victim selection for removal pressure sorts by SortByAge/Descending
// directly through NodesWhere instead, since it always needs a filtered,
// Store-backed query rather than an in-memory slice.
func ageAsc(nodes []*types.Node) []*types.Node {
	out := append([]*types.Node(nil), nodes...)
	sortNodes(out, SortByAge, Ascending)
	return out
}

// Oldest returns the first node in age-ascending order.
func Oldest(nodes []*types.Node) *types.Node {
	if len(nodes) == 0 {
		return nil
	}
	return ageAsc(nodes)[0]
}

// byStatus is a NodeFilter constructor used throughout the Decision
// engine and Updater.
func byStatus(status types.NodeStatus) NodeFilter {
	return func(n *types.Node) bool { return n.Status == status }
}

// ByStatus exposes byStatus for callers outside this package.
func ByStatus(status types.NodeStatus) NodeFilter { return byStatus(status) }

// TransitionalBefore matches rows in the given status whose timestamp is
// older than the cutoff, the predicate the Delay/Counter Updater uses to
// find expired transitional rows.
func TransitionalBefore(status types.NodeStatus, cutoff time.Time) NodeFilter {
	return func(n *types.Node) bool {
		return n.Status == status && n.Timestamp.Before(cutoff)
	}
}
