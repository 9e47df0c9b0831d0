package store

import (
	"github.com/iweave/wnm/pkg/types"
)

// MemoryStore is an in-memory Store implementation used by Decision-engine
// and Executor tests so they run without touching the filesystem.
type MemoryStore struct {
	machine *types.MachineConfig
	nodes   map[int]*types.Node
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nodes: make(map[int]*types.Node)}
}

func (s *MemoryStore) GetMachine() (*types.MachineConfig, error) {
	if s.machine == nil {
		return nil, ErrMachineNotFound
	}
	cp := *s.machine
	return &cp, nil
}

func (s *MemoryStore) PutMachine(m *types.MachineConfig) error {
	cp := *m
	s.machine = &cp
	return nil
}

func (s *MemoryStore) UpdateMachine(fn func(*types.MachineConfig) error) error {
	if s.machine == nil {
		return ErrMachineNotFound
	}
	if err := fn(s.machine); err != nil {
		return err
	}
	return nil
}

func (s *MemoryStore) GetNode(id int) (*types.Node, error) {
	n, ok := s.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *MemoryStore) PutNode(n *types.Node) error {
	cp := *n
	s.nodes[n.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateNode(id int, fn func(*types.Node) error) error {
	n, ok := s.nodes[id]
	if !ok {
		return ErrNotFound
	}
	return fn(n)
}

func (s *MemoryStore) DeleteNode(id int) error {
	delete(s.nodes, id)
	return nil
}

func (s *MemoryStore) NodesWhere(filter NodeFilter, key SortKey, order Order) ([]*types.Node, error) {
	var nodes []*types.Node
	for _, n := range s.nodes {
		if filter == nil || filter(n) {
			cp := *n
			nodes = append(nodes, &cp)
		}
	}
	sortNodes(nodes, key, order)
	return nodes, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
