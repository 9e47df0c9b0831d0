package store

import (
	"testing"
	"time"

	"github.com/iweave/wnm/pkg/types"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore_MachineRoundTrip(t *testing.T) {
	s := newTestBoltStore(t)

	if _, err := s.GetMachine(); err != ErrMachineNotFound {
		t.Fatalf("GetMachine() before init error = %v, want ErrMachineNotFound", err)
	}

	want := &types.MachineConfig{NodeCap: 5, PortStart: 12, MetricsPortStart: 13}
	if err := s.PutMachine(want); err != nil {
		t.Fatalf("PutMachine() error = %v", err)
	}

	got, err := s.GetMachine()
	if err != nil {
		t.Fatalf("GetMachine() error = %v", err)
	}
	if got.NodeCap != want.NodeCap || got.PortStart != want.PortStart {
		t.Errorf("GetMachine() = %+v, want %+v", got, want)
	}
}

func TestBoltStore_UpdateMachine(t *testing.T) {
	s := newTestBoltStore(t)
	if err := s.PutMachine(&types.MachineConfig{NodeCap: 1}); err != nil {
		t.Fatalf("PutMachine() error = %v", err)
	}

	err := s.UpdateMachine(func(m *types.MachineConfig) error {
		m.NodeCap = 9
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateMachine() error = %v", err)
	}

	got, err := s.GetMachine()
	if err != nil {
		t.Fatalf("GetMachine() error = %v", err)
	}
	if got.NodeCap != 9 {
		t.Errorf("NodeCap = %d, want 9", got.NodeCap)
	}
}

func TestBoltStore_NodeCRUD(t *testing.T) {
	s := newTestBoltStore(t)

	n := &types.Node{ID: 3, Status: types.StatusRunning, Age: 100}
	if err := s.PutNode(n); err != nil {
		t.Fatalf("PutNode() error = %v", err)
	}

	got, err := s.GetNode(3)
	if err != nil {
		t.Fatalf("GetNode() error = %v", err)
	}
	if got.Status != types.StatusRunning {
		t.Errorf("Status = %v, want RUNNING", got.Status)
	}

	if err := s.UpdateNode(3, func(n *types.Node) error {
		n.Status = types.StatusStopped
		return nil
	}); err != nil {
		t.Fatalf("UpdateNode() error = %v", err)
	}
	got, _ = s.GetNode(3)
	if got.Status != types.StatusStopped {
		t.Errorf("Status after update = %v, want STOPPED", got.Status)
	}

	if err := s.DeleteNode(3); err != nil {
		t.Fatalf("DeleteNode() error = %v", err)
	}
	if _, err := s.GetNode(3); err != ErrNotFound {
		t.Errorf("GetNode() after delete error = %v, want ErrNotFound", err)
	}

	// Deleting an already-deleted node is idempotent, not an error.
	if err := s.DeleteNode(3); err != nil {
		t.Errorf("DeleteNode() on absent id error = %v, want nil", err)
	}
}

func TestBoltStore_NodesWhereOrdering(t *testing.T) {
	s := newTestBoltStore(t)

	nodes := []*types.Node{
		{ID: 1, Status: types.StatusRunning, Age: 300},
		{ID: 2, Status: types.StatusRunning, Age: 100},
		{ID: 3, Status: types.StatusStopped, Age: 200},
	}
	for _, n := range nodes {
		if err := s.PutNode(n); err != nil {
			t.Fatalf("PutNode(%d) error = %v", n.ID, err)
		}
	}

	running, err := s.NodesWhere(ByStatus(types.StatusRunning), SortByAge, Descending)
	if err != nil {
		t.Fatalf("NodesWhere() error = %v", err)
	}
	if len(running) != 2 || running[0].ID != 1 || running[1].ID != 2 {
		t.Errorf("NodesWhere(RUNNING, age desc) = %+v, want id order [1,2]", running)
	}

	oldest := Oldest(running)
	if oldest.ID != 2 {
		t.Errorf("Oldest() = id %d, want 2", oldest.ID)
	}
}

func TestBoltStore_TransitionalBefore(t *testing.T) {
	s := newTestBoltStore(t)
	now := time.Now()

	if err := s.PutNode(&types.Node{ID: 1, Status: types.StatusUpgrading, Timestamp: now.Add(-time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutNode(&types.Node{ID: 2, Status: types.StatusUpgrading, Timestamp: now}); err != nil {
		t.Fatal(err)
	}

	expired, err := s.NodesWhere(TransitionalBefore(types.StatusUpgrading, now.Add(-time.Minute)), SortByID, Ascending)
	if err != nil {
		t.Fatalf("NodesWhere() error = %v", err)
	}
	if len(expired) != 1 || expired[0].ID != 1 {
		t.Errorf("expired = %+v, want just id 1", expired)
	}
}
