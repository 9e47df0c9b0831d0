package supervisor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	wnmerrors "github.com/iweave/wnm/pkg/errors"
	"github.com/iweave/wnm/pkg/processmanager"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// stubPM is a no-op ProcessManager used only to satisfy Options.ManagerFor
// in Run-level tests that never expect a real backend call.
type stubPM struct {
	surveyErr error
}

func (stubPM) Create(ctx context.Context, n *types.Node, binaryPath string) error { return nil }
func (stubPM) Start(ctx context.Context, n *types.Node) error                    { return nil }
func (stubPM) Stop(ctx context.Context, n *types.Node) error                     { return nil }
func (stubPM) Restart(ctx context.Context, n *types.Node) error                  { return nil }
func (stubPM) Remove(ctx context.Context, n *types.Node) error                   { return nil }
func (stubPM) Status(ctx context.Context, n *types.Node) (processmanager.NodeProcess, error) {
	return processmanager.NodeProcess{}, nil
}
func (s stubPM) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	if s.surveyErr != nil {
		return nil, s.surveyErr
	}
	return nil, processmanager.ErrNotSupported
}
func (stubPM) EnableFirewallPort(ctx context.Context, port int, proto string) error  { return nil }
func (stubPM) DisableFirewallPort(ctx context.Context, port int, proto string) error { return nil }

func testSupervisor(s store.Store) *Supervisor {
	return &Supervisor{store: s, logger: zerolog.Nop()}
}

func TestRun_WrapsLockContentionAsFatal(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "wnm_active")
	if err := acquireLock(lockPath, time.Now()); err != nil {
		t.Fatalf("seeding held lock: %v", err)
	}
	defer releaseLock(lockPath, zerolog.Nop())

	sv := testSupervisor(store.NewMemoryStore())
	_, err := sv.Run(context.Background(), Options{LockPath: lockPath})
	if !wnmerrors.IsFatal(err) {
		t.Fatalf("Run() error = %v, want a FatalError wrapping lock contention", err)
	}
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run() error does not unwrap to ErrAlreadyRunning: %v", err)
	}
}

func TestAcquireLock_FailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wnm_active")
	now := time.Now()

	if err := acquireLock(path, now); err != nil {
		t.Fatalf("first acquireLock() error = %v", err)
	}
	if err := acquireLock(path, now); err != ErrAlreadyRunning {
		t.Fatalf("second acquireLock() error = %v, want ErrAlreadyRunning", err)
	}
	releaseLock(path, zerolog.Nop())
	if err := acquireLock(path, now); err != nil {
		t.Fatalf("acquireLock() after release error = %v", err)
	}
}

func TestReleaseLock_MissingFileIsNotAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-created")
	releaseLock(path, zerolog.Nop())
}

func TestLoadMachine_RequiresInitOnFirstRun(t *testing.T) {
	sv := testSupervisor(store.NewMemoryStore())
	if _, err := sv.loadMachine(Options{Init: false}); err != ErrNotInitialized {
		t.Fatalf("loadMachine() error = %v, want ErrNotInitialized", err)
	}
}

func TestLoadMachine_InitCreatesRow(t *testing.T) {
	s := store.NewMemoryStore()
	sv := testSupervisor(s)
	nodeCap := 5

	m, err := sv.loadMachine(Options{Init: true, Overrides: &Overrides{NodeCap: &nodeCap}})
	if err != nil {
		t.Fatalf("loadMachine() error = %v", err)
	}
	if m.NodeCap != 5 {
		t.Errorf("NodeCap = %d, want 5", m.NodeCap)
	}
	if _, err := s.GetMachine(); err != nil {
		t.Errorf("GetMachine() error = %v, want the row to be persisted", err)
	}
}

func TestLoadMachine_RejectsDoubleInit(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{NodeCap: 3})
	sv := testSupervisor(s)

	if _, err := sv.loadMachine(Options{Init: true}); err != ErrAlreadyInitialized {
		t.Fatalf("loadMachine() error = %v, want ErrAlreadyInitialized", err)
	}
}

func TestLoadMachine_AppliesOverridesToExistingMachine(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{NodeCap: 3})
	sv := testSupervisor(s)
	nodeCap := 8

	m, err := sv.loadMachine(Options{Overrides: &Overrides{NodeCap: &nodeCap}})
	if err != nil {
		t.Fatalf("loadMachine() error = %v", err)
	}
	if m.NodeCap != 8 {
		t.Errorf("NodeCap = %d, want 8", m.NodeCap)
	}
	persisted, _ := s.GetMachine()
	if persisted.NodeCap != 8 {
		t.Errorf("persisted NodeCap = %d, want 8", persisted.NodeCap)
	}
}

func TestLoadMachine_RejectsPortChangeAfterInit(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{PortStart: 12})
	sv := testSupervisor(s)
	newPortStart := 20

	if _, err := sv.loadMachine(Options{Overrides: &Overrides{PortStart: &newPortStart}}); err != ErrPortChangeAfterInit {
		t.Fatalf("loadMachine() error = %v, want ErrPortChangeAfterInit", err)
	}
}

func TestLoadMachine_AllowsPortChangeOnFirstInit(t *testing.T) {
	s := store.NewMemoryStore()
	sv := testSupervisor(s)
	portStart := 20

	m, err := sv.loadMachine(Options{Init: true, Overrides: &Overrides{PortStart: &portStart}})
	if err != nil {
		t.Fatalf("loadMachine() error = %v, want the first init to accept a port override", err)
	}
	if m.PortStart != 20 {
		t.Errorf("PortStart = %d, want 20", m.PortStart)
	}
}

func TestTeardown_RequiresConfirm(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{})
	sv := testSupervisor(s)

	if err := sv.teardown(Options{}); !errors.Is(err, ErrTeardownNotConfirmed) {
		t.Fatalf("teardown() error = %v, want ErrTeardownNotConfirmed", err)
	}
}

func TestTeardown_DeletesNodesAndResetsHighestID(t *testing.T) {
	s := store.NewMemoryStore()
	seed := 7
	s.PutMachine(&types.MachineConfig{HighestNodeIDUsed: &seed})
	s.PutNode(&types.Node{ID: 1})
	s.PutNode(&types.Node{ID: 2})
	sv := testSupervisor(s)

	if err := sv.teardown(Options{Confirm: true}); err != nil {
		t.Fatalf("teardown() error = %v", err)
	}
	if _, err := s.GetNode(1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("node 1 still present after teardown")
	}
	if _, err := s.GetNode(2); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("node 2 still present after teardown")
	}
	m, _ := s.GetMachine()
	if m.HighestNodeIDUsed != nil {
		t.Errorf("HighestNodeIDUsed = %v, want nil after teardown", m.HighestNodeIDUsed)
	}
}

func TestTeardown_DryRunLeavesNodesInPlace(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{})
	s.PutNode(&types.Node{ID: 1})
	sv := testSupervisor(s)

	if err := sv.teardown(Options{Confirm: true, DryRun: true}); err != nil {
		t.Fatalf("teardown() error = %v", err)
	}
	if _, err := s.GetNode(1); err != nil {
		t.Errorf("GetNode(1) error = %v, want node preserved under dry run", err)
	}
}

func TestRun_TeardownWithoutConfirmIsFatal(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "wnm_active")
	s := store.NewMemoryStore()
	s.PutMachine(&types.MachineConfig{})
	sv := testSupervisor(s)

	_, err := sv.Run(context.Background(), Options{LockPath: lockPath, Teardown: true})
	if !wnmerrors.IsFatal(err) {
		t.Fatalf("Run() error = %v, want a FatalError", err)
	}
	if !errors.Is(err, ErrTeardownNotConfirmed) {
		t.Fatalf("Run() error does not unwrap to ErrTeardownNotConfirmed: %v", err)
	}
	if _, err := s.GetNode(1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unexpected node present after refused teardown")
	}
}

func TestAdoptLegacyFleet_SwallowsUnsupportedSurvey(t *testing.T) {
	s := store.NewMemoryStore()
	sv := testSupervisor(s)
	m := &types.MachineConfig{}
	pm := stubPM{}

	opts := Options{
		DefaultManagerType: "systemd",
		ManagerFor: func(string) (processmanager.ProcessManager, error) {
			return pm, nil
		},
	}
	if err := sv.adoptLegacyFleet(context.Background(), opts, m, time.Now()); err != nil {
		t.Fatalf("adoptLegacyFleet() error = %v, want ErrNotSupported to be swallowed", err)
	}
}

func TestAdoptLegacyFleet_PropagatesBackendError(t *testing.T) {
	s := store.NewMemoryStore()
	sv := testSupervisor(s)
	m := &types.MachineConfig{}
	pm := stubPM{surveyErr: errors.New("boom")}

	opts := Options{
		DefaultManagerType: "systemd",
		ManagerFor: func(string) (processmanager.ProcessManager, error) {
			return pm, nil
		},
	}
	if err := sv.adoptLegacyFleet(context.Background(), opts, m, time.Now()); err == nil {
		t.Fatal("adoptLegacyFleet() error = nil, want the backend's survey failure to propagate")
	}
}
