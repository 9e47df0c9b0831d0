package decision

import (
	"context"
	"testing"
	"time"

	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

func baseMachine() *types.MachineConfig {
	return &types.MachineConfig{
		NodeCap:                 5,
		CPULessThan:             70,
		CPURemove:               90,
		MemLessThan:             70,
		MemRemove:               90,
		HDLessThan:              70,
		HDRemove:                90,
		DesiredLoadAverage:      2,
		MaxLoadAverageAllowed:   8,
		DelayRemove:             300,
		MaxConcurrentUpgrades:   1,
		MaxConcurrentStarts:     1,
		MaxConcurrentRemovals:   1,
		MaxConcurrentOperations: 10,
	}
}

func baseMetrics() *types.Metrics {
	return &types.Metrics{
		AntnodeVersion:   "0.3.0",
		QueenNodeVersion: "0.3.0",
		UsedCPUPercent:   10,
		UsedMemPercent:   10,
		UsedHDPercent:    10,
		LoadAverage1:     0.1,
		LoadAverage5:     0.1,
		LoadAverage15:    0.1,
	}
}

func TestDecide_RebootTakesPriority(t *testing.T) {
	s := store.NewMemoryStore()
	m := baseMachine()
	m.LastStoppedAt = 100
	metrics := baseMetrics()
	metrics.SystemStart = 200

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionResurveyNodes {
		t.Fatalf("actions = %+v, want single RESURVEY_NODES", actions)
	}
}

func TestDecide_DeadNodesBeforeAnythingElse(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusDead, Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusDead, Age: 20})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.DeadNodes = 2
	metrics.NodesToUpgrade = 3 // would otherwise trigger upgrade path

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %+v, want 2 REMOVE_NODE actions", actions)
	}
	for _, a := range actions {
		if a.Kind != types.ActionRemoveNode || a.Reason != "dead" {
			t.Errorf("action = %+v, want REMOVE_NODE/dead", a)
		}
	}
}

func TestDecide_TransitionalWaitBeforeRemoveOrUpgrade(t *testing.T) {
	s := store.NewMemoryStore()
	m := baseMachine()
	metrics := baseMetrics()
	metrics.RestartingNodes = 1
	metrics.UsedCPUPercent = 95 // would otherwise be remove pressure

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionSurveyNodes || actions[0].Reason != "waiting for restart delay" {
		t.Fatalf("actions = %+v, want idle waiting-for-restart", actions)
	}
}

func TestDecide_DowngradeGuard(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Version: "0.2.0", Age: 50})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.AntnodeVersion = "0.2.0"
	metrics.QueenNodeVersion = "0.3.0" // binary on PATH is older than the queen node
	metrics.NodesToUpgrade = 1
	metrics.TotalNodes = 1
	metrics.RunningNodes = 1

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	for _, a := range actions {
		if a.Kind == types.ActionUpgradeNode {
			t.Fatalf("actions = %+v, want no UPGRADE_NODE when antnode_version < queen_node_version", actions)
		}
	}
}

func TestDecide_RemovePressurePrefersStoppedVictim(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusStopped, Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusStopped, Age: 50})
	s.PutNode(&types.Node{ID: 3, Status: types.StatusRunning, Age: 999})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.UsedHDPercent = 95 // removeHD
	metrics.TotalNodes = 3
	metrics.RunningNodes = 1
	metrics.StoppedNodes = 2

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionRemoveNode || actions[0].TargetID == nil || *actions[0].TargetID != 2 {
		t.Fatalf("actions = %+v, want REMOVE_NODE target 2 (youngest stopped)", actions)
	}
}

func TestDecide_SoftPressureStopsInsteadOfRemoving(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning, Age: 500})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.UsedCPUPercent = 95 // removeCPU, not removeHD, node cap respected
	metrics.TotalNodes = 2
	metrics.RunningNodes = 2

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionStopNode || *actions[0].TargetID != 2 {
		t.Fatalf("actions = %+v, want STOP_NODE target 2 (youngest running)", actions)
	}
}

func TestDecide_SoftPressureCooldownAfterRecentStop(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Age: 10})
	m := baseMachine()
	m.LastStoppedAt = time.Now().Unix() // just stopped something
	metrics := baseMetrics()
	metrics.UsedCPUPercent = 95
	metrics.TotalNodes = 1
	metrics.RunningNodes = 1

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionSurveyNodes || actions[0].Reason != "waiting to stop" {
		t.Fatalf("actions = %+v, want idle waiting-to-stop", actions)
	}
}

func TestDecide_UpgradeOldestMismatchedRunning(t *testing.T) {
	s := store.NewMemoryStore()
	// Age is the node's secret-key mtime (a real Unix timestamp): the
	// smaller value is the earlier calendar time, i.e. the older node.
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Version: "0.2.0", Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning, Version: "0.2.0", Age: 500})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.AntnodeVersion = "0.3.0"
	metrics.QueenNodeVersion = "0.2.0"
	metrics.NodesToUpgrade = 2
	metrics.TotalNodes = 2
	metrics.RunningNodes = 2

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionUpgradeNode || *actions[0].TargetID != 1 {
		t.Fatalf("actions = %+v, want UPGRADE_NODE target 1 (oldest)", actions)
	}
}

func TestDecide_UpgradeRespectsMaxConcurrent(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Version: "0.2.0", Age: 500})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning, Version: "0.2.0", Age: 300})
	s.PutNode(&types.Node{ID: 3, Status: types.StatusRunning, Version: "0.2.0", Age: 10})
	m := baseMachine()
	m.MaxConcurrentUpgrades = 2
	metrics := baseMetrics()
	metrics.AntnodeVersion = "0.3.0"
	metrics.QueenNodeVersion = "0.2.0"
	metrics.NodesToUpgrade = 3
	metrics.TotalNodes = 3
	metrics.RunningNodes = 3

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %+v, want exactly 2 UPGRADE_NODE (max_concurrent_upgrades)", actions)
	}
}

func TestDecide_AddNewNodeBelowCap(t *testing.T) {
	s := store.NewMemoryStore()
	m := baseMachine()
	metrics := baseMetrics()
	metrics.TotalNodes = 1
	metrics.RunningNodes = 1

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionAddNode {
		t.Fatalf("actions = %+v, want ADD_NODE", actions)
	}
}

func TestDecide_AddNewPrefersReactivatingStoppedNode(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusStopped, Version: "0.3.0", Age: 10})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.TotalNodes = 1
	metrics.RunningNodes = 0
	metrics.StoppedNodes = 1

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionStartNode || *actions[0].TargetID != 1 {
		t.Fatalf("actions = %+v, want START_NODE target 1", actions)
	}
}

func TestDecide_AddNewUpgradesStaleStoppedNodeInstead(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusStopped, Version: "0.1.0", Age: 10})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.AntnodeVersion = "0.3.0"
	metrics.TotalNodes = 1
	metrics.StoppedNodes = 1

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionUpgradeNode {
		t.Fatalf("actions = %+v, want UPGRADE_NODE (stopped node out of date)", actions)
	}
}

func TestDecide_IdleWhenNothingToDo(t *testing.T) {
	s := store.NewMemoryStore()
	m := baseMachine()
	m.NodeCap = 0 // no capacity, nothing admissible
	metrics := baseMetrics()

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Kind != types.ActionSurveyNodes || actions[0].Reason != "idle" {
		t.Fatalf("actions = %+v, want idle", actions)
	}
}

func TestDecide_GlobalCapacityCapOverridesRemoval(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusDead, Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusDead, Age: 20})
	m := baseMachine()
	m.MaxConcurrentOperations = 1
	metrics := baseMetrics()
	metrics.DeadNodes = 2
	metrics.UpgradingNodes = 1 // already at the cap

	actions, err := Decide(context.Background(), s, m, metrics, time.Now(), nil)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(actions) != 1 || actions[0].Reason != "at global capacity" {
		t.Fatalf("actions = %+v, want single idle at-global-capacity", actions)
	}
}

func TestDecide_MissingVersionFixupRunsInline(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Binary: "/opt/antnode/antnode-1/antnode", Age: 10})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning, Binary: "/opt/antnode/antnode-2/antnode", Age: 20})
	m := baseMachine()
	metrics := baseMetrics()
	metrics.NodesNoVersion = 2
	metrics.TotalNodes = 2
	metrics.RunningNodes = 2

	probed := map[string]int{}
	probe := func(_ context.Context, binary string) (string, error) {
		probed[binary]++
		return "0.3.0", nil
	}

	if _, err := Decide(context.Background(), s, m, metrics, time.Now(), probe); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if len(probed) != 2 {
		t.Fatalf("probed = %+v, want both binaries probed", probed)
	}
	n1, _ := s.GetNode(1)
	if n1.Version != "0.3.0" {
		t.Errorf("node 1 version = %q, want updated to 0.3.0", n1.Version)
	}
}
