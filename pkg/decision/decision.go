// Package decision implements the Decision engine: a function of the
// current Machine configuration, the latest Metrics snapshot, and the
// Node rows in the Store, producing an ordered list of Actions for the
// executor to carry out. It performs no host I/O itself beyond the one
// inline metadata fix in step 3 (reading a node binary's reported
// version), and that fix is also its only Store write (recording the
// probed version on the node row).
package decision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/coreos/go-semver/semver"

	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// VersionProbe resolves a node binary's reported version string, used
// only for the step-3 missing-version fixup. Production callers pass
// antnode.BinaryVersion; tests pass a stub.
type VersionProbe func(ctx context.Context, binary string) (string, error)

// Decide runs the priority cascade and returns the ordered Action list
// for this run. now is injected so the engine stays deterministic under
// test; production callers pass time.Now().
func Decide(ctx context.Context, s store.Store, m *types.MachineConfig, metrics *types.Metrics, now time.Time, probe VersionProbe) ([]types.Action, error) {
	// Step 1: reboot takes precedence over everything else.
	if metrics.SystemStart > m.LastStoppedAt {
		return []types.Action{{
			Kind:   types.ActionResurveyNodes,
			Reason: "system rebooted since last run",
		}}, nil
	}

	// Step 2: dead nodes are removed before anything else is considered.
	if metrics.DeadNodes > 1 {
		dead, err := s.NodesWhere(store.ByStatus(types.StatusDead), store.SortByID, store.Ascending)
		if err != nil {
			return nil, fmt.Errorf("listing dead nodes: %w", err)
		}
		// Oldest timestamp first; the id order from NodesWhere breaks ties.
		sort.SliceStable(dead, func(i, j int) bool { return dead[i].Timestamp.Before(dead[j].Timestamp) })
		actions := make([]types.Action, 0, len(dead))
		for _, n := range dead {
			id := n.ID
			actions = append(actions, types.Action{Kind: types.ActionRemoveNode, Reason: "dead", TargetID: &id})
		}
		return clip(actions, m, metrics), nil
	}

	// Step 3: a node with no recorded version gets one probed from its
	// binary. This is a metadata fix, not an Action: it happens inline and
	// the cascade resumes at step 4 regardless of outcome.
	if metrics.NodesNoVersion > 1 && probe != nil {
		unversioned, err := s.NodesWhere(func(n *types.Node) bool { return n.Version == "" }, store.SortByID, store.Ascending)
		if err != nil {
			return nil, fmt.Errorf("listing unversioned nodes: %w", err)
		}
		for _, n := range unversioned {
			v, err := probe(ctx, n.Binary)
			if err != nil {
				continue
			}
			id := n.ID
			if uerr := s.UpdateNode(id, func(n *types.Node) error {
				n.Version = v
				return nil
			}); uerr != nil {
				continue
			}
		}
	}

	// Step 4: transitional states block everything while they age, since
	// metrics collected mid-restart or mid-upgrade are unreliable.
	if metrics.RestartingNodes > 0 {
		return []types.Action{idle("waiting for restart delay")}, nil
	}
	if metrics.UpgradingNodes > 0 {
		return []types.Action{idle("waiting for upgrade delay")}, nil
	}

	features := computeFeatures(m, metrics)

	// Step 5: remove pressure takes priority over upgrading or adding.
	if features.removePressure {
		hardRemoval := features.removeHD ||
			metrics.TotalNodes > m.NodeCap ||
			(metrics.NodesToUpgrade > 0 && metrics.RemovingNodes == 0)

		if hardRemoval {
			stopped, err := s.NodesWhere(store.ByStatus(types.StatusStopped), store.SortByAge, store.Descending)
			if err != nil {
				return nil, fmt.Errorf("listing stopped nodes: %w", err)
			}
			if len(stopped) > 0 {
				id := stopped[0].ID
				return clip([]types.Action{{Kind: types.ActionRemoveNode, Reason: "remove pressure, stopped victim", TargetID: &id}}, m, metrics), nil
			}
			running, err := s.NodesWhere(store.ByStatus(types.StatusRunning), store.SortByAge, store.Descending)
			if err != nil {
				return nil, fmt.Errorf("listing running nodes: %w", err)
			}
			if len(running) == 0 {
				return []types.Action{idle("nothing to remove")}, nil
			}
			id := running[0].ID
			return clip([]types.Action{{Kind: types.ActionRemoveNode, Reason: "remove pressure, youngest running", TargetID: &id}}, m, metrics), nil
		}

		// Soft pressure (CPU/mem/IO/load, no disk emergency): stop a node
		// instead of deleting it, but only if we're not already cooling
		// down from the last stop.
		if metrics.RemovingNodes > 0 {
			return []types.Action{idle("waiting to remove")}, nil
		}
		if m.LastStoppedAt > now.Unix()-int64(m.DelayRemove) {
			return []types.Action{idle("waiting to stop")}, nil
		}
		running, err := s.NodesWhere(store.ByStatus(types.StatusRunning), store.SortByAge, store.Descending)
		if err != nil {
			return nil, fmt.Errorf("listing running nodes: %w", err)
		}
		if len(running) == 0 {
			return []types.Action{idle("nothing to stop")}, nil
		}
		id := running[0].ID
		return clip([]types.Action{{Kind: types.ActionStopNode, Reason: "soft remove pressure", TargetID: &id}}, m, metrics), nil
	}

	// Step 6: upgrade.
	if features.upgradeAvailable {
		max := m.MaxConcurrentUpgrades
		if max < 1 {
			max = 1
		}
		stale, err := s.NodesWhere(func(n *types.Node) bool {
			return n.Status == types.StatusRunning && n.Version != metrics.AntnodeVersion
		}, store.SortByAge, store.Ascending)
		if err != nil {
			return nil, fmt.Errorf("listing stale running nodes: %w", err)
		}
		if len(stale) > 0 {
			if len(stale) > max {
				stale = stale[:max]
			}
			actions := make([]types.Action, 0, len(stale))
			for _, n := range stale {
				id := n.ID
				actions = append(actions, types.Action{Kind: types.ActionUpgradeNode, Reason: "upgrade available", TargetID: &id})
			}
			return clip(actions, m, metrics), nil
		}
	}

	// Step 7: add new capacity, preferring to reactivate STOPPED nodes
	// before creating new ones.
	if features.addNewAllowed {
		stopped, err := s.NodesWhere(store.ByStatus(types.StatusStopped), store.SortByAge, store.Ascending)
		if err != nil {
			return nil, fmt.Errorf("listing stopped nodes: %w", err)
		}
		if len(stopped) > 0 {
			oldest := stopped[0]
			if oldest.Version != "" && versionLess(oldest.Version, metrics.AntnodeVersion) {
				id := oldest.ID
				return clip([]types.Action{{Kind: types.ActionUpgradeNode, Reason: "stopped node out of date, upgrade implies restart", TargetID: &id}}, m, metrics), nil
			}
			id := oldest.ID
			return clip([]types.Action{{Kind: types.ActionStartNode, Reason: "reactivate stopped node", TargetID: &id}}, m, metrics), nil
		}
		if metrics.TotalNodes < m.NodeCap {
			return clip([]types.Action{{Kind: types.ActionAddNode, Reason: "below node cap"}}, m, metrics), nil
		}
		return []types.Action{idle("node cap reached")}, nil
	}

	// Step 8: nothing to do; refresh what we know about the fleet.
	return []types.Action{idle("idle")}, nil
}

func idle(reason string) types.Action {
	return types.Action{Kind: types.ActionSurveyNodes, Reason: reason}
}

// clip enforces the global concurrency cap: in-flight transitional nodes
// plus newly emitted actions must not exceed MaxConcurrentOperations. A
// cap of 0 or less means unset, treated as unlimited (the config layer
// is expected to fill in a real default before this runs).
func clip(actions []types.Action, m *types.MachineConfig, metrics *types.Metrics) []types.Action {
	if m.MaxConcurrentOperations <= 0 {
		return actions
	}
	inFlight := metrics.UpgradingNodes + metrics.RestartingNodes + metrics.RemovingNodes + metrics.MigratingNodes
	room := m.MaxConcurrentOperations - inFlight
	if room <= 0 {
		return []types.Action{idle("at global capacity")}
	}
	if len(actions) > room {
		actions = actions[:room]
	}
	return actions
}

// versionLess reports whether a < b as semantic versions, falling back
// to a lexical compare if either string fails to parse (legacy nodes
// sometimes report a bare build id instead of a version).
func versionLess(a, b string) bool {
	av, aerr := semver.NewVersion(a)
	bv, berr := semver.NewVersion(b)
	if aerr != nil || berr != nil {
		return a < b
	}
	return av.LessThan(*bv)
}

func versionAtLeast(a, b string) bool {
	if a == b {
		return true
	}
	return !versionLess(a, b)
}

type features struct {
	removeHD         bool
	removePressure   bool
	upgradeAvailable bool
	addNewAllowed    bool
}

func computeFeatures(m *types.MachineConfig, metrics *types.Metrics) features {
	allowCPU := metrics.UsedCPUPercent < m.CPULessThan
	allowMem := metrics.UsedMemPercent < m.MemLessThan
	allowHD := metrics.UsedHDPercent < m.HDLessThan
	removeCPU := metrics.UsedCPUPercent > m.CPURemove
	removeMem := metrics.UsedMemPercent > m.MemRemove
	removeHD := metrics.UsedHDPercent > m.HDRemove
	allowNodeCap := metrics.RunningNodes < m.NodeCap

	allowNetIO, removeNetIO := true, false
	if m.NetIOReadLessThan+m.NetIOReadRemove+m.NetIOWriteLessThan+m.NetIOWriteRemove > 1 {
		allowNetIO = metrics.NetIOReadBytes < m.NetIOReadLessThan && metrics.NetIOWriteBytes < m.NetIOWriteLessThan
		removeNetIO = metrics.NetIOReadBytes > m.NetIOReadRemove || metrics.NetIOWriteBytes > m.NetIOWriteRemove
	}

	allowHDIO, removeHDIO := true, false
	if m.HDIOReadLessThan+m.HDIOReadRemove+m.HDIOWriteLessThan+m.HDIOWriteRemove > 1 {
		allowHDIO = metrics.HDIOReadBytes < m.HDIOReadLessThan && metrics.HDIOWriteBytes < m.HDIOWriteLessThan
		removeHDIO = metrics.HDIOReadBytes > m.HDIOReadRemove || metrics.HDIOWriteBytes > m.HDIOWriteRemove
	}

	loadAllow := metrics.LoadAverage1 < m.DesiredLoadAverage &&
		metrics.LoadAverage5 < m.DesiredLoadAverage &&
		metrics.LoadAverage15 < m.DesiredLoadAverage
	loadNotAllow := metrics.LoadAverage1 > m.MaxLoadAverageAllowed ||
		metrics.LoadAverage5 > m.MaxLoadAverageAllowed ||
		metrics.LoadAverage15 > m.MaxLoadAverageAllowed

	removePressure := loadNotAllow || removeCPU || removeMem || removeHD ||
		removeHDIO || removeNetIO || metrics.TotalNodes > m.NodeCap

	upgradeAvailable := metrics.NodesToUpgrade >= 1 &&
		versionAtLeast(metrics.AntnodeVersion, metrics.QueenNodeVersion) &&
		!removePressure

	inFlightTransitional := metrics.UpgradingNodes + metrics.RestartingNodes +
		metrics.MigratingNodes + metrics.RemovingNodes

	addNewAllowed := inFlightTransitional == 0 &&
		allowCPU && allowHD && allowMem && allowNodeCap && allowHDIO && allowNetIO &&
		loadAllow && metrics.TotalNodes < m.NodeCap

	return features{
		removeHD:         removeHD,
		removePressure:   removePressure,
		upgradeAvailable: upgradeAvailable,
		addNewAllowed:    addNewAllowed,
	}
}
