// Package executor implements the Action executor: it consumes the
// ordered Action list the Decision engine produces and carries each one
// out against the live Store and ProcessManager backends. Every action
// re-validates its precondition against a fresh Store read before
// touching a backend, since the Store may have drifted between the
// Decision snapshot and this run (a concurrent wnm invocation, a crash
// recovery, a manual intervention).
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/allocator"
	"github.com/iweave/wnm/pkg/antnode"
	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/metrics"
	"github.com/iweave/wnm/pkg/processmanager"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// defaultNetwork is the network selector threaded onto every node this
// tool creates. antnode takes exactly one network argument and this
// fleet only ever targets one.
const defaultNetwork = "evm-arbitrum-one"

// ManagerFor resolves the ProcessManager backend for a node's manager_type.
// Production callers bind this to processmanager.For with a fixed Config;
// tests supply a stub that never touches a real host.
type ManagerFor func(managerType string) (processmanager.ProcessManager, error)

// Outcome records what happened to one Action.
type Outcome struct {
	Action types.Action
	DryRun bool
	Err    error
}

// Ok reports whether the action succeeded (or was a dry run).
func (o Outcome) Ok() bool { return o.Err == nil }

// Executor carries out Decision's ordered Action list.
type Executor struct {
	managers           ManagerFor
	defaultManagerType string
	dryRun             bool
	migrateAnm         bool

	lookPath      func(string) (string, error)
	versionProbe  func(context.Context, string) (string, error)
	antnodeClient *antnode.Client
	unitDir       string

	logger zerolog.Logger
}

// New returns an Executor. defaultManagerType is the backend newly
// ADD_NODE'd nodes are created under; dryRun, when true, makes every
// action a no-op that only logs its intent. migrateAnm, when true, makes
// the Surveyor parse discovered systemd units with the predecessor
// "anm" tool's legacy ExecStart shape instead of the current one.
func New(managers ManagerFor, defaultManagerType string, dryRun, migrateAnm bool) *Executor {
	return &Executor{
		managers:           managers,
		defaultManagerType: defaultManagerType,
		dryRun:             dryRun,
		migrateAnm:         migrateAnm,
		lookPath:           exec.LookPath,
		versionProbe:       antnode.BinaryVersion,
		antnodeClient:      antnode.NewClient(),
		unitDir:            processmanager.SystemdUnitDir,
		logger:             log.WithComponent("executor"),
	}
}

// Run executes every action in order, returning one Outcome per action.
// Per the executor's contract, the caller's overall outcome for the run
// is outcomes[0] — the first, highest-priority action Decision emitted.
func (e *Executor) Run(ctx context.Context, s store.Store, m *types.MachineConfig, fleetMetrics *types.Metrics, actions []types.Action, now time.Time) []Outcome {
	outcomes := make([]Outcome, 0, len(actions))
	for _, a := range actions {
		outcomes = append(outcomes, e.execute(ctx, s, m, fleetMetrics, a, now))
	}
	return outcomes
}

func (e *Executor) execute(ctx context.Context, s store.Store, m *types.MachineConfig, fleetMetrics *types.Metrics, a types.Action, now time.Time) Outcome {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.ActionDuration, string(a.Kind))

	if e.dryRun {
		e.logger.Info().
			Str("kind", string(a.Kind)).
			Str("reason", a.Reason).
			Msg("dry run: would execute action, no ProcessManager call or Store write performed")
		metrics.ActionsTotal.WithLabelValues(string(a.Kind), "dry_run").Inc()
		return Outcome{Action: a, DryRun: true}
	}

	err := e.dispatch(ctx, s, m, fleetMetrics, a, now)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		e.logger.Error().Str("kind", string(a.Kind)).Str("reason", a.Reason).Err(err).Msg("action failed")
	}
	metrics.ActionsTotal.WithLabelValues(string(a.Kind), outcome).Inc()
	return Outcome{Action: a, Err: err}
}

func (e *Executor) dispatch(ctx context.Context, s store.Store, m *types.MachineConfig, fleetMetrics *types.Metrics, a types.Action, now time.Time) error {
	switch a.Kind {
	case types.ActionResurveyNodes, types.ActionSurveyNodes:
		return e.survey(ctx, s, m, fleetMetrics, a, now)
	case types.ActionRemoveNode:
		return e.withTarget(s, a, e.removeNode(ctx, now))
	case types.ActionStopNode:
		return e.withTarget(s, a, e.stopNode(ctx, m, now))
	case types.ActionStartNode:
		return e.withTarget(s, a, e.startNode(ctx, now))
	case types.ActionUpgradeNode:
		return e.withTarget(s, a, e.upgradeNode(ctx, now))
	case types.ActionAddNode:
		return e.addNode(ctx, s, m, now)
	default:
		return fmt.Errorf("executor: unhandled action kind %q", a.Kind)
	}
}

// nodeAction is one of the per-kind handlers below, closed over their
// fixed arguments so withTarget can share the "load by id, skip if
// already gone" boilerplate across all four target-bearing kinds.
type nodeAction func(s store.Store, n *types.Node) error

// withTarget resolves a.TargetID against a fresh Store read and, if the
// row still exists, hands it to fn. A missing row is not an error: it
// means a previous run (or this one) already achieved the outcome the
// action was chasing, so the action is treated as satisfied.
func (e *Executor) withTarget(s store.Store, a types.Action, fn nodeAction) error {
	if a.TargetID == nil {
		return fmt.Errorf("executor: %s action has no target node id", a.Kind)
	}
	n, err := s.GetNode(*a.TargetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			e.logger.Debug().Int("node_id", *a.TargetID).Str("kind", string(a.Kind)).
				Msg("target already absent, treating action as satisfied")
			return nil
		}
		return fmt.Errorf("loading node %d: %w", *a.TargetID, err)
	}
	return fn(s, n)
}

func (e *Executor) stopNode(ctx context.Context, m *types.MachineConfig, now time.Time) nodeAction {
	return func(s store.Store, n *types.Node) error {
		if n.Status != types.StatusRunning {
			e.logger.Debug().Int("node_id", n.ID).Str("status", string(n.Status)).
				Msg("stop precondition no longer holds, skipping")
			return nil
		}
		pm, err := e.managers(n.ManagerType)
		if err != nil {
			return err
		}
		if err := pm.Stop(ctx, n); err != nil {
			return fmt.Errorf("stopping node %d: %w", n.ID, err)
		}
		if err := s.UpdateNode(n.ID, func(n *types.Node) error {
			n.Status = types.StatusStopped
			n.Timestamp = now
			return nil
		}); err != nil {
			return fmt.Errorf("marking node %d stopped: %w", n.ID, err)
		}
		m.LastStoppedAt = now.Unix()
		if err := s.PutMachine(m); err != nil {
			return fmt.Errorf("persisting last_stopped_at: %w", err)
		}
		return nil
	}
}

func (e *Executor) startNode(ctx context.Context, now time.Time) nodeAction {
	return func(s store.Store, n *types.Node) error {
		if n.Status != types.StatusStopped {
			e.logger.Debug().Int("node_id", n.ID).Str("status", string(n.Status)).
				Msg("start precondition no longer holds, skipping")
			return nil
		}
		pm, err := e.managers(n.ManagerType)
		if err != nil {
			return err
		}
		if err := pm.Start(ctx, n); err != nil {
			return fmt.Errorf("starting node %d: %w", n.ID, err)
		}
		return s.UpdateNode(n.ID, func(n *types.Node) error {
			n.Status = types.StatusRestarting
			n.Timestamp = now
			return nil
		})
	}
}

func (e *Executor) removeNode(ctx context.Context, now time.Time) nodeAction {
	return func(s store.Store, n *types.Node) error {
		if n.Status == types.StatusRemoving {
			e.logger.Debug().Int("node_id", n.ID).Msg("removal already in flight, skipping")
			return nil
		}
		pm, err := e.managers(n.ManagerType)
		if err != nil {
			return err
		}
		if err := pm.Remove(ctx, n); err != nil {
			return fmt.Errorf("removing node %d: %w", n.ID, err)
		}
		return s.UpdateNode(n.ID, func(n *types.Node) error {
			n.Status = types.StatusRemoving
			n.Timestamp = now
			return nil
		})
	}
}

// upgradeNode copies the current antnode binary over the node's own and
// rematerializes its service definition via Create (idempotent: same
// root_dir, same unit content), then forces a Restart so the new binary
// actually takes effect — Create alone would leave an already-running
// unit on its old binary.
func (e *Executor) upgradeNode(ctx context.Context, now time.Time) nodeAction {
	return func(s store.Store, n *types.Node) error {
		if n.Status != types.StatusRunning && n.Status != types.StatusStopped {
			e.logger.Debug().Int("node_id", n.ID).Str("status", string(n.Status)).
				Msg("upgrade precondition no longer holds, skipping")
			return nil
		}
		pm, err := e.managers(n.ManagerType)
		if err != nil {
			return err
		}
		binary, err := e.lookPath("antnode")
		if err != nil {
			return fmt.Errorf("resolving antnode binary: %w", err)
		}
		version, err := e.versionProbe(ctx, binary)
		if err != nil {
			return fmt.Errorf("resolving antnode version: %w", err)
		}
		if err := pm.Create(ctx, n, binary); err != nil {
			return fmt.Errorf("rematerializing node %d for upgrade: %w", n.ID, err)
		}
		if err := pm.Restart(ctx, n); err != nil {
			return fmt.Errorf("restarting node %d after upgrade: %w", n.ID, err)
		}
		return s.UpdateNode(n.ID, func(n *types.Node) error {
			n.Status = types.StatusUpgrading
			n.Timestamp = now
			n.Version = version
			return nil
		})
	}
}

// addNode allocates the next node id, derives its ports, materializes it
// through its ProcessManager backend and inserts the new row.
func (e *Executor) addNode(ctx context.Context, s store.Store, m *types.MachineConfig, now time.Time) error {
	binary, err := e.lookPath("antnode")
	if err != nil {
		return fmt.Errorf("resolving antnode binary: %w", err)
	}
	version, err := e.versionProbe(ctx, binary)
	if err != nil {
		return fmt.Errorf("resolving antnode version: %w", err)
	}

	id := allocator.Allocate(m)
	nodename := fmt.Sprintf("%04d", id)
	rootDir := fmt.Sprintf("%s/antnode%s", m.NodeStorage, nodename)

	n := &types.Node{
		ID:          id,
		NodeName:    nodename,
		Service:     fmt.Sprintf("antnode%s.service", nodename),
		ManagerType: e.defaultManagerType,
		User:        "ant",
		Binary:      rootDir + "/antnode",
		Version:     version,
		RootDir:     rootDir,
		Port:        allocator.Port(m, id),
		MetricsPort: allocator.MetricsPort(m, id),
		Network:     defaultNetwork,
		Wallet:      m.RewardsAddress,
		Status:      types.StatusRestarting,
		Timestamp:   now,
		Age:         now.Unix(),
		Host:        m.Host,
	}

	pm, err := e.managers(n.ManagerType)
	if err != nil {
		return err
	}
	if err := pm.Create(ctx, n, binary); err != nil {
		return fmt.Errorf("creating node %d: %w", n.ID, err)
	}
	if err := s.PutNode(n); err != nil {
		return fmt.Errorf("persisting new node %d: %w", n.ID, err)
	}
	if err := s.PutMachine(m); err != nil {
		return fmt.Errorf("persisting id allocator state: %w", err)
	}
	return nil
}

// survey asks every backend currently in use across the fleet (or, for
// an empty fleet, the default backend) to enumerate the nodes it
// manages. Bare shells (no root_dir, a systemd-shaped unit name) are
// enriched via enrichSurveyedNode before being adopted; a node that
// fails enrichment is skipped rather than written half-populated. A
// RESURVEY_NODES action additionally advances last_stopped_at to the
// detected boot time, closing out the reboot-detection branch in
// Decision.
func (e *Executor) survey(ctx context.Context, s store.Store, m *types.MachineConfig, fleetMetrics *types.Metrics, a types.Action, now time.Time) error {
	managerTypes, err := e.activeManagerTypes(s)
	if err != nil {
		return err
	}

	var firstErr error
	var highestAdopted int
	for _, mt := range managerTypes {
		pm, err := e.managers(mt)
		if err != nil {
			e.logger.Warn().Str("manager_type", mt).Err(err).Msg("no backend for manager type, skipping survey")
			continue
		}
		discovered, err := pm.Survey(ctx, m)
		switch {
		case errors.Is(err, processmanager.ErrNotSupported):
			continue
		case err != nil:
			e.logger.Warn().Str("manager_type", mt).Err(err).Msg("survey failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, n := range discovered {
			if err := e.enrichSurveyedNode(ctx, n, m); err != nil {
				e.logger.Warn().Str("service", n.Service).Err(err).Msg("failed to enrich surveyed unit, skipping")
				continue
			}
			if _, err := s.GetNode(n.ID); errors.Is(err, store.ErrNotFound) {
				n.ManagerType = mt
				if err := s.PutNode(n); err != nil {
					return fmt.Errorf("persisting surveyed node %d: %w", n.ID, err)
				}
				e.logger.Info().Int("node_id", n.ID).Str("manager_type", mt).Msg("adopted node found by survey")
				if n.ID > highestAdopted {
					highestAdopted = n.ID
				}
			}
		}
	}

	// A legacy unit adopted with an id the allocator has never seen
	// must advance the watermark, or a future ADD_NODE could allocate
	// an id that collides with it.
	if highestAdopted > 0 && (m.HighestNodeIDUsed == nil || *m.HighestNodeIDUsed < highestAdopted) {
		m.HighestNodeIDUsed = &highestAdopted
		if err := s.PutMachine(m); err != nil {
			return fmt.Errorf("persisting advanced highest_node_id_used after survey: %w", err)
		}
	}

	if a.Kind == types.ActionResurveyNodes {
		m.LastStoppedAt = fleetMetrics.SystemStart
		if err := s.PutMachine(m); err != nil {
			return fmt.Errorf("persisting last_stopped_at after resurvey: %w", err)
		}
	}
	return firstErr
}

// enrichSurveyedNode populates a bare systemd Survey shell (service name
// only, no root_dir) with the fields the Decision engine and metrics
// need: it parses the unit file for id/binary/root_dir/port/wallet,
// scrapes /metadata to tell RUNNING from STOPPED, scrapes /metrics for a
// running node's records/uptime/shunned count, falls back to a direct
// binary version probe for a stopped one, and marks the node DEAD if no
// root_dir was ever recovered. A node that isn't a bare systemd shell
// (already carries a root_dir, or wasn't discovered from a *.service
// unit) is left untouched.
func (e *Executor) enrichSurveyedNode(ctx context.Context, n *types.Node, m *types.MachineConfig) error {
	if n.RootDir != "" || !strings.HasSuffix(n.Service, ".service") {
		return nil
	}

	parseUnit := antnode.ParseUnit
	if e.migrateAnm {
		parseUnit = antnode.ParseLegacyUnit
	}
	d, err := parseUnit(e.unitDir, n.Service, m.Host)
	if err != nil {
		return fmt.Errorf("parsing unit %s: %w", n.Service, err)
	}

	n.ID = d.ID
	n.NodeName = fmt.Sprintf("%04d", d.ID)
	n.Binary = d.Binary
	n.User = d.User
	n.RootDir = d.RootDir
	n.Port = d.Port
	n.Network = d.Network
	n.Wallet = d.Wallet
	n.Host = d.Host
	if d.MetricsPort != 0 {
		n.MetricsPort = d.MetricsPort
	} else {
		n.MetricsPort = allocator.MetricsPort(m, d.ID)
	}
	if n.Port == 0 {
		n.Port = allocator.Port(m, d.ID)
	}

	md := e.antnodeClient.FetchMetadata(ctx, n.Host, n.MetricsPort)
	if md.Status == antnode.StatusRunning {
		n.Status = types.StatusRunning
		n.Version = md.Version
		n.PeerID = md.PeerID
		metrics := e.antnodeClient.FetchMetrics(ctx, n.Host, n.MetricsPort)
		n.Records = metrics.Records
		n.Uptime = metrics.Uptime
		n.Shunned = metrics.Shunned
	} else if n.RootDir == "" {
		n.Status = types.StatusDead
	} else {
		n.Status = types.StatusStopped
		if version, err := e.versionProbe(ctx, n.Binary); err == nil {
			n.Version = version
		}
	}

	n.Age = antnode.Age(n.RootDir)
	return nil
}

func (e *Executor) activeManagerTypes(s store.Store) ([]string, error) {
	nodes, err := s.NodesWhere(nil, store.SortByID, store.Ascending)
	if err != nil {
		return nil, fmt.Errorf("listing nodes for survey: %w", err)
	}
	seen := make(map[string]bool)
	var managerTypes []string
	for _, n := range nodes {
		if n.ManagerType != "" && !seen[n.ManagerType] {
			seen[n.ManagerType] = true
			managerTypes = append(managerTypes, n.ManagerType)
		}
	}
	if len(managerTypes) == 0 {
		managerTypes = append(managerTypes, e.defaultManagerType)
	}
	return managerTypes, nil
}
