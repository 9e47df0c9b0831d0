// Package supervisor is the one-shot entry point wnm's cron invocation
// drives: acquire a single-instance lock, load (or initialize) the
// Machine row, apply any deferred configuration overrides, and run the
// Metrics Collector → Delay Updater → Decision engine → Action executor
// pipeline in that order. Every exit path, including a panic, releases
// the lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/allocator"
	"github.com/iweave/wnm/pkg/antnode"
	"github.com/iweave/wnm/pkg/collector"
	"github.com/iweave/wnm/pkg/decision"
	wnmerrors "github.com/iweave/wnm/pkg/errors"
	"github.com/iweave/wnm/pkg/executor"
	"github.com/iweave/wnm/pkg/hostmetrics"
	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/metrics"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
	"github.com/iweave/wnm/pkg/updater"
)

// DefaultLockPath mirrors the legacy tool's single-instance lock file,
// so an operator migrating a host doesn't have to touch their cron
// entry's assumptions about where "a run is active" is recorded.
const DefaultLockPath = "/var/antctl/wnm_active"

var (
	// ErrAlreadyRunning is returned when the lock file is already held.
	ErrAlreadyRunning = errors.New("supervisor: another run is already active")
	// ErrNotInitialized is returned when no Machine row exists and the
	// caller did not pass Options.Init.
	ErrNotInitialized = errors.New("supervisor: machine not initialized, pass --init")
	// ErrAlreadyInitialized is returned when Options.Init is set but a
	// Machine row already exists.
	ErrAlreadyInitialized = errors.New("supervisor: machine already initialized")
	// ErrPortChangeAfterInit is returned when an override tries to
	// change port_start or metrics_port_start on an already-initialized
	// machine, since every existing node's port was derived from them.
	ErrPortChangeAfterInit = errors.New("supervisor: cannot change port_start/metrics_port_start on an already-initialized machine")
	// ErrTeardownNotConfirmed is returned by a teardown run (Options.Teardown) when Options.Confirm
	// is not set, mirroring the legacy tool's "please confirm the
	// teardown with --confirm" refusal.
	ErrTeardownNotConfirmed = errors.New("supervisor: teardown requires --confirm")
)

// Options configures one Supervisor run.
type Options struct {
	// Init, when true, allows loadMachine to create the Machine row if
	// none exists yet; it is an error if one already does.
	Init bool
	// DryRun is forwarded to the Executor: no ProcessManager call or
	// Store write is performed, only logged.
	DryRun bool
	// Overrides, if non-nil, is applied to the Machine row before the
	// run proceeds.
	Overrides *Overrides
	// LockPath overrides DefaultLockPath; tests set this to a temp file.
	LockPath string

	// DefaultManagerType is the backend newly ADD_NODE'd nodes are
	// created under.
	DefaultManagerType string
	// ManagerFor resolves a node's ProcessManager backend by manager_type.
	ManagerFor executor.ManagerFor

	// MigrateAnm makes the Surveyor parse discovered systemd units using
	// the predecessor "anm" tool's legacy ExecStart shape, and, combined
	// with Init, runs an initial adoption survey before the regular
	// pipeline starts so a host migrating from that tool starts this
	// one with its existing fleet already in the Store.
	MigrateAnm bool
	// Teardown, when true, bypasses the regular Collect/Decide/Execute
	// pipeline entirely and instead runs teardown. Run honors it even
	// when it is passed alongside the regular flags.
	Teardown bool
	// Confirm gates Teardown: without it, Teardown refuses to act.
	Confirm bool

	// Now, if set, is used instead of time.Now for every timestamp this
	// run produces, for deterministic tests.
	Now func() time.Time
}

// Supervisor wires one Store to the Collector/Updater/Decision pipeline.
type Supervisor struct {
	store     store.Store
	collector *collector.Collector
	updater   *updater.Updater
	probe     decision.VersionProbe
	lockPath  string
	logger    zerolog.Logger
}

// New returns a Supervisor over s, sampling host resources via sampler.
func New(s store.Store, sampler *hostmetrics.Sampler) *Supervisor {
	return &Supervisor{
		store:     s,
		collector: collector.New(sampler),
		updater:   updater.New(antnode.NewClient()),
		probe:     antnode.BinaryVersion,
		lockPath:  DefaultLockPath,
		logger:    log.WithComponent("supervisor"),
	}
}

// Run performs exactly one reconciliation pass: lock, load, collect,
// age, decide, execute, unlock. The returned Outcome slice is in
// Decision's priority order; per the executor's contract, outcomes[0]
// is the run's overall result.
func (sv *Supervisor) Run(ctx context.Context, opts Options) (outcomes []executor.Outcome, err error) {
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = sv.lockPath
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	if err := acquireLock(lockPath, now()); err != nil {
		return nil, wnmerrors.Fatal(err)
	}
	defer func() {
		if r := recover(); r != nil {
			releaseLock(lockPath, sv.logger)
			panic(r)
		}
		releaseLock(lockPath, sv.logger)
	}()

	if opts.Teardown {
		return nil, wnmerrors.Fatal(sv.teardown(opts))
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunDuration)

	m, err := sv.loadMachine(opts)
	if err != nil {
		return nil, wnmerrors.Fatal(err)
	}

	if err := allocator.Initialize(sv.store, m); err != nil {
		return nil, wnmerrors.Fatal(fmt.Errorf("initializing id allocator: %w", err))
	}

	if opts.Init && opts.MigrateAnm {
		if err := sv.adoptLegacyFleet(ctx, opts, m, now()); err != nil {
			return nil, wnmerrors.Fatal(fmt.Errorf("adopting legacy anm fleet: %w", err))
		}
	}

	fleetMetrics, err := sv.collector.Collect(ctx, sv.store, m)
	if err != nil {
		return nil, wnmerrors.Fatal(fmt.Errorf("collecting metrics: %w", err))
	}

	if err := sv.updater.Apply(ctx, sv.store, m, fleetMetrics, now()); err != nil {
		return nil, wnmerrors.Fatal(fmt.Errorf("aging transitional nodes: %w", err))
	}

	recordNodeGauges(fleetMetrics)

	actions, err := decision.Decide(ctx, sv.store, m, fleetMetrics, now(), sv.probe)
	if err != nil {
		return nil, wnmerrors.Fatal(fmt.Errorf("deciding actions: %w", err))
	}

	exec := executor.New(opts.ManagerFor, opts.DefaultManagerType, opts.DryRun, opts.MigrateAnm)
	return exec.Run(ctx, sv.store, m, fleetMetrics, actions, now()), nil
}

// adoptLegacyFleet runs a single SURVEY_NODES pass through the executor,
// which surveys the manager types already recorded in the Store (on a
// fresh --init there are none, so only DefaultManagerType is surveyed).
// It is used only on an --init run paired with
// --migrate-anm: it gives the Surveyor a chance to parse and adopt the
// legacy anm tool's units into the freshly created Machine's Store
// before the regular pipeline (which would otherwise just see an empty
// fleet and start adding nodes from scratch) ever runs.
func (sv *Supervisor) adoptLegacyFleet(ctx context.Context, opts Options, m *types.MachineConfig, now time.Time) error {
	exec := executor.New(opts.ManagerFor, opts.DefaultManagerType, false, true)
	action := types.Action{Kind: types.ActionSurveyNodes, Reason: "initial anm adoption"}
	outcomes := exec.Run(ctx, sv.store, m, &types.Metrics{}, []types.Action{action}, now)
	if len(outcomes) > 0 && outcomes[0].Err != nil {
		return outcomes[0].Err
	}
	return nil
}

// teardown is the sole path allowed to decrease Machine.HighestNodeIDUsed:
// it deletes every Node row and resets the id watermark so a re-run of
// --init starts a genuinely empty fleet. It refuses to act unless
// Options.Confirm is set, and only logs its intent under DryRun.
func (sv *Supervisor) teardown(opts Options) error {
	if !opts.Confirm {
		return ErrTeardownNotConfirmed
	}

	m, err := sv.store.GetMachine()
	if err != nil {
		return fmt.Errorf("loading machine: %w", err)
	}

	nodes, err := sv.store.NodesWhere(nil, store.SortByID, store.Ascending)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}

	if opts.DryRun {
		sv.logger.Info().Int("node_count", len(nodes)).Msg("dry run: would tear down machine, no nodes removed")
		return nil
	}

	sv.logger.Warn().Int("node_count", len(nodes)).Msg("tearing down machine")
	for _, n := range nodes {
		if err := sv.store.DeleteNode(n.ID); err != nil {
			return fmt.Errorf("deleting node %d: %w", n.ID, err)
		}
	}
	m.HighestNodeIDUsed = nil
	return sv.store.PutMachine(m)
}

// loadMachine returns the Machine row, creating it on a first --init run
// or applying opts.Overrides to an existing one.
func (sv *Supervisor) loadMachine(opts Options) (*types.MachineConfig, error) {
	m, err := sv.store.GetMachine()
	if errors.Is(err, store.ErrMachineNotFound) {
		if !opts.Init {
			return nil, ErrNotInitialized
		}
		fresh := &types.MachineConfig{}
		if err := applyOverrides(fresh, opts.Overrides, false); err != nil {
			return nil, err
		}
		if err := sv.store.PutMachine(fresh); err != nil {
			return nil, fmt.Errorf("initializing machine: %w", err)
		}
		return fresh, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading machine: %w", err)
	}

	if opts.Init {
		return nil, ErrAlreadyInitialized
	}
	if opts.Overrides != nil {
		if err := applyOverrides(m, opts.Overrides, true); err != nil {
			return nil, err
		}
		if err := sv.store.PutMachine(m); err != nil {
			return nil, fmt.Errorf("persisting config overrides: %w", err)
		}
	}
	return m, nil
}

// recordNodeGauges refreshes the per-status node count gauges and the
// node_hd_crisis gauge from this run's Metrics snapshot.
func recordNodeGauges(fm *types.Metrics) {
	metrics.HostDiskCrisisPercent.Set(fm.NodeHDCrisis)
	metrics.NodesTotal.WithLabelValues(string(types.StatusRunning)).Set(float64(fm.RunningNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusStopped)).Set(float64(fm.StoppedNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusRestarting)).Set(float64(fm.RestartingNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusUpgrading)).Set(float64(fm.UpgradingNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusMigrating)).Set(float64(fm.MigratingNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusRemoving)).Set(float64(fm.RemovingNodes))
	metrics.NodesTotal.WithLabelValues(string(types.StatusDead)).Set(float64(fm.DeadNodes))
}

// acquireLock atomically creates the lock file, failing if one already
// exists rather than the legacy tool's check-then-create (which leaves a
// race between two cron-triggered runs starting within the same tick).
func acquireLock(path string, now time.Time) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("supervisor: creating lock file %s: %w", path, err)
	}
	defer f.Close()
	_, err = f.WriteString(strconv.FormatInt(now.Unix(), 10))
	return err
}

func releaseLock(path string, logger zerolog.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Error().Err(err).Str("path", path).Msg("failed to remove lock file")
	}
}
