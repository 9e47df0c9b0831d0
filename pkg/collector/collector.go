// Package collector implements the Metrics Collector: one pass that
// combines the Store's node counts and version histogram with a host
// resource sample into the single Metrics snapshot the Decision engine
// reasons over.
package collector

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/antnode"
	"github.com/iweave/wnm/pkg/hostmetrics"
	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// ErrAntnodeBinaryMissing is returned when no antnode binary is
// resolvable on PATH; every other metric depends on knowing the current
// target version, so this is fatal to the run.
var ErrAntnodeBinaryMissing = fmt.Errorf("antnode binary not found on PATH")

// hostSampler is the subset of *hostmetrics.Sampler this package calls,
// narrowed to an interface so tests can stub out the real /proc reads.
type hostSampler interface {
	Sample(ctx context.Context, nodeStorage string) (hostmetrics.Sample, error)
}

// Collector gathers one Metrics snapshot per run.
type Collector struct {
	sampler hostSampler
	logger  zerolog.Logger

	// lookPath and versionProbe are seams for tests; production code
	// leaves them nil and New fills in the real antnode lookups.
	lookPath     func(string) (string, error)
	versionProbe func(context.Context, string) (string, error)
}

// New returns a Collector backed by sampler.
func New(sampler *hostmetrics.Sampler) *Collector {
	return &Collector{
		sampler:      sampler,
		logger:       log.WithComponent("collector"),
		lookPath:     exec.LookPath,
		versionProbe: antnode.BinaryVersion,
	}
}

// Collect takes one full snapshot: node counts and version histogram
// from the Store, and one host resource sample spanning at least one
// second.
func (c *Collector) Collect(ctx context.Context, s store.Store, m *types.MachineConfig) (*types.Metrics, error) {
	nodes, err := s.NodesWhere(nil, store.SortByID, store.Ascending)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}

	binary, err := c.lookPath("antnode")
	if err != nil {
		return nil, ErrAntnodeBinaryMissing
	}
	antnodeVersion, err := c.versionProbe(ctx, binary)
	if err != nil {
		return nil, fmt.Errorf("resolving antnode version: %w", err)
	}

	metrics := &types.Metrics{
		AntnodeVersion: antnodeVersion,
		VersionCounts:  make(map[string]int),
	}
	metrics.TotalNodes = len(nodes)

	for _, n := range nodes {
		switch n.Status {
		case types.StatusRunning:
			metrics.RunningNodes++
		case types.StatusStopped:
			metrics.StoppedNodes++
		case types.StatusRestarting:
			metrics.RestartingNodes++
		case types.StatusUpgrading:
			metrics.UpgradingNodes++
		case types.StatusMigrating:
			metrics.MigratingNodes++
		case types.StatusRemoving:
			metrics.RemovingNodes++
		case types.StatusDead:
			metrics.DeadNodes++
		}
		if n.Version == "" {
			metrics.NodesNoVersion++
		} else {
			metrics.VersionCounts[n.Version]++
			if n.Version == antnodeVersion {
				metrics.NodesLatestV++
			}
		}
	}
	metrics.NodesToUpgrade = metrics.TotalNodes - metrics.NodesLatestV - metrics.NodesNoVersion

	// The queen node is the lowest-id node (first ever created); its
	// version gates upgrades so a downgraded PATH binary can never push
	// the fleet backwards.
	if len(nodes) > 0 && nodes[0].Version != "" {
		metrics.QueenNodeVersion = nodes[0].Version
	} else {
		metrics.QueenNodeVersion = antnodeVersion
	}

	hostSample, err := c.sampler.Sample(ctx, m.NodeStorage)
	if err != nil {
		return nil, fmt.Errorf("sampling host: %w", err)
	}
	metrics.SystemStart = hostSample.SystemStart
	metrics.UsedCPUPercent = hostSample.UsedCPUPercent
	metrics.UsedMemPercent = hostSample.UsedMemPercent
	metrics.UsedHDPercent = hostSample.UsedHDPercent
	metrics.TotalHDBytes = hostSample.TotalHDBytes
	metrics.LoadAverage1 = hostSample.LoadAverage1
	metrics.LoadAverage5 = hostSample.LoadAverage5
	metrics.LoadAverage15 = hostSample.LoadAverage15
	metrics.HDIOReadBytes = hostSample.HDIOReadBytes
	metrics.HDIOWriteBytes = hostSample.HDIOWriteBytes
	metrics.NetIOReadBytes = hostSample.NetIOReadBytes
	metrics.NetIOWriteBytes = hostSample.NetIOWriteBytes

	if metrics.TotalHDBytes > 0 && m.HDRemove > 0 {
		metrics.NodeHDCrisis = float64(int64(metrics.TotalNodes)*m.CrisisBytes) /
			(float64(metrics.TotalHDBytes) * (float64(m.HDRemove) / 100)) * 100
	}

	c.logger.Debug().
		Int("total_nodes", metrics.TotalNodes).
		Str("antnode_version", metrics.AntnodeVersion).
		Int("used_cpu_percent", metrics.UsedCPUPercent).
		Msg("metrics collected")

	return metrics, nil
}
