package collector

import (
	"context"
	"errors"
	"testing"

	"github.com/iweave/wnm/pkg/hostmetrics"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

type stubSampler struct {
	sample hostmetrics.Sample
	err    error
}

func (s stubSampler) Sample(ctx context.Context, nodeStorage string) (hostmetrics.Sample, error) {
	return s.sample, s.err
}

func newTestCollector(sample hostmetrics.Sample) *Collector {
	return &Collector{
		sampler:      stubSampler{sample: sample},
		lookPath:     func(string) (string, error) { return "/usr/local/bin/antnode", nil },
		versionProbe: func(context.Context, string) (string, error) { return "0.3.0", nil },
	}
}

func TestCollect_CountsNodesByStatus(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning, Version: "0.3.0"})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning, Version: "0.2.0"})
	s.PutNode(&types.Node{ID: 3, Status: types.StatusStopped, Version: ""})
	s.PutNode(&types.Node{ID: 4, Status: types.StatusDead})

	c := newTestCollector(hostmetrics.Sample{SystemStart: 1000, TotalHDBytes: 1_000_000})
	m := &types.MachineConfig{NodeStorage: "/data", HDRemove: 90, CrisisBytes: 2 << 30}

	metrics, err := c.Collect(context.Background(), s, m)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if metrics.TotalNodes != 4 || metrics.RunningNodes != 2 || metrics.StoppedNodes != 1 || metrics.DeadNodes != 1 {
		t.Errorf("counts = %+v, want total 4 running 2 stopped 1 dead 1", metrics)
	}
	if metrics.NodesNoVersion != 2 {
		t.Errorf("NodesNoVersion = %d, want 2 (nodes 3 and 4)", metrics.NodesNoVersion)
	}
	if metrics.NodesLatestV != 1 {
		t.Errorf("NodesLatestV = %d, want 1", metrics.NodesLatestV)
	}
	if metrics.NodesToUpgrade != 1 {
		t.Errorf("NodesToUpgrade = %d, want 1 (4 - 1 latest - 2 noversion)", metrics.NodesToUpgrade)
	}
	if metrics.QueenNodeVersion != "0.3.0" {
		t.Errorf("QueenNodeVersion = %q, want 0.3.0 (lowest-id node's version)", metrics.QueenNodeVersion)
	}
}

func TestCollect_QueenVersionFallsBackToAntnodeVersionWhenEmptyFleet(t *testing.T) {
	s := store.NewMemoryStore()
	c := newTestCollector(hostmetrics.Sample{SystemStart: 1000, TotalHDBytes: 1})
	m := &types.MachineConfig{NodeStorage: "/data"}

	metrics, err := c.Collect(context.Background(), s, m)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if metrics.QueenNodeVersion != metrics.AntnodeVersion {
		t.Errorf("QueenNodeVersion = %q, want fallback to AntnodeVersion %q", metrics.QueenNodeVersion, metrics.AntnodeVersion)
	}
}

func TestCollect_MissingBinaryIsFatal(t *testing.T) {
	s := store.NewMemoryStore()
	c := newTestCollector(hostmetrics.Sample{})
	c.lookPath = func(string) (string, error) { return "", errors.New("not found") }
	m := &types.MachineConfig{NodeStorage: "/data"}

	if _, err := c.Collect(context.Background(), s, m); !errors.Is(err, ErrAntnodeBinaryMissing) {
		t.Fatalf("Collect() error = %v, want ErrAntnodeBinaryMissing", err)
	}
}

func TestCollect_NodeHDCrisisFormula(t *testing.T) {
	s := store.NewMemoryStore()
	s.PutNode(&types.Node{ID: 1, Status: types.StatusRunning})
	s.PutNode(&types.Node{ID: 2, Status: types.StatusRunning})
	c := newTestCollector(hostmetrics.Sample{TotalHDBytes: 1000})
	m := &types.MachineConfig{NodeStorage: "/data", HDRemove: 50, CrisisBytes: 100}

	metrics, err := c.Collect(context.Background(), s, m)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	// (2 * 100) / (1000 * 0.5) * 100 = 40
	if metrics.NodeHDCrisis != 40 {
		t.Errorf("NodeHDCrisis = %v, want 40", metrics.NodeHDCrisis)
	}
}
