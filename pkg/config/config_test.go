package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iweave/wnm/pkg/supervisor"
	"github.com/iweave/wnm/pkg/types"
)

func TestDefaults_ThresholdsAreWellOrdered(t *testing.T) {
	m := Defaults()
	if err := Validate(&m); err == nil {
		t.Fatalf("Validate(Defaults()) error = nil, want rewards_address violation")
	}
	m.RewardsAddress = "0xabc"
	if err := Validate(&m); err != nil {
		t.Fatalf("Validate(Defaults()+RewardsAddress) error = %v, want nil", err)
	}
}

func TestLoadFile_MissingPathIsNotAnError(t *testing.T) {
	f, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if f.NodeCap != nil {
		t.Errorf("NodeCap = %v, want nil for a missing file", f.NodeCap)
	}
}

func TestLoadFile_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wnm.yaml")
	writeFile(t, path, "node_cap: 12\nrewards_address: \"0xdeadbeef\"\n")

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if f.NodeCap == nil || *f.NodeCap != 12 {
		t.Errorf("NodeCap = %v, want 12", f.NodeCap)
	}
	if f.RewardsAddress == nil || *f.RewardsAddress != "0xdeadbeef" {
		t.Errorf("RewardsAddress = %v, want 0xdeadbeef", f.RewardsAddress)
	}
}

func TestResolve_EnvOverridesFileAndCliOverridesEnv(t *testing.T) {
	nodeCapFile := 10
	file := &File{NodeCap: &nodeCapFile}

	lookup := func(name string) (string, error) {
		if name == "NodeCap" {
			return "15", nil
		}
		return "", nil
	}

	nodeCapCLI := 20
	cli := &supervisor.Overrides{NodeCap: &nodeCapCLI}

	merged, err := Resolve(file, lookup, cli)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if merged.NodeCap == nil || *merged.NodeCap != 20 {
		t.Errorf("NodeCap = %v, want 20 (cli wins)", merged.NodeCap)
	}
}

func TestResolve_EnvWinsOverFileWhenNoCliOverride(t *testing.T) {
	nodeCapFile := 10
	file := &File{NodeCap: &nodeCapFile}

	lookup := func(name string) (string, error) {
		if name == "NodeCap" {
			return "15", nil
		}
		return "", nil
	}

	merged, err := Resolve(file, lookup, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if merged.NodeCap == nil || *merged.NodeCap != 15 {
		t.Errorf("NodeCap = %v, want 15 (env wins over file)", merged.NodeCap)
	}
}

func TestApplyEnv_MalformedValueIsReported(t *testing.T) {
	o := &supervisor.Overrides{}
	lookup := func(name string) (string, error) {
		if name == "NodeCap" {
			return "not-a-number", nil
		}
		return "", nil
	}
	if err := ApplyEnv(o, lookup); err == nil {
		t.Fatalf("ApplyEnv() error = nil, want a parse error")
	}
}

func TestValidate_AggregatesEveryViolation(t *testing.T) {
	m := &types.MachineConfig{
		CPULessThan:      80,
		CPURemove:        50,
		MemLessThan:      80,
		MemRemove:        50,
		HDLessThan:       80,
		HDRemove:         50,
		PortStart:        0,
		MetricsPortStart: 0,
	}
	err := Validate(m)
	if err == nil {
		t.Fatalf("Validate() error = nil, want multiple violations")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("Validate() error type = %T, want *ValidationError", err)
	}
	if len(ve.Violations) < 5 {
		t.Errorf("len(Violations) = %d, want at least 5, got %v", len(ve.Violations), ve.Violations)
	}
}

func TestValidate_RejectsUnknownRemovalStrategy(t *testing.T) {
	m := Defaults()
	m.RewardsAddress = "0xabc"
	m.NodeRemovalStrategy = types.RemovalStrategy("oldest")
	if err := Validate(&m); err == nil {
		t.Fatalf("Validate() error = nil, want a removal-strategy violation")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing test fixture %s: %v", path, err)
	}
}
