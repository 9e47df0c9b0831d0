// Package config resolves the fully-formed MachineConfig record that
// cmd/wnm hands to the supervisor. It layers compiled-in defaults, an
// optional YAML file, environment variables, and explicit CLI overrides,
// lowest precedence first. The core packages (store, collector, updater,
// decision, executor, supervisor) never import this package: they only
// ever see the MachineConfig it produces.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/iweave/wnm/pkg/supervisor"
	"github.com/iweave/wnm/pkg/types"
)

// defaultDonateAddress is the project faucet vault, used when neither the
// file nor the environment names one.
const defaultDonateAddress = "0x00455d78f850b0358E8cea5be24d415E01E107CF"

// Defaults returns the built-in MachineConfig baseline: a new machine
// with nothing else supplied would be configured this way. CPUCount is
// sampled from the running host, mirroring the legacy tool reading
// os.sched_getaffinity(0) at init time.
func Defaults() types.MachineConfig {
	cpus := runtime.NumCPU()
	return types.MachineConfig{
		CPUCount:    cpus,
		NodeCap:     20,
		CPULessThan: 50,
		CPURemove:   70,
		MemLessThan: 70,
		MemRemove:   90,
		HDLessThan:  70,
		HDRemove:    90,

		DesiredLoadAverage:    float64(cpus) * 0.6,
		MaxLoadAverageAllowed: float64(cpus),

		DelayStart:   5,
		DelayRestart: 5,
		DelayUpgrade: 5,
		DelayRemove:  5,

		NodeStorage:      "/var/antctl/services",
		DonateAddress:    defaultDonateAddress,
		PortStart:        55,
		MetricsPortStart: 13,
		CrisisBytes:      5_000_000_000,
		Host:             "127.0.0.1",

		MaxConcurrentUpgrades:   1,
		MaxConcurrentStarts:     1,
		MaxConcurrentRemovals:   1,
		MaxConcurrentOperations: 3,

		NodeRemovalStrategy: types.RemovalStrategyYoungest,
	}
}

// File is the on-disk YAML shape a config file may supply. Every field
// is optional; a field absent from the file simply isn't layered in.
// Field names match the Overrides struct so the same documentation
// ("what does X do") applies to both the file and the flag.
type File struct {
	NodeCap *int `yaml:"node_cap"`

	CPULessThan *int `yaml:"cpu_less_than"`
	CPURemove   *int `yaml:"cpu_remove"`
	MemLessThan *int `yaml:"mem_less_than"`
	MemRemove   *int `yaml:"mem_remove"`
	HDLessThan  *int `yaml:"hd_less_than"`
	HDRemove    *int `yaml:"hd_remove"`

	HDIOReadLessThan   *int64 `yaml:"hd_io_read_less_than"`
	HDIOReadRemove     *int64 `yaml:"hd_io_read_remove"`
	HDIOWriteLessThan  *int64 `yaml:"hd_io_write_less_than"`
	HDIOWriteRemove    *int64 `yaml:"hd_io_write_remove"`
	NetIOReadLessThan  *int64 `yaml:"net_io_read_less_than"`
	NetIOReadRemove    *int64 `yaml:"net_io_read_remove"`
	NetIOWriteLessThan *int64 `yaml:"net_io_write_less_than"`
	NetIOWriteRemove   *int64 `yaml:"net_io_write_remove"`

	DesiredLoadAverage    *float64 `yaml:"desired_load_average"`
	MaxLoadAverageAllowed *float64 `yaml:"max_load_average_allowed"`

	DelayStart   *int `yaml:"delay_start"`
	DelayRestart *int `yaml:"delay_restart"`
	DelayUpgrade *int `yaml:"delay_upgrade"`
	DelayRemove  *int `yaml:"delay_remove"`

	NodeStorage    *string `yaml:"node_storage"`
	RewardsAddress *string `yaml:"rewards_address"`
	DonateAddress  *string `yaml:"donate_address"`

	PortStart        *int   `yaml:"port_start"`
	MetricsPortStart *int   `yaml:"metrics_port_start"`
	CrisisBytes      *int64 `yaml:"crisis_bytes"`

	Host        *string `yaml:"host"`
	Environment *string `yaml:"environment"`
	StartArgs   *string `yaml:"start_args"`

	MaxConcurrentUpgrades   *int `yaml:"max_concurrent_upgrades"`
	MaxConcurrentStarts     *int `yaml:"max_concurrent_starts"`
	MaxConcurrentRemovals   *int `yaml:"max_concurrent_removals"`
	MaxConcurrentOperations *int `yaml:"max_concurrent_operations"`

	NodeRemovalStrategy *types.RemovalStrategy `yaml:"node_removal_strategy"`
}

// LoadFile parses a YAML config file at path. A missing file is not an
// error: it means "nothing layered in from a file", matching the legacy
// tool's default config-file search that silently falls through when
// none of its candidate paths exist.
func LoadFile(path string) (*File, error) {
	if path == "" {
		return &File{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return &f, nil
}

// envField pairs an environment variable name with a setter applied when
// that variable is present. Mirrors the legacy tool's env_var-per-field
// configargparse declarations: every field is independently overridable
// by environment.
type envField struct {
	name string
	set  func(string) error
}

// ApplyEnv layers environment variables onto o, overwriting any field
// the file already set. Unset variables are left alone; a malformed
// value for a set variable is reported by name as an error.
func ApplyEnv(o *supervisor.Overrides, lookup func(string) (string, error)) error {
	fields := []envField{
		{"NodeCap", intSetter(&o.NodeCap)},
		{"CpuLessThan", intSetter(&o.CPULessThan)},
		{"CpuRemove", intSetter(&o.CPURemove)},
		{"MemLessThan", intSetter(&o.MemLessThan)},
		{"MemRemove", intSetter(&o.MemRemove)},
		{"HDLessThan", intSetter(&o.HDLessThan)},
		{"HDRemove", intSetter(&o.HDRemove)},
		{"HDIOReadLessThan", int64Setter(&o.HDIOReadLessThan)},
		{"HDIOReadRemove", int64Setter(&o.HDIOReadRemove)},
		{"HDIOWriteLessThan", int64Setter(&o.HDIOWriteLessThan)},
		{"HDIOWriteRemove", int64Setter(&o.HDIOWriteRemove)},
		{"NetIOReadLessThan", int64Setter(&o.NetIOReadLessThan)},
		{"NetIOReadRemove", int64Setter(&o.NetIOReadRemove)},
		{"NetIOWriteLessThan", int64Setter(&o.NetIOWriteLessThan)},
		{"NetIOWriteRemove", int64Setter(&o.NetIOWriteRemove)},
		{"DesiredLoadAverage", floatSetter(&o.DesiredLoadAverage)},
		{"MaxLoadAverageAllowed", floatSetter(&o.MaxLoadAverageAllowed)},
		{"DelayStart", intSetter(&o.DelayStart)},
		{"DelayRestart", intSetter(&o.DelayRestart)},
		{"DelayUpgrade", intSetter(&o.DelayUpgrade)},
		{"DelayRemove", intSetter(&o.DelayRemove)},
		{"NodeStorage", stringSetter(&o.NodeStorage)},
		{"RewardsAddress", stringSetter(&o.RewardsAddress)},
		{"DonateAddress", stringSetter(&o.DonateAddress)},
		{"PortStart", intSetter(&o.PortStart)},
		{"MetricsPortStart", intSetter(&o.MetricsPortStart)},
		{"CrisisBytes", int64Setter(&o.CrisisBytes)},
		{"Host", stringSetter(&o.Host)},
		{"Environment", stringSetter(&o.Environment)},
		{"StartArgs", stringSetter(&o.StartArgs)},
	}
	for _, f := range fields {
		v, err := lookup(f.name)
		if err != nil {
			return fmt.Errorf("config: reading env %s: %w", f.name, err)
		}
		if v == "" {
			continue
		}
		if err := f.set(v); err != nil {
			return fmt.Errorf("config: env %s=%q: %w", f.name, v, err)
		}
	}
	return nil
}

// LookupEnv adapts os.LookupEnv to ApplyEnv's (string) (string, error)
// shape: an unset variable is reported as "", nil rather than an error.
func LookupEnv(name string) (string, error) {
	v, _ := os.LookupEnv(name)
	return v, nil
}

func intSetter(dst **int) func(string) error {
	return func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = &n
		return nil
	}
}

func int64Setter(dst **int64) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*dst = &n
		return nil
	}
}

func floatSetter(dst **float64) func(string) error {
	return func(s string) error {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = &n
		return nil
	}
}

func stringSetter(dst **string) func(string) error {
	return func(s string) error {
		v := s
		*dst = &v
		return nil
	}
}

// fileToOverrides copies every field File sets into an Overrides value,
// so LoadFile's result can be layered through the same applyOverrides
// path as an environment or CLI layer.
func fileToOverrides(f *File) *supervisor.Overrides {
	if f == nil {
		return &supervisor.Overrides{}
	}
	return &supervisor.Overrides{
		NodeCap:                 f.NodeCap,
		CPULessThan:             f.CPULessThan,
		CPURemove:               f.CPURemove,
		MemLessThan:             f.MemLessThan,
		MemRemove:               f.MemRemove,
		HDLessThan:              f.HDLessThan,
		HDRemove:                f.HDRemove,
		HDIOReadLessThan:        f.HDIOReadLessThan,
		HDIOReadRemove:          f.HDIOReadRemove,
		HDIOWriteLessThan:       f.HDIOWriteLessThan,
		HDIOWriteRemove:         f.HDIOWriteRemove,
		NetIOReadLessThan:       f.NetIOReadLessThan,
		NetIOReadRemove:         f.NetIOReadRemove,
		NetIOWriteLessThan:      f.NetIOWriteLessThan,
		NetIOWriteRemove:        f.NetIOWriteRemove,
		DesiredLoadAverage:      f.DesiredLoadAverage,
		MaxLoadAverageAllowed:   f.MaxLoadAverageAllowed,
		DelayStart:              f.DelayStart,
		DelayRestart:            f.DelayRestart,
		DelayUpgrade:            f.DelayUpgrade,
		DelayRemove:             f.DelayRemove,
		NodeStorage:             f.NodeStorage,
		RewardsAddress:          f.RewardsAddress,
		DonateAddress:           f.DonateAddress,
		PortStart:               f.PortStart,
		MetricsPortStart:        f.MetricsPortStart,
		CrisisBytes:             f.CrisisBytes,
		Host:                    f.Host,
		Environment:             f.Environment,
		StartArgs:               f.StartArgs,
		MaxConcurrentUpgrades:   f.MaxConcurrentUpgrades,
		MaxConcurrentStarts:     f.MaxConcurrentStarts,
		MaxConcurrentRemovals:   f.MaxConcurrentRemovals,
		MaxConcurrentOperations: f.MaxConcurrentOperations,
		NodeRemovalStrategy:     f.NodeRemovalStrategy,
	}
}

// merge layers src onto dst: every non-nil field of src wins over dst's,
// in increasing-precedence order (file, then env, then CLI flags).
func merge(dst *supervisor.Overrides, src *supervisor.Overrides) {
	if src.NodeCap != nil {
		dst.NodeCap = src.NodeCap
	}
	if src.CPULessThan != nil {
		dst.CPULessThan = src.CPULessThan
	}
	if src.CPURemove != nil {
		dst.CPURemove = src.CPURemove
	}
	if src.MemLessThan != nil {
		dst.MemLessThan = src.MemLessThan
	}
	if src.MemRemove != nil {
		dst.MemRemove = src.MemRemove
	}
	if src.HDLessThan != nil {
		dst.HDLessThan = src.HDLessThan
	}
	if src.HDRemove != nil {
		dst.HDRemove = src.HDRemove
	}
	if src.HDIOReadLessThan != nil {
		dst.HDIOReadLessThan = src.HDIOReadLessThan
	}
	if src.HDIOReadRemove != nil {
		dst.HDIOReadRemove = src.HDIOReadRemove
	}
	if src.HDIOWriteLessThan != nil {
		dst.HDIOWriteLessThan = src.HDIOWriteLessThan
	}
	if src.HDIOWriteRemove != nil {
		dst.HDIOWriteRemove = src.HDIOWriteRemove
	}
	if src.NetIOReadLessThan != nil {
		dst.NetIOReadLessThan = src.NetIOReadLessThan
	}
	if src.NetIOReadRemove != nil {
		dst.NetIOReadRemove = src.NetIOReadRemove
	}
	if src.NetIOWriteLessThan != nil {
		dst.NetIOWriteLessThan = src.NetIOWriteLessThan
	}
	if src.NetIOWriteRemove != nil {
		dst.NetIOWriteRemove = src.NetIOWriteRemove
	}
	if src.DesiredLoadAverage != nil {
		dst.DesiredLoadAverage = src.DesiredLoadAverage
	}
	if src.MaxLoadAverageAllowed != nil {
		dst.MaxLoadAverageAllowed = src.MaxLoadAverageAllowed
	}
	if src.DelayStart != nil {
		dst.DelayStart = src.DelayStart
	}
	if src.DelayRestart != nil {
		dst.DelayRestart = src.DelayRestart
	}
	if src.DelayUpgrade != nil {
		dst.DelayUpgrade = src.DelayUpgrade
	}
	if src.DelayRemove != nil {
		dst.DelayRemove = src.DelayRemove
	}
	if src.NodeStorage != nil {
		dst.NodeStorage = src.NodeStorage
	}
	if src.RewardsAddress != nil {
		dst.RewardsAddress = src.RewardsAddress
	}
	if src.DonateAddress != nil {
		dst.DonateAddress = src.DonateAddress
	}
	if src.PortStart != nil {
		dst.PortStart = src.PortStart
	}
	if src.MetricsPortStart != nil {
		dst.MetricsPortStart = src.MetricsPortStart
	}
	if src.CrisisBytes != nil {
		dst.CrisisBytes = src.CrisisBytes
	}
	if src.Host != nil {
		dst.Host = src.Host
	}
	if src.Environment != nil {
		dst.Environment = src.Environment
	}
	if src.StartArgs != nil {
		dst.StartArgs = src.StartArgs
	}
	if src.MaxConcurrentUpgrades != nil {
		dst.MaxConcurrentUpgrades = src.MaxConcurrentUpgrades
	}
	if src.MaxConcurrentStarts != nil {
		dst.MaxConcurrentStarts = src.MaxConcurrentStarts
	}
	if src.MaxConcurrentRemovals != nil {
		dst.MaxConcurrentRemovals = src.MaxConcurrentRemovals
	}
	if src.MaxConcurrentOperations != nil {
		dst.MaxConcurrentOperations = src.MaxConcurrentOperations
	}
	if src.NodeRemovalStrategy != nil {
		dst.NodeRemovalStrategy = src.NodeRemovalStrategy
	}
}

// Resolve layers file, environment, and cli (highest precedence) into a
// single Overrides value cmd/wnm can hand to supervisor.Options.
// Defaults are applied separately by the supervisor itself on a
// first --init run (see supervisor.loadMachine); Resolve only produces
// the override layer on top of them.
func Resolve(file *File, lookup func(string) (string, error), cli *supervisor.Overrides) (*supervisor.Overrides, error) {
	merged := &supervisor.Overrides{}
	merge(merged, fileToOverrides(file))

	if lookup == nil {
		lookup = LookupEnv
	}
	if err := ApplyEnv(merged, lookup); err != nil {
		return nil, err
	}

	if cli != nil {
		merge(merged, cli)
	}
	return merged, nil
}

// ValidationError aggregates every invariant violation Validate finds,
// rather than stopping at the first, so an operator fixing a config file
// sees every problem in one pass.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid machine configuration: %s", strings.Join(e.Violations, "; "))
}

// Validate checks the Machine invariants from the data model: threshold
// ordering (an "add" threshold may not exceed its "remove" threshold)
// and well-formed ports/delays/concurrency caps. It does not
// check port_start/metrics_port_start immutability post-init; that is
// enforced by supervisor.applyOverrides, which has the only component
// that knows whether a Machine row already exists.
func Validate(m *types.MachineConfig) error {
	var violations []string
	add := func(format string, args ...any) {
		violations = append(violations, fmt.Sprintf(format, args...))
	}

	if m.NodeCap < 0 {
		add("node_cap must be >= 0, got %d", m.NodeCap)
	}
	if m.CPULessThan > m.CPURemove {
		add("cpu_less_than (%d) must not exceed cpu_remove (%d)", m.CPULessThan, m.CPURemove)
	}
	if m.MemLessThan > m.MemRemove {
		add("mem_less_than (%d) must not exceed mem_remove (%d)", m.MemLessThan, m.MemRemove)
	}
	if m.HDLessThan > m.HDRemove {
		add("hd_less_than (%d) must not exceed hd_remove (%d)", m.HDLessThan, m.HDRemove)
	}
	if m.DelayStart < 0 || m.DelayRestart < 0 || m.DelayUpgrade < 0 || m.DelayRemove < 0 {
		add("delay fields must be >= 0 seconds")
	}
	if m.PortStart <= 0 || m.PortStart > 65535 {
		add("port_start must be a valid port number, got %d", m.PortStart)
	}
	if m.MetricsPortStart <= 0 || m.MetricsPortStart > 65535 {
		add("metrics_port_start must be a valid port number, got %d", m.MetricsPortStart)
	}
	if m.RewardsAddress == "" {
		add("rewards_address is required")
	}
	if m.CrisisBytes < 0 {
		add("crisis_bytes must be >= 0")
	}
	if m.MaxConcurrentUpgrades < 0 || m.MaxConcurrentStarts < 0 || m.MaxConcurrentRemovals < 0 || m.MaxConcurrentOperations < 0 {
		add("max_concurrent_* fields must be >= 0")
	}
	switch m.NodeRemovalStrategy {
	case "", types.RemovalStrategyYoungest:
	default:
		add("node_removal_strategy %q is not recognized", m.NodeRemovalStrategy)
	}

	if len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}
	return nil
}
