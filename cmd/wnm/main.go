package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	wnmconfig "github.com/iweave/wnm/pkg/config"
	"github.com/iweave/wnm/pkg/hostmetrics"
	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/metrics"
	"github.com/iweave/wnm/pkg/processmanager"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "wnm",
	Short:   "wnm reconciles a host's antnode fleet against its declared configuration",
	Long:    "wnm is a one-shot, cron-triggered supervisor that samples host resources, ages transitional nodes, decides what to start/stop/upgrade/remove, and executes it against the host's antnode processes.",
	Version: Version,
	RunE:    runReconcile,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("wnm version %s (%s)\n", Version, Commit))

	flags := rootCmd.Flags()
	flags.String("data-dir", "/var/lib/wnm", "store data directory")
	flags.String("config", "", "optional YAML config file")
	flags.Bool("init", false, "initialize the Machine row on first run")
	flags.Bool("dry-run", false, "log what would be done without touching the store or any process")
	flags.Bool("migrate-anm", false, "parse discovered units in the legacy anm tool's unit format; combined with --init, adopts its fleet before the first regular run")
	flags.Bool("teardown", false, "delete every node and reset the id allocator, bypassing the regular run; requires --confirm")
	flags.Bool("confirm", false, "confirm a --teardown")
	flags.String("default-manager-type", "systemd", "ProcessManager backend newly added nodes are created under")
	flags.String("lock-path", supervisor.DefaultLockPath, "single-instance lock file path")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit logs as JSON")
	flags.String("serve-metrics", "", "if set, bind address (e.g. 127.0.0.1:9090) to serve /metrics after the run completes, instead of exiting immediately")

	flags.Int("node-cap", 0, "override node_cap")
	flags.Int("cpu-less-than", 0, "override cpu_less_than")
	flags.Int("cpu-remove", 0, "override cpu_remove")
	flags.Int("mem-less-than", 0, "override mem_less_than")
	flags.Int("mem-remove", 0, "override mem_remove")
	flags.Int("hd-less-than", 0, "override hd_less_than")
	flags.Int("hd-remove", 0, "override hd_remove")
	flags.Int("delay-start", 0, "override delay_start (seconds)")
	flags.Int("delay-restart", 0, "override delay_restart (seconds)")
	flags.Int("delay-upgrade", 0, "override delay_upgrade (seconds)")
	flags.Int("delay-remove", 0, "override delay_remove (seconds)")
	flags.String("node-storage", "", "override node_storage")
	flags.String("rewards-address", "", "override rewards_address")
	flags.String("donate-address", "", "override donate_address")
	flags.Int("port-start", 0, "override port_start (only allowed on --init)")
	flags.Int("metrics-port-start", 0, "override metrics_port_start (only allowed on --init)")
	flags.String("host", "", "override host")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()

	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})

	configPath, _ := flags.GetString("config")
	file, err := wnmconfig.LoadFile(configPath)
	if err != nil {
		return err
	}

	cli := overridesFromFlags(flags)
	overrides, err := wnmconfig.Resolve(file, wnmconfig.LookupEnv, cli)
	if err != nil {
		return err
	}

	dataDir, _ := flags.GetString("data-dir")
	s, err := store.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	sampler, err := hostmetrics.NewSampler()
	if err != nil {
		return fmt.Errorf("initializing host sampler: %w", err)
	}

	dryRun, _ := flags.GetBool("dry-run")
	initFlag, _ := flags.GetBool("init")
	migrateAnm, _ := flags.GetBool("migrate-anm")
	teardown, _ := flags.GetBool("teardown")
	confirm, _ := flags.GetBool("confirm")
	defaultManagerType, _ := flags.GetString("default-manager-type")
	lockPath, _ := flags.GetString("lock-path")

	if teardown && !confirm {
		return fmt.Errorf("please confirm the teardown with --confirm")
	}

	pmConfig := processmanager.Config{LogDir: "/var/log/wnm"}

	sv := supervisor.New(s, sampler)
	outcomes, err := sv.Run(cmd.Context(), supervisor.Options{
		Init:               initFlag,
		DryRun:             dryRun,
		MigrateAnm:         migrateAnm,
		Teardown:           teardown,
		Confirm:            confirm,
		Overrides:          overrides,
		LockPath:           lockPath,
		DefaultManagerType: defaultManagerType,
		ManagerFor: func(managerType string) (processmanager.ProcessManager, error) {
			return processmanager.For(managerType, pmConfig)
		},
	})
	if err != nil {
		return err
	}

	for _, o := range outcomes {
		if !o.Ok() {
			fmt.Fprintf(os.Stderr, "action %s failed: %v\n", o.Action.Kind, o.Err)
		}
	}

	if addr, _ := flags.GetString("serve-metrics"); addr != "" {
		http.Handle("/metrics", metrics.Handler())
		fmt.Printf("serving metrics on %s\n", addr)
		return http.ListenAndServe(addr, nil)
	}

	return nil
}

// overridesFromFlags builds the CLI override layer, the highest
// precedence in config.Resolve: only flags the operator actually typed
// (flags.Changed) are set, so an unset --node-cap doesn't clobber a
// value already supplied by the config file or the environment.
func overridesFromFlags(flags *pflag.FlagSet) *supervisor.Overrides {
	o := &supervisor.Overrides{}
	setIntIfChanged(flags, "node-cap", &o.NodeCap)
	setIntIfChanged(flags, "cpu-less-than", &o.CPULessThan)
	setIntIfChanged(flags, "cpu-remove", &o.CPURemove)
	setIntIfChanged(flags, "mem-less-than", &o.MemLessThan)
	setIntIfChanged(flags, "mem-remove", &o.MemRemove)
	setIntIfChanged(flags, "hd-less-than", &o.HDLessThan)
	setIntIfChanged(flags, "hd-remove", &o.HDRemove)
	setIntIfChanged(flags, "delay-start", &o.DelayStart)
	setIntIfChanged(flags, "delay-restart", &o.DelayRestart)
	setIntIfChanged(flags, "delay-upgrade", &o.DelayUpgrade)
	setIntIfChanged(flags, "delay-remove", &o.DelayRemove)
	setIntIfChanged(flags, "port-start", &o.PortStart)
	setIntIfChanged(flags, "metrics-port-start", &o.MetricsPortStart)
	setStringIfChanged(flags, "node-storage", &o.NodeStorage)
	setStringIfChanged(flags, "rewards-address", &o.RewardsAddress)
	setStringIfChanged(flags, "donate-address", &o.DonateAddress)
	setStringIfChanged(flags, "host", &o.Host)
	return o
}

func setIntIfChanged(flags *pflag.FlagSet, name string, dst **int) {
	if !flags.Changed(name) {
		return
	}
	v, _ := flags.GetInt(name)
	*dst = &v
}

func setStringIfChanged(flags *pflag.FlagSet, name string, dst **string) {
	if !flags.Changed(name) {
		return
	}
	v, _ := flags.GetString(name)
	*dst = &v
}
