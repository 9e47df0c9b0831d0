package processmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/types"
)

// Background runs a node as a bare setsid-detached process, with no
// service manager involved at all: antnode is launched directly and
// its pid recorded in a pidfile under the node's own root_dir. Used on
// hosts where neither systemd nor launchd ownership of the process is
// wanted, e.g. disposable test hosts.
type Background struct {
	bootstrapCacheDir string
	logDir            string
	start             func(binary string, args []string, logFile string) (int, error)
	signal            func(pid int, sig syscall.Signal) error
	readPidFile       func(path string) (int, error)
	writePidFile      func(path string, pid int) error
	removePidFile     func(path string) error
	run               commandRunner
	logger            zerolog.Logger
}

// NewBackground returns a Background backend.
func NewBackground(cfg Config) *Background {
	bootstrap := cfg.BootstrapCacheDir
	if bootstrap == "" {
		bootstrap = "/var/antctl/bootstrap-cache"
	}
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "/var/log/antnode"
	}
	return &Background{
		bootstrapCacheDir: bootstrap,
		logDir:            logDir,
		start:             startDetached,
		signal:            signalProcess,
		readPidFile:       readPidFile,
		writePidFile:      writePidFile,
		removePidFile:     os.Remove,
		run:               runCommand,
		logger:            log.WithComponent("processmanager.background"),
	}
}

func (b *Background) pidFile(n *types.Node) string {
	return n.RootDir + "/wnm.pid"
}

func (b *Background) nodeLogFile(n *types.Node) string {
	return fmt.Sprintf("%s/antnode%s.log", b.logDir, n.NodeName)
}

// Create copies the binary into root_dir and launches it detached.
func (b *Background) Create(ctx context.Context, n *types.Node, binaryPath string) error {
	b.logger.Info().Int("node_id", n.ID).Msg("creating background node")

	if err := os.MkdirAll(n.RootDir, 0o755); err != nil {
		return fmt.Errorf("creating root dir: %w", err)
	}
	nodeBinary := n.RootDir + "/antnode"
	if err := copyFile(binaryPath, nodeBinary, 0o755); err != nil {
		return fmt.Errorf("copying binary: %w", err)
	}

	if err := b.Start(ctx, n); err != nil {
		return err
	}
	return b.EnableFirewallPort(ctx, n.Port, "udp")
}

func (b *Background) Start(ctx context.Context, n *types.Node) error {
	b.logger.Info().Int("node_id", n.ID).Msg("starting background node")
	nodeBinary := n.RootDir + "/antnode"
	args := antnodeArgs(n, nodeBinary, b.bootstrapCacheDir, b.logDir)[1:] // drop the binary path itself

	pid, err := b.start(nodeBinary, args, b.nodeLogFile(n))
	if err != nil {
		return fmt.Errorf("launching antnode: %w", err)
	}
	if err := b.writePidFile(b.pidFile(n), pid); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

// Stop sends SIGTERM to the recorded pid. A missing pidfile, or a pid
// that no longer corresponds to a live process, is treated as already
// stopped.
func (b *Background) Stop(ctx context.Context, n *types.Node) error {
	b.logger.Info().Int("node_id", n.ID).Msg("stopping background node")
	pid, err := b.readPidFile(b.pidFile(n))
	if err != nil {
		return nil
	}
	if err := b.signal(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	_ = b.removePidFile(b.pidFile(n))
	return b.DisableFirewallPort(ctx, n.Port, "udp")
}

func (b *Background) Restart(ctx context.Context, n *types.Node) error {
	if err := b.Stop(ctx, n); err != nil {
		return err
	}
	return b.Start(ctx, n)
}

func (b *Background) Status(ctx context.Context, n *types.Node) (NodeProcess, error) {
	pid, err := b.readPidFile(b.pidFile(n))
	if err != nil {
		return NodeProcess{Status: StatusStopped}, nil
	}
	if err := b.signal(pid, syscall.Signal(0)); err != nil {
		return NodeProcess{Status: StatusDead}, nil
	}
	return NodeProcess{PID: pid, Status: StatusRunning}, nil
}

// Remove stops the process and deletes its data directory. Idempotent:
// a missing root_dir is not an error.
func (b *Background) Remove(ctx context.Context, n *types.Node) error {
	b.logger.Info().Int("node_id", n.ID).Msg("removing background node")
	_ = b.Stop(ctx, n)
	if err := os.RemoveAll(n.RootDir); err != nil {
		return fmt.Errorf("removing root dir: %w", err)
	}
	return nil
}

func (b *Background) EnableFirewallPort(ctx context.Context, port int, proto string) error {
	return ufwEnable(ctx, b.run, port, proto)
}

func (b *Background) DisableFirewallPort(ctx context.Context, port int, proto string) error {
	return ufwDisable(ctx, b.run, port, proto)
}

// Survey is not implemented: a bare detached process leaves no
// enumerable registry behind beyond the pidfile already tracked per
// node, so there is nothing new to discover by scanning the host.
func (b *Background) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	return nil, ErrNotSupported
}

func startDetached(binary string, args []string, logFile string) (int, error) {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("opening log file: %w", err)
	}
	defer f.Close()

	cmd := exec.Command(binary, args...)
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func writePidFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}
