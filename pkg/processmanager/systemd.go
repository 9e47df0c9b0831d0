package processmanager

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/types"
)

// Systemd manages nodes as systemd services: one unit file per node,
// started/stopped/restarted via systemctl, firewall punched via ufw.
// Requires the caller to have passwordless sudo for systemctl, ufw,
// mkdir, cp, chown, tee and rm, the same privilege set the predecessor
// tool required.
type Systemd struct {
	logDir            string
	bootstrapCacheDir string
	run               commandRunner
	writeFile         func(ctx context.Context, path, content string) error
	statDir           func(string) (os.FileInfo, error)
	logger            zerolog.Logger
}

// NewSystemd returns a Systemd backend.
func NewSystemd(cfg Config) *Systemd {
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "/var/log/antnode"
	}
	bootstrap := cfg.BootstrapCacheDir
	if bootstrap == "" {
		bootstrap = "/var/antctl/bootstrap-cache"
	}
	return &Systemd{
		logDir:            logDir,
		bootstrapCacheDir: bootstrap,
		run:               runCommand,
		writeFile:         teeOverStdin,
		statDir:           os.Stat,
		logger:            log.WithComponent("processmanager.systemd"),
	}
}

// teeOverStdin writes content to path as root via "sudo tee", the same
// privilege-preserving way the predecessor tool wrote unit files without
// requiring the caller itself to run as root.
func teeOverStdin(ctx context.Context, path, content string) error {
	cmd := exec.CommandContext(ctx, "sudo", "tee", path)
	cmd.Stdin = strings.NewReader(content)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *Systemd) serviceName(n *types.Node) string {
	if n.Service != "" {
		return n.Service
	}
	return fmt.Sprintf("antnode%s.service", n.NodeName)
}

func (s *Systemd) unitPath(n *types.Node) string {
	return SystemdUnitDir + "/" + s.serviceName(n)
}

func (s *Systemd) nodeLogDir(n *types.Node) string {
	return fmt.Sprintf("%s/antnode%s", s.logDir, n.NodeName)
}

// Create writes a unit file for n and starts it. The binary is copied
// into the node's own root_dir so each node runs its own pinned copy,
// surviving an in-place upgrade of the PATH binary.
func (s *Systemd) Create(ctx context.Context, n *types.Node, binaryPath string) error {
	s.logger.Info().Int("node_id", n.ID).Msg("creating systemd node")

	logDir := s.nodeLogDir(n)
	if _, err := s.run(ctx, "sudo", "mkdir", "-p", n.RootDir, logDir); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}

	if _, err := s.run(ctx, "sudo", "cp", binaryPath, n.RootDir); err != nil {
		return fmt.Errorf("copying binary: %w", err)
	}

	user := n.User
	if user == "" {
		user = "ant"
	}
	if _, err := s.run(ctx, "sudo", "chown", "-R", user+":"+user, n.RootDir, logDir); err != nil {
		return fmt.Errorf("changing ownership: %w", err)
	}

	binaryInNodeDir := n.RootDir + "/antnode"
	args := antnodeArgs(n, binaryInNodeDir, s.bootstrapCacheDir, logDir)
	execStart := strings.Join(quoteArgs(args), " ")

	unit := fmt.Sprintf("[Unit]\nDescription=antnode%s\n[Service]\nUser=%s\nExecStart=%s\nRestart=always\n",
		n.NodeName, user, execStart)

	if err := s.writeFile(ctx, s.unitPath(n), unit); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	if _, err := s.run(ctx, "sudo", "systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	return s.Start(ctx, n)
}

func (s *Systemd) Start(ctx context.Context, n *types.Node) error {
	s.logger.Info().Int("node_id", n.ID).Msg("starting systemd node")
	out, err := s.run(ctx, "sudo", "systemctl", "start", s.serviceName(n))
	if err != nil {
		return fmt.Errorf("starting %s: %w (%s)", s.serviceName(n), err, strings.TrimSpace(string(out)))
	}
	if err := s.EnableFirewallPort(ctx, n.Port, "udp"); err != nil {
		s.logger.Warn().Err(err).Int("port", n.Port).Msg("failed to open firewall port")
	}
	return nil
}

func (s *Systemd) Stop(ctx context.Context, n *types.Node) error {
	s.logger.Info().Int("node_id", n.ID).Msg("stopping systemd node")
	if _, err := s.run(ctx, "sudo", "systemctl", "stop", s.serviceName(n)); err != nil {
		return fmt.Errorf("stopping %s: %w", s.serviceName(n), err)
	}
	if err := s.DisableFirewallPort(ctx, n.Port, "udp"); err != nil {
		s.logger.Warn().Err(err).Int("port", n.Port).Msg("failed to close firewall port")
	}
	return nil
}

func (s *Systemd) Restart(ctx context.Context, n *types.Node) error {
	s.logger.Info().Int("node_id", n.ID).Msg("restarting systemd node")
	if _, err := s.run(ctx, "sudo", "systemctl", "restart", s.serviceName(n)); err != nil {
		return fmt.Errorf("restarting %s: %w", s.serviceName(n), err)
	}
	return nil
}

func (s *Systemd) Status(ctx context.Context, n *types.Node) (NodeProcess, error) {
	out, err := s.run(ctx, "systemctl", "show", s.serviceName(n), "--property=MainPID,ActiveState")
	if err != nil {
		return NodeProcess{Status: StatusUnknown}, nil
	}

	fields := map[string]string{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if ok {
			fields[k] = v
		}
	}

	pid, _ := strconv.Atoi(fields["MainPID"])
	status := StatusUnknown
	switch fields["ActiveState"] {
	case "active":
		status = StatusRunning
	case "inactive", "failed":
		status = StatusStopped
	}

	if _, err := s.statDir(n.RootDir); err != nil {
		status = StatusDead
	}

	if pid <= 0 {
		return NodeProcess{Status: status}, nil
	}
	return NodeProcess{PID: pid, Status: status}, nil
}

// Remove stops the node and deletes its unit file, data and logs.
// Idempotent: each step's failure is logged, not fatal, so a partially
// removed node can be removed again.
func (s *Systemd) Remove(ctx context.Context, n *types.Node) error {
	s.logger.Info().Int("node_id", n.ID).Msg("removing systemd node")
	_ = s.Stop(ctx, n)

	if _, err := s.run(ctx, "sudo", "rm", "-rf", n.RootDir, s.nodeLogDir(n)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove node data")
	}
	if _, err := s.run(ctx, "sudo", "rm", "-f", s.unitPath(n)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to remove unit file")
	}
	if _, err := s.run(ctx, "sudo", "systemctl", "daemon-reload"); err != nil {
		s.logger.Warn().Err(err).Msg("failed to reload systemd")
	}
	return nil
}

func (s *Systemd) EnableFirewallPort(ctx context.Context, port int, proto string) error {
	return ufwEnable(ctx, s.run, port, proto)
}

func (s *Systemd) DisableFirewallPort(ctx context.Context, port int, proto string) error {
	return ufwDisable(ctx, s.run, port, proto)
}

// Survey enumerates every antnode*.service unit systemd knows about and
// reports each as a bare Node shell (id left zero; the Surveyor fills in
// the rest from the metrics endpoint and secret-key mtime).
func (s *Systemd) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	out, err := s.run(ctx, "systemctl", "list-units", "--all", "--type=service", "--no-legend", "--plain")
	if err != nil {
		return nil, fmt.Errorf("listing systemd units: %w", err)
	}
	var nodes []*types.Node
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := fields[0]
		if !strings.HasPrefix(name, "antnode") || !strings.HasSuffix(name, ".service") {
			continue
		}
		nodes = append(nodes, &types.Node{
			Service:     name,
			ManagerType: "systemd",
		})
	}
	return nodes, nil
}

func quoteArgs(args []string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.ContainsAny(a, " \t") {
			out[i] = strconv.Quote(a)
		} else {
			out[i] = a
		}
	}
	return out
}
