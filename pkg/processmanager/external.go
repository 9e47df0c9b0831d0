package processmanager

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/types"
)

// invocationMode picks how External shells out to antctl.
type invocationMode string

const (
	// modeDirect runs antctl as the current user.
	modeDirect invocationMode = "direct"
	// modeSudo prefixes every call with sudo, for hosts where antctl's
	// targets require root (service files, firewall rules) but wnm
	// itself runs unprivileged.
	modeSudo invocationMode = "sudo"
	// modeSetsid detaches the antctl invocation itself via setsid, for
	// antctl subcommands that otherwise block the caller.
	modeSetsid invocationMode = "setsid"
)

// External wraps antctl, a third-party node-control binary, via
// os/exec rather than reimplementing its logic. Used for hosts where
// neither systemd nor launchd ownership is desired and the fleet is
// instead fronted by an existing antctl installation.
type External struct {
	binary string
	mode   invocationMode
	run    commandRunner
	logger zerolog.Logger
}

// NewExternal returns an External backend. managerType selects the
// invocation mode: "external" (direct), "external-sudo", or
// "external-setsid"; any other value falls back to direct.
func NewExternal(cfg Config, managerType string) *External {
	binary := cfg.AntctlPath
	if binary == "" {
		binary = "antctl"
	}
	mode := modeDirect
	switch managerType {
	case "external-sudo":
		mode = modeSudo
	case "external-setsid":
		mode = modeSetsid
	}
	return &External{
		binary: binary,
		mode:   mode,
		run:    runCommand,
		logger: log.WithComponent("processmanager.external"),
	}
}

// argv builds the full command line for an antctl subcommand, applying
// the configured invocation mode.
func (e *External) argv(args ...string) (string, []string) {
	call := append([]string{e.binary}, args...)
	switch e.mode {
	case modeSudo:
		return "sudo", call
	case modeSetsid:
		return "setsid", call
	default:
		return call[0], call[1:]
	}
}

func (e *External) exec(ctx context.Context, args ...string) (string, error) {
	name, callArgs := e.argv(args...)
	out, err := e.run(ctx, name, callArgs...)
	return strings.TrimSpace(string(out)), err
}

func (e *External) Create(ctx context.Context, n *types.Node, binaryPath string) error {
	e.logger.Info().Int("node_id", n.ID).Msg("creating external node")
	_, err := e.exec(ctx, "add",
		"--id", strconv.Itoa(n.ID),
		"--port", strconv.Itoa(n.Port),
		"--metrics-port", strconv.Itoa(n.MetricsPort),
		"--root-dir", n.RootDir,
		"--rewards-address", n.Wallet,
		"--network", n.Network,
		"--binary", binaryPath,
	)
	if err != nil {
		return fmt.Errorf("antctl add: %w", err)
	}
	return nil
}

func (e *External) Start(ctx context.Context, n *types.Node) error {
	e.logger.Info().Int("node_id", n.ID).Msg("starting external node")
	if _, err := e.exec(ctx, "start", strconv.Itoa(n.ID)); err != nil {
		return fmt.Errorf("antctl start: %w", err)
	}
	return nil
}

// Stop succeeds even when antctl reports the node already stopped,
// matching the idempotence every backend's Stop must provide.
func (e *External) Stop(ctx context.Context, n *types.Node) error {
	e.logger.Info().Int("node_id", n.ID).Msg("stopping external node")
	out, err := e.exec(ctx, "stop", strconv.Itoa(n.ID))
	if err != nil && !strings.Contains(strings.ToLower(out), "already stopped") {
		return fmt.Errorf("antctl stop: %w", err)
	}
	return nil
}

func (e *External) Restart(ctx context.Context, n *types.Node) error {
	e.logger.Info().Int("node_id", n.ID).Msg("restarting external node")
	if _, err := e.exec(ctx, "restart", strconv.Itoa(n.ID)); err != nil {
		return fmt.Errorf("antctl restart: %w", err)
	}
	return nil
}

func (e *External) Status(ctx context.Context, n *types.Node) (NodeProcess, error) {
	out, err := e.exec(ctx, "status", strconv.Itoa(n.ID))
	if err != nil {
		return NodeProcess{Status: StatusUnknown}, nil
	}
	status := StatusUnknown
	switch {
	case strings.Contains(out, "running"):
		status = StatusRunning
	case strings.Contains(out, "stopped"):
		status = StatusStopped
	case strings.Contains(out, "dead"):
		status = StatusDead
	}
	return NodeProcess{Status: status}, nil
}

// Remove succeeds even when antctl reports no such node, the same
// already-removed idempotence every backend's Remove must provide.
func (e *External) Remove(ctx context.Context, n *types.Node) error {
	e.logger.Info().Int("node_id", n.ID).Msg("removing external node")
	out, err := e.exec(ctx, "remove", strconv.Itoa(n.ID))
	if err != nil && !strings.Contains(strings.ToLower(out), "not found") {
		return fmt.Errorf("antctl remove: %w", err)
	}
	return nil
}

func (e *External) EnableFirewallPort(ctx context.Context, port int, proto string) error {
	if _, err := e.exec(ctx, "firewall", "allow", strconv.Itoa(port), proto); err != nil {
		return fmt.Errorf("antctl firewall allow: %w", err)
	}
	return nil
}

func (e *External) DisableFirewallPort(ctx context.Context, port int, proto string) error {
	out, err := e.exec(ctx, "firewall", "deny", strconv.Itoa(port), proto)
	if err != nil && !strings.Contains(strings.ToLower(out), "not found") {
		return fmt.Errorf("antctl firewall deny: %w", err)
	}
	return nil
}

// Survey asks antctl to list every node it manages, one id per line.
func (e *External) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	out, err := e.exec(ctx, "list", "--ids-only")
	if err != nil {
		return nil, fmt.Errorf("antctl list: %w", err)
	}
	var nodes []*types.Node
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		nodes = append(nodes, &types.Node{ID: id, ManagerType: "external"})
	}
	return nodes, nil
}
