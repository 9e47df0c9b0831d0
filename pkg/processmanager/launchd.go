package processmanager

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/types"
)

var (
	launchctlPIDRe  = regexp.MustCompile(`"PID"\s*=\s*(\d+)`)
	launchctlExitRe = regexp.MustCompile(`"LastExitStatus"\s*=\s*(-?\d+)`)
)

// Launchd manages nodes as macOS launchd user agents: one plist per
// node under ~/Library/LaunchAgents, loaded/unloaded with launchctl.
// Runs unprivileged, at user level, and treats firewall control as a
// no-op (macOS has no ufw-equivalent CLI this repository depends on;
// the pf packet filter is configured host-wide, not per-port, by an
// operator outside wnm's scope).
type Launchd struct {
	logDir            string
	bootstrapCacheDir string
	plistDir          string
	run               commandRunner
	writeFile         func(path, content string) error
	statFile          func(string) (os.FileInfo, error)
	removeFile        func(string) error
	removeAll         func(string) error
	logger            zerolog.Logger
}

// NewLaunchd returns a Launchd backend rooted at the current user's
// LaunchAgents directory.
func NewLaunchd(cfg Config) *Launchd {
	logDir := cfg.LogDir
	if logDir == "" {
		logDir = "/var/log/antnode"
	}
	bootstrap := cfg.BootstrapCacheDir
	if bootstrap == "" {
		bootstrap = "/var/antctl/bootstrap-cache"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	plistDir := filepath.Join(home, "Library", "LaunchAgents")
	_ = os.MkdirAll(plistDir, 0o755)

	return &Launchd{
		logDir:            logDir,
		bootstrapCacheDir: bootstrap,
		plistDir:          plistDir,
		run:               runCommand,
		writeFile:         func(path, content string) error { return os.WriteFile(path, []byte(content), 0o644) },
		statFile:          os.Stat,
		removeFile:        os.Remove,
		removeAll:         os.RemoveAll,
		logger:            log.WithComponent("processmanager.launchd"),
	}
}

func (l *Launchd) label(n *types.Node) string {
	return fmt.Sprintf("com.autonomi.antnode-%d", n.ID)
}

func (l *Launchd) plistPath(n *types.Node) string {
	return filepath.Join(l.plistDir, l.label(n)+".plist")
}

func (l *Launchd) nodeLogFile(n *types.Node) string {
	return filepath.Join(l.logDir, fmt.Sprintf("antnode%s.log", n.NodeName))
}

func (l *Launchd) domain() string {
	uid := os.Getuid()
	if u, err := user.Current(); err == nil {
		if v, err := strconv.Atoi(u.Uid); err == nil {
			uid = v
		}
	}
	return fmt.Sprintf("gui/%d", uid)
}

func (l *Launchd) plistContent(n *types.Node, binaryPath string) string {
	args := antnodeArgs(n, binaryPath, l.bootstrapCacheDir, l.logDir)
	var argsXML strings.Builder
	for _, a := range args {
		argsXML.WriteString("        <string>" + a + "</string>\n")
	}
	logFile := l.nodeLogFile(n)
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>WorkingDirectory</key>
    <string>%s</string>
    <key>StandardOutPath</key>
    <string>%s</string>
    <key>StandardErrorPath</key>
    <string>%s</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
</dict>
</plist>
`, l.label(n), argsXML.String(), n.RootDir, logFile, logFile)
}

// Create copies the binary into the node's own directory, writes and
// loads a plist.
func (l *Launchd) Create(ctx context.Context, n *types.Node, binaryPath string) error {
	l.logger.Info().Int("node_id", n.ID).Msg("creating launchd node")

	if err := os.MkdirAll(n.RootDir, 0o755); err != nil {
		return fmt.Errorf("creating root dir: %w", err)
	}

	nodeBinary := filepath.Join(n.RootDir, "antnode")
	if err := copyFile(binaryPath, nodeBinary, 0o755); err != nil {
		return fmt.Errorf("copying binary: %w", err)
	}

	content := l.plistContent(n, nodeBinary)
	if err := l.writeFile(l.plistPath(n), content); err != nil {
		return fmt.Errorf("writing plist: %w", err)
	}

	if out, err := l.run(ctx, "launchctl", "load", l.plistPath(n)); err != nil {
		return fmt.Errorf("loading service: %w (%s)", err, strings.TrimSpace(string(out)))
	}

	if err := l.EnableFirewallPort(ctx, n.Port, "udp"); err != nil {
		l.logger.Warn().Err(err).Int("port", n.Port).Msg("failed to enable firewall")
	}
	return nil
}

func (l *Launchd) Start(ctx context.Context, n *types.Node) error {
	l.logger.Info().Int("node_id", n.ID).Msg("starting launchd node")
	if _, err := l.statFile(l.plistPath(n)); err != nil {
		return fmt.Errorf("plist not found: %w", err)
	}
	if out, err := l.run(ctx, "launchctl", "load", l.plistPath(n)); err != nil {
		return fmt.Errorf("starting node: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Stop unloads the node's agent. Treats a missing plist, or launchctl
// reporting the service already unloaded, as success.
func (l *Launchd) Stop(ctx context.Context, n *types.Node) error {
	l.logger.Info().Int("node_id", n.ID).Msg("stopping launchd node")
	if _, err := l.statFile(l.plistPath(n)); err != nil {
		return nil
	}
	out, err := l.run(ctx, "launchctl", "unload", l.plistPath(n))
	if err != nil && !strings.Contains(string(out), "Could not find specified service") {
		return fmt.Errorf("stopping node: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return l.DisableFirewallPort(ctx, n.Port, "udp")
}

// Restart uses kickstart -k; falls back to an unload/load cycle if that
// fails (the agent may not be loaded at all yet).
func (l *Launchd) Restart(ctx context.Context, n *types.Node) error {
	l.logger.Info().Int("node_id", n.ID).Msg("restarting launchd node")
	target := l.domain() + "/" + l.label(n)
	if _, err := l.run(ctx, "launchctl", "kickstart", "-k", target); err != nil {
		if err := l.Stop(ctx, n); err != nil {
			return err
		}
		return l.Start(ctx, n)
	}
	return nil
}

func (l *Launchd) Status(ctx context.Context, n *types.Node) (NodeProcess, error) {
	out, err := l.run(ctx, "launchctl", "list", l.label(n))
	if err != nil {
		return NodeProcess{Status: StatusStopped}, nil
	}

	var pid int
	var lastExit int
	hasExit := false
	for _, line := range strings.Split(string(out), "\n") {
		if m := launchctlPIDRe.FindStringSubmatch(line); m != nil {
			pid, _ = strconv.Atoi(m[1])
		}
		if m := launchctlExitRe.FindStringSubmatch(line); m != nil {
			lastExit, _ = strconv.Atoi(m[1])
			hasExit = true
		}
	}

	switch {
	case pid > 0:
		return NodeProcess{PID: pid, Status: StatusRunning}, nil
	case hasExit && lastExit == 0:
		return NodeProcess{Status: StatusStopped}, nil
	default:
		return NodeProcess{Status: StatusDead}, nil
	}
}

func (l *Launchd) Remove(ctx context.Context, n *types.Node) error {
	l.logger.Info().Int("node_id", n.ID).Msg("removing launchd node")
	_ = l.Stop(ctx, n)

	if _, err := l.statFile(l.plistPath(n)); err == nil {
		if err := l.removeFile(l.plistPath(n)); err != nil {
			l.logger.Warn().Err(err).Msg("failed to remove plist")
		}
	}
	if _, err := l.statFile(n.RootDir); err == nil {
		if err := l.removeAll(n.RootDir); err != nil {
			l.logger.Warn().Err(err).Msg("failed to remove root dir")
		}
	}
	return nil
}

// EnableFirewallPort is a no-op: see the Launchd doc comment.
func (l *Launchd) EnableFirewallPort(ctx context.Context, port int, proto string) error {
	l.logger.Debug().Int("port", port).Str("proto", proto).Msg("firewall control not applicable on this backend")
	return nil
}

// DisableFirewallPort is a no-op: see the Launchd doc comment.
func (l *Launchd) DisableFirewallPort(ctx context.Context, port int, proto string) error {
	l.logger.Debug().Int("port", port).Str("proto", proto).Msg("firewall control not applicable on this backend")
	return nil
}

// Survey lists every com.autonomi.antnode-* agent launchctl knows
// about.
func (l *Launchd) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	out, err := l.run(ctx, "launchctl", "list")
	if err != nil {
		return nil, fmt.Errorf("listing launchd agents: %w", err)
	}
	var nodes []*types.Node
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		label := fields[2]
		if !strings.HasPrefix(label, "com.autonomi.antnode-") {
			continue
		}
		idStr := strings.TrimPrefix(label, "com.autonomi.antnode-")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		nodes = append(nodes, &types.Node{
			ID:          id,
			Service:     label,
			ManagerType: "launchd",
		})
	}
	return nodes, nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := out.ReadFrom(in); err != nil {
		return err
	}
	return out.Chmod(perm)
}
