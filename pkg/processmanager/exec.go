package processmanager

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/iweave/wnm/pkg/types"
)

// commandRunner invokes an external command and returns its combined
// output. It is a seam: production backends default to runCommand
// (os/exec), tests substitute a stub that records the argv it was
// called with instead of touching the host.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// antnodeArgs builds the argv antnode is invoked with, the same flag
// set every backend's unit/plist/command line fills in from a Node row.
func antnodeArgs(n *types.Node, binaryPath, bootstrapCacheDir, logDir string) []string {
	return []string{
		binaryPath,
		"--bootstrap-cache-dir", bootstrapCacheDir,
		"--root-dir", n.RootDir,
		"--port", strconv.Itoa(n.Port),
		"--enable-metrics-server",
		"--metrics-server-port", strconv.Itoa(n.MetricsPort),
		"--log-output-dest", logDir,
		"--max-log-files", "1",
		"--max-archived-log-files", "1",
		"--rewards-address", n.Wallet,
		n.Network,
	}
}

// ufwEnable opens port/proto with ufw. Idempotent: ufw allow on an
// already-open rule exits 0.
func ufwEnable(ctx context.Context, run commandRunner, port int, proto string) error {
	out, err := run(ctx, "sudo", "ufw", "allow", fmt.Sprintf("%d/%s", port, proto))
	if err != nil {
		return fmt.Errorf("ufw allow %d/%s: %w (%s)", port, proto, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ufwDisable closes port/proto with ufw. "delete allow" on a rule that
// doesn't exist exits non-zero with a "Could not delete non-existent
// rule" message; that's treated as success, matching the required
// idempotence of DisableFirewallPort.
func ufwDisable(ctx context.Context, run commandRunner, port int, proto string) error {
	out, err := run(ctx, "sudo", "ufw", "delete", "allow", fmt.Sprintf("%d/%s", port, proto))
	if err != nil && !strings.Contains(string(out), "non-existent") {
		return fmt.Errorf("ufw delete allow %d/%s: %w (%s)", port, proto, err, strings.TrimSpace(string(out)))
	}
	return nil
}
