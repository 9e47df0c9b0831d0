// Package processmanager implements the polymorphic backend the
// Action executor drives to actually create, start, stop and remove
// antnode processes on a host. Every backend (systemd, launchd, docker,
// a bare setsid-detached process, and a wrapper around the antctl CLI)
// satisfies the same ProcessManager contract; which one owns a given
// node is recorded on the Node row itself (ManagerType) so a single run
// can freely mix backends across the fleet.
package processmanager

import (
	"context"
	"fmt"

	"github.com/iweave/wnm/pkg/types"
)

// Status is the lifecycle state a backend's Status probe can observe
// directly, narrower than types.NodeStatus (a backend has no notion of
// UPGRADING or MIGRATING, only whether a process is present).
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusStopped Status = "STOPPED"
	StatusDead    Status = "DEAD"
	StatusUnknown Status = "UNKNOWN"
)

// SystemdUnitDir is where Systemd reads and writes antnode unit files.
// The Surveyor parses units from this same directory when enriching a
// bare Survey shell, so it is exported rather than duplicated.
const SystemdUnitDir = "/etc/systemd/system"

// NodeProcess is the result of a Status probe.
type NodeProcess struct {
	PID    int
	Status Status
}

// ProcessManager is the capability set every backend provides. All
// methods but Survey operate on a single Node; Create, Start, Restart and
// Remove are expected to be idempotent against partial prior failures,
// since the executor may retry a node left in a transitional state by a
// crashed run.
type ProcessManager interface {
	// Create materializes and starts a brand-new node from binaryPath.
	Create(ctx context.Context, n *types.Node, binaryPath string) error
	// Start starts an already-materialized, stopped node.
	Start(ctx context.Context, n *types.Node) error
	// Stop stops a running node; closes the firewall port. Succeeds
	// when the node is already stopped.
	Stop(ctx context.Context, n *types.Node) error
	// Restart restarts a node in place.
	Restart(ctx context.Context, n *types.Node) error
	// Remove stops the node and deletes every on-host trace of it:
	// service/container definition, data directory, logs, firewall
	// rule. Succeeds when the node is already removed.
	Remove(ctx context.Context, n *types.Node) error
	// Status is a lightweight liveness probe.
	Status(ctx context.Context, n *types.Node) (NodeProcess, error)
	// Survey discovers every node this backend currently manages on
	// the host, independent of what the Store knows about. Used on
	// first adoption and after a reboot is detected.
	Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error)
	// EnableFirewallPort opens port/proto for inbound traffic.
	// Succeeds when the port is already open.
	EnableFirewallPort(ctx context.Context, port int, proto string) error
	// DisableFirewallPort closes port/proto.
	DisableFirewallPort(ctx context.Context, port int, proto string) error
}

// ErrNotSupported is returned by backend methods that a given variant
// has no sensible implementation for (e.g. Survey on a backend with no
// enumerable unit namespace).
var ErrNotSupported = fmt.Errorf("processmanager: operation not supported by this backend")

// For selects the backend for a node's ManagerType, or ErrNotSupported
// if the value is unrecognized. cfg carries the dependencies each
// backend needs to construct itself; backends that don't need a given
// field ignore it.
func For(managerType string, cfg Config) (ProcessManager, error) {
	switch managerType {
	case "systemd":
		return NewSystemd(cfg), nil
	case "launchd":
		return NewLaunchd(cfg), nil
	case "docker":
		return NewDocker(cfg)
	case "background":
		return NewBackground(cfg), nil
	case "external", "external-sudo", "external-setsid":
		return NewExternal(cfg, managerType), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNotSupported, managerType)
	}
}

// Config bundles the construction-time dependencies shared across
// backends. Zero-value fields are replaced with the real, host-touching
// implementation by each backend's constructor; tests override them.
type Config struct {
	// LogDir is the base directory per-node logs are written under.
	LogDir string
	// BootstrapCacheDir is passed to every antnode invocation via
	// --bootstrap-cache-dir.
	BootstrapCacheDir string
	// ContainerdSocket is the docker backend's containerd endpoint;
	// empty uses the backend's own default.
	ContainerdSocket string
	// AntctlPath is the antctl binary invoked by the external backend;
	// empty uses "antctl" resolved on PATH.
	AntctlPath string
}
