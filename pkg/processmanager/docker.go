package processmanager

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/types"
)

// dockerNamespace isolates antnode containers from any other workload
// sharing the host's containerd daemon.
const dockerNamespace = "wnm"

const defaultContainerdSocket = "/run/containerd/containerd.sock"

// Docker runs each node as a containerd task: the image reference is
// the node's Binary field (an OCI image, not a filesystem path, for
// this backend), and the container's argv mirrors the same antnode
// flags the systemd backend writes into a unit file. It talks to
// *containerd.Client directly rather than shelling out to the docker CLI.
type Docker struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewDocker dials the local containerd socket (or cfg.ContainerdSocket,
// if set) and returns a Docker backend.
func NewDocker(cfg Config) (*Docker, error) {
	socket := cfg.ContainerdSocket
	if socket == "" {
		socket = defaultContainerdSocket
	}
	client, err := containerd.New(socket)
	if err != nil {
		return nil, fmt.Errorf("connecting to containerd at %s: %w", socket, err)
	}
	return &Docker{
		client:    client,
		namespace: dockerNamespace,
		logger:    log.WithComponent("processmanager.docker"),
	}, nil
}

func (d *Docker) containerID(n *types.Node) string {
	return fmt.Sprintf("antnode-%d", n.ID)
}

// Create pulls n.Binary as an image reference, builds an OCI spec from
// the node's fields and starts a task from it.
func (d *Docker) Create(ctx context.Context, n *types.Node, binaryPath string) error {
	d.logger.Info().Int("node_id", n.ID).Msg("creating docker node")
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	imageRef := n.Binary
	if imageRef == "" {
		imageRef = binaryPath
	}
	image, err := d.client.GetImage(ctx, imageRef)
	if err != nil {
		image, err = d.client.Pull(ctx, imageRef, containerd.WithPullUnpack)
		if err != nil {
			return fmt.Errorf("pulling image %s: %w", imageRef, err)
		}
	}

	args := []string{
		"--root-dir", "/data",
		"--port", strconv.Itoa(n.Port),
		"--enable-metrics-server",
		"--metrics-server-port", strconv.Itoa(n.MetricsPort),
		"--rewards-address", n.Wallet,
		n.Network,
	}

	id := d.containerID(n)
	if _, err := d.client.NewContainer(ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(args...),
		),
	); err != nil {
		return fmt.Errorf("creating container %s: %w", id, err)
	}

	if err := d.Start(ctx, n); err != nil {
		return err
	}
	return d.EnableFirewallPort(ctx, n.Port, "udp")
}

func (d *Docker) Start(ctx context.Context, n *types.Node) error {
	d.logger.Info().Int("node_id", n.ID).Msg("starting docker node")
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	c, err := d.client.LoadContainer(ctx, d.containerID(n))
	if err != nil {
		return fmt.Errorf("loading container: %w", err)
	}
	task, err := c.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("creating task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("starting task: %w", err)
	}
	return nil
}

// Stop kills the task gracefully, falling back to SIGKILL after 10s, and
// succeeds when no task is running (already stopped).
func (d *Docker) Stop(ctx context.Context, n *types.Node) error {
	d.logger.Info().Int("node_id", n.ID).Msg("stopping docker node")
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	c, err := d.client.LoadContainer(ctx, d.containerID(n))
	if err != nil {
		return nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signaling task: %w", err)
	}
	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("waiting for task: %w", err)
	}
	select {
	case <-statusC:
	case <-stopCtx.Done():
		_ = task.Kill(ctx, syscall.SIGKILL)
	}
	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("deleting task: %w", err)
	}
	return d.DisableFirewallPort(ctx, n.Port, "udp")
}

func (d *Docker) Restart(ctx context.Context, n *types.Node) error {
	if err := d.Stop(ctx, n); err != nil {
		return err
	}
	return d.Start(ctx, n)
}

func (d *Docker) Status(ctx context.Context, n *types.Node) (NodeProcess, error) {
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	c, err := d.client.LoadContainer(ctx, d.containerID(n))
	if err != nil {
		return NodeProcess{Status: StatusDead}, nil
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return NodeProcess{Status: StatusStopped}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return NodeProcess{Status: StatusUnknown}, nil
	}
	switch status.Status {
	case containerd.Running, containerd.Paused:
		return NodeProcess{PID: int(task.Pid()), Status: StatusRunning}, nil
	case containerd.Stopped:
		return NodeProcess{Status: StatusStopped}, nil
	default:
		return NodeProcess{Status: StatusUnknown}, nil
	}
}

// Remove stops the task, deletes the container and its snapshot.
// Succeeds when the container is already gone.
func (d *Docker) Remove(ctx context.Context, n *types.Node) error {
	d.logger.Info().Int("node_id", n.ID).Msg("removing docker node")
	ctx = namespaces.WithNamespace(ctx, d.namespace)

	_ = d.Stop(ctx, n)

	c, err := d.client.LoadContainer(ctx, d.containerID(n))
	if err != nil {
		return nil
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("deleting container: %w", err)
	}
	return nil
}

// EnableFirewallPort and DisableFirewallPort are no-ops: containerd
// owns the container's network namespace and its published ports
// directly, so there is no separate host firewall rule to manage here.
func (d *Docker) EnableFirewallPort(ctx context.Context, port int, proto string) error {
	return nil
}

func (d *Docker) DisableFirewallPort(ctx context.Context, port int, proto string) error {
	return nil
}

// Survey is not implemented: unlike systemd units or launchd labels,
// containerd's container list is not namespaced by antnode-specific
// naming alone, and this repository's docker backend is opt-in per
// node rather than a default adoption target.
func (d *Docker) Survey(ctx context.Context, m *types.MachineConfig) ([]*types.Node, error) {
	return nil, ErrNotSupported
}

// Close releases the containerd client connection.
func (d *Docker) Close() error {
	return d.client.Close()
}
