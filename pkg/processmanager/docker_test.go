package processmanager

import (
	"context"
	"testing"

	"github.com/iweave/wnm/pkg/types"
)

func TestDocker_ContainerIDIsDeterministic(t *testing.T) {
	d := &Docker{}
	n := &types.Node{ID: 42}
	if got, want := d.containerID(n), "antnode-42"; got != want {
		t.Errorf("containerID() = %q, want %q", got, want)
	}
}

func TestDocker_FirewallControlIsANoOp(t *testing.T) {
	// containerd owns the container's published ports directly; these
	// calls must never touch d.client, so a zero-value Docker (nil
	// client) must not panic.
	d := &Docker{}
	if err := d.EnableFirewallPort(context.Background(), 12000, "udp"); err != nil {
		t.Errorf("EnableFirewallPort() error = %v, want nil", err)
	}
	if err := d.DisableFirewallPort(context.Background(), 12000, "udp"); err != nil {
		t.Errorf("DisableFirewallPort() error = %v, want nil", err)
	}
}

func TestDocker_SurveyIsNotSupported(t *testing.T) {
	d := &Docker{}
	if _, err := d.Survey(context.Background(), &types.MachineConfig{}); err != ErrNotSupported {
		t.Errorf("Survey() error = %v, want ErrNotSupported", err)
	}
}
