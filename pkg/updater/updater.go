// Package updater ages transitional Node rows before the Decision
// engine runs. REMOVING rows past their delay are deleted outright;
// UPGRADING and RESTARTING rows past their delay are re-probed and
// flipped back to RUNNING when the antnode process answers.
package updater

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iweave/wnm/pkg/antnode"
	"github.com/iweave/wnm/pkg/log"
	"github.com/iweave/wnm/pkg/store"
	"github.com/iweave/wnm/pkg/types"
)

// Updater ages transitional Node rows ahead of each Decision run.
type Updater struct {
	probe  *antnode.Client
	logger zerolog.Logger
}

// New returns an Updater that re-probes nodes via probe.
func New(probe *antnode.Client) *Updater {
	return &Updater{probe: probe, logger: log.WithComponent("updater")}
}

// Apply ages every transitional row and adjusts the in-flight counters
// on metrics to match, so the Decision engine sees an up-to-date count
// without a second Store round-trip.
func (u *Updater) Apply(ctx context.Context, s store.Store, m *types.MachineConfig, metrics *types.Metrics, now time.Time) error {
	if metrics.RemovingNodes > 0 {
		n, err := u.ageRemoving(s, m, now)
		if err != nil {
			return fmt.Errorf("aging REMOVING rows: %w", err)
		}
		metrics.RemovingNodes = n
	}
	if metrics.UpgradingNodes > 0 {
		n, err := u.ageTransitional(ctx, s, types.StatusUpgrading, time.Duration(m.DelayUpgrade)*time.Second, now)
		if err != nil {
			return fmt.Errorf("aging UPGRADING rows: %w", err)
		}
		metrics.UpgradingNodes = n
	}
	if metrics.RestartingNodes > 0 {
		n, err := u.ageTransitional(ctx, s, types.StatusRestarting, time.Duration(m.DelayStart)*time.Second, now)
		if err != nil {
			return fmt.Errorf("aging RESTARTING rows: %w", err)
		}
		metrics.RestartingNodes = n
	}
	return nil
}

// ageRemoving deletes every REMOVING row whose delay has expired and
// returns the remaining (still-removing) count.
func (u *Updater) ageRemoving(s store.Store, m *types.MachineConfig, now time.Time) (int, error) {
	cutoff := now.Add(-time.Duration(m.DelayRemove) * time.Second)
	rows, err := s.NodesWhere(store.ByStatus(types.StatusRemoving), store.SortByID, store.Ascending)
	if err != nil {
		return 0, err
	}
	remaining := len(rows)
	for _, n := range rows {
		if n.Timestamp.Before(cutoff) {
			if err := s.DeleteNode(n.ID); err != nil {
				return 0, fmt.Errorf("deleting expired removal %d: %w", n.ID, err)
			}
			u.logger.Info().Int("node_id", n.ID).Msg("deleted node past remove delay")
			remaining--
		}
	}
	return remaining, nil
}

// ageTransitional re-probes every row in status whose delay has expired
// and flips it to RUNNING if the node answers; the row's counter is
// decremented either way, since the delay has run out regardless of
// whether the probe succeeded.
func (u *Updater) ageTransitional(ctx context.Context, s store.Store, status types.NodeStatus, delay time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-delay)
	rows, err := s.NodesWhere(store.ByStatus(status), store.SortByID, store.Ascending)
	if err != nil {
		return 0, err
	}
	remaining := len(rows)
	for _, n := range rows {
		if !n.Timestamp.Before(cutoff) {
			continue
		}
		remaining--

		host := n.Host
		if host == "" {
			host = "127.0.0.1"
		}
		metadata := u.probe.FetchMetadata(ctx, host, n.MetricsPort)
		nodeMetrics := u.probe.FetchMetrics(ctx, host, n.MetricsPort)
		if metadata.Status != antnode.StatusRunning || nodeMetrics.Status != antnode.StatusRunning {
			u.logger.Warn().Int("node_id", n.ID).Str("status", string(status)).Msg("still unreachable past delay, leaving transitional")
			continue
		}

		id := n.ID
		if err := s.UpdateNode(id, func(n *types.Node) error {
			n.Status = types.StatusRunning
			n.Timestamp = now
			n.PeerID = metadata.PeerID
			if metadata.Version != "" {
				n.Version = metadata.Version
			}
			n.Uptime = nodeMetrics.Uptime
			n.Records = nodeMetrics.Records
			n.Shunned = nodeMetrics.Shunned
			return nil
		}); err != nil {
			return 0, fmt.Errorf("flipping node %d to RUNNING: %w", id, err)
		}
		u.logger.Info().Int("node_id", id).Str("from", string(status)).Msg("node confirmed running past delay")
	}
	return remaining, nil
}
