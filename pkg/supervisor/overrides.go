package supervisor

import "github.com/iweave/wnm/pkg/types"

// Overrides is the set of deferred configuration changes a caller may
// request for one run (CLI flags, a config file edit). Every field is a
// pointer so "not mentioned" and "set to the zero value" stay distinct,
// making it a partial update, the same purpose pkg/store's
// Store.UpdateNode/UpdateMachine serve.
type Overrides struct {
	NodeCap *int

	CPULessThan *int
	CPURemove   *int
	MemLessThan *int
	MemRemove   *int
	HDLessThan  *int
	HDRemove    *int

	HDIOReadLessThan   *int64
	HDIOReadRemove     *int64
	HDIOWriteLessThan  *int64
	HDIOWriteRemove    *int64
	NetIOReadLessThan  *int64
	NetIOReadRemove    *int64
	NetIOWriteLessThan *int64
	NetIOWriteRemove   *int64

	DesiredLoadAverage    *float64
	MaxLoadAverageAllowed *float64

	DelayStart   *int
	DelayRestart *int
	DelayUpgrade *int
	DelayRemove  *int

	NodeStorage    *string
	RewardsAddress *string
	DonateAddress  *string

	PortStart        *int
	MetricsPortStart *int
	CrisisBytes      *int64

	Host        *string
	Environment *string
	StartArgs   *string

	MaxConcurrentUpgrades   *int
	MaxConcurrentStarts     *int
	MaxConcurrentRemovals   *int
	MaxConcurrentOperations *int

	NodeRemovalStrategy *types.RemovalStrategy
}

// applyOverrides writes every non-nil field of o onto m. initialized
// marks whether m already has a committed Machine row (as opposed to
// being freshly constructed by an --init run): port_start and
// metrics_port_start may only be set during the machine's first init,
// since every existing node's port was already derived from them.
func applyOverrides(m *types.MachineConfig, o *Overrides, initialized bool) error {
	if o == nil {
		return nil
	}
	if initialized && (o.PortStart != nil || o.MetricsPortStart != nil) {
		return ErrPortChangeAfterInit
	}

	if o.NodeCap != nil {
		m.NodeCap = *o.NodeCap
	}
	if o.CPULessThan != nil {
		m.CPULessThan = *o.CPULessThan
	}
	if o.CPURemove != nil {
		m.CPURemove = *o.CPURemove
	}
	if o.MemLessThan != nil {
		m.MemLessThan = *o.MemLessThan
	}
	if o.MemRemove != nil {
		m.MemRemove = *o.MemRemove
	}
	if o.HDLessThan != nil {
		m.HDLessThan = *o.HDLessThan
	}
	if o.HDRemove != nil {
		m.HDRemove = *o.HDRemove
	}
	if o.HDIOReadLessThan != nil {
		m.HDIOReadLessThan = *o.HDIOReadLessThan
	}
	if o.HDIOReadRemove != nil {
		m.HDIOReadRemove = *o.HDIOReadRemove
	}
	if o.HDIOWriteLessThan != nil {
		m.HDIOWriteLessThan = *o.HDIOWriteLessThan
	}
	if o.HDIOWriteRemove != nil {
		m.HDIOWriteRemove = *o.HDIOWriteRemove
	}
	if o.NetIOReadLessThan != nil {
		m.NetIOReadLessThan = *o.NetIOReadLessThan
	}
	if o.NetIOReadRemove != nil {
		m.NetIOReadRemove = *o.NetIOReadRemove
	}
	if o.NetIOWriteLessThan != nil {
		m.NetIOWriteLessThan = *o.NetIOWriteLessThan
	}
	if o.NetIOWriteRemove != nil {
		m.NetIOWriteRemove = *o.NetIOWriteRemove
	}
	if o.DesiredLoadAverage != nil {
		m.DesiredLoadAverage = *o.DesiredLoadAverage
	}
	if o.MaxLoadAverageAllowed != nil {
		m.MaxLoadAverageAllowed = *o.MaxLoadAverageAllowed
	}
	if o.DelayStart != nil {
		m.DelayStart = *o.DelayStart
	}
	if o.DelayRestart != nil {
		m.DelayRestart = *o.DelayRestart
	}
	if o.DelayUpgrade != nil {
		m.DelayUpgrade = *o.DelayUpgrade
	}
	if o.DelayRemove != nil {
		m.DelayRemove = *o.DelayRemove
	}
	if o.NodeStorage != nil {
		m.NodeStorage = *o.NodeStorage
	}
	if o.RewardsAddress != nil {
		m.RewardsAddress = *o.RewardsAddress
	}
	if o.DonateAddress != nil {
		m.DonateAddress = *o.DonateAddress
	}
	if o.PortStart != nil {
		m.PortStart = *o.PortStart
	}
	if o.MetricsPortStart != nil {
		m.MetricsPortStart = *o.MetricsPortStart
	}
	if o.CrisisBytes != nil {
		m.CrisisBytes = *o.CrisisBytes
	}
	if o.Host != nil {
		m.Host = *o.Host
	}
	if o.Environment != nil {
		m.Environment = *o.Environment
	}
	if o.StartArgs != nil {
		m.StartArgs = *o.StartArgs
	}
	if o.MaxConcurrentUpgrades != nil {
		m.MaxConcurrentUpgrades = *o.MaxConcurrentUpgrades
	}
	if o.MaxConcurrentStarts != nil {
		m.MaxConcurrentStarts = *o.MaxConcurrentStarts
	}
	if o.MaxConcurrentRemovals != nil {
		m.MaxConcurrentRemovals = *o.MaxConcurrentRemovals
	}
	if o.MaxConcurrentOperations != nil {
		m.MaxConcurrentOperations = *o.MaxConcurrentOperations
	}
	if o.NodeRemovalStrategy != nil {
		m.NodeRemovalStrategy = *o.NodeRemovalStrategy
	}
	return nil
}
