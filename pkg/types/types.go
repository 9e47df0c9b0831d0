// Package types holds the record types shared across wnm's components:
// the Machine configuration singleton, the Node table row, the Metrics
// snapshot the Decision engine reasons over, and the Action value type it
// emits.
package types

import "time"

// NodeStatus is the tagged variant of a Node's lifecycle state.
type NodeStatus string

const (
	StatusRunning    NodeStatus = "RUNNING"
	StatusStopped    NodeStatus = "STOPPED"
	StatusUpgrading  NodeStatus = "UPGRADING"
	StatusRestarting NodeStatus = "RESTARTING"
	StatusMigrating  NodeStatus = "MIGRATING"
	StatusRemoving   NodeStatus = "REMOVING"
	StatusDisabled   NodeStatus = "DISABLED"
	StatusDead       NodeStatus = "DEAD"
)

// RemovalStrategy picks which node a removal action targets when several
// are eligible.
type RemovalStrategy string

const (
	RemovalStrategyYoungest RemovalStrategy = "youngest"
)

// MachineConfig is the singleton declarative configuration row (id = 1).
type MachineConfig struct {
	CPUCount int
	NodeCap  int

	CPULessThan int
	CPURemove   int
	MemLessThan int
	MemRemove   int
	HDLessThan  int
	HDRemove    int

	HDIOReadLessThan   int64
	HDIOReadRemove     int64
	HDIOWriteLessThan  int64
	HDIOWriteRemove    int64
	NetIOReadLessThan  int64
	NetIOReadRemove    int64
	NetIOWriteLessThan int64
	NetIOWriteRemove   int64

	DesiredLoadAverage    float64
	MaxLoadAverageAllowed float64

	DelayStart   int // seconds
	DelayRestart int // seconds
	DelayUpgrade int // seconds
	DelayRemove  int // seconds

	NodeStorage    string
	RewardsAddress string
	DonateAddress  string

	PortStart        int
	MetricsPortStart int
	CrisisBytes      int64

	Host        string
	Environment string
	StartArgs   string

	LastStoppedAt int64 // unix seconds

	MaxConcurrentUpgrades  int
	MaxConcurrentStarts    int
	MaxConcurrentRemovals  int
	MaxConcurrentOperations int

	NodeRemovalStrategy RemovalStrategy

	// HighestNodeIDUsed is nil until initialized; 0 once initialized with
	// no prior nodes. A pointer distinguishes "never initialized" from
	// "initialized to zero".
	HighestNodeIDUsed *int
}

// Node is one row of the Node table.
type Node struct {
	ID          int
	NodeName    string
	Service     string
	ManagerType string
	User        string
	Binary      string
	Version     string
	RootDir     string
	Port        int
	MetricsPort int
	Network     string
	Wallet      string
	PeerID      string
	Status      NodeStatus
	Timestamp   time.Time

	Records int64
	Uptime  int64
	Shunned int64
	Age     int64 // unix seconds, secret-key mtime

	Host string
}

// Metrics is the Metrics Collector's single-pass snapshot, consumed by the
// Decision engine.
type Metrics struct {
	SystemStart int64 // host boot time, unix seconds

	TotalNodes      int
	RunningNodes    int
	StoppedNodes    int
	RestartingNodes int
	UpgradingNodes  int
	MigratingNodes  int
	RemovingNodes   int
	DeadNodes       int

	AntnodeVersion   string
	QueenNodeVersion string

	NodesLatestV   int
	NodesNoVersion int
	NodesToUpgrade int
	VersionCounts  map[string]int

	UsedCPUPercent int
	UsedMemPercent int
	UsedHDPercent  int
	TotalHDBytes   int64

	LoadAverage1  float64
	LoadAverage5  float64
	LoadAverage15 float64

	HDIOReadBytes   int64
	HDIOWriteBytes  int64
	NetIOReadBytes  int64
	NetIOWriteBytes int64

	// NodeHDCrisis is observational only; the Decision engine does not
	// branch on it.
	NodeHDCrisis float64
}

// ActionKind enumerates the Decision engine's output values.
type ActionKind string

const (
	ActionResurveyNodes ActionKind = "RESURVEY_NODES"
	ActionRemoveNode    ActionKind = "REMOVE_NODE"
	ActionStopNode      ActionKind = "STOP_NODE"
	ActionUpgradeNode   ActionKind = "UPGRADE_NODE"
	ActionStartNode     ActionKind = "START_NODE"
	ActionAddNode       ActionKind = "ADD_NODE"
	ActionSurveyNodes   ActionKind = "SURVEY_NODES"
)

// Action is one unit of work the Decision engine emits and the Executor
// consumes, in order.
type Action struct {
	Kind     ActionKind
	Priority int
	Reason   string
	TargetID *int // nil when the action has no single target node
}
