package antnode

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

var (
	unitIDRe          = regexp.MustCompile(`antnode(\d+)`)
	unitExecStartRe   = regexp.MustCompile(`ExecStart=([^\s]+)`)
	unitUserRe        = regexp.MustCompile(`User=(\w+)`)
	unitRootDirRe     = regexp.MustCompile(`--root-dir ([\w/]+)`)
	unitPortRe        = regexp.MustCompile(`--port (\d+)`)
	unitMetricsPortRe = regexp.MustCompile(`--metrics-server-port (\d+)`)
	unitRewardsRe     = regexp.MustCompile(`--rewards-address ([^\s]+) ([\w-]+)`)
	unitIPRe          = regexp.MustCompile(`--ip ([^\s]+)`)
	unitEnvRe         = regexp.MustCompile(`Environment="(.+)"`)

	// legacyPortRe recovers the bare positional port argument the older
	// "anm" unit format used in place of --port/--metrics-server-port.
	legacyPortRe = regexp.MustCompile(`\s(\d{2,6})\s+--rewards-address`)
)

// UnitDetails is the set of fields this tool can recover from a systemd
// unit file's ExecStart argv, via stable regex anchors. Any field that
// fails to parse is left at its zero value; callers decide whether that is
// fatal for their use (initial adoption should skip unparsable units).
type UnitDetails struct {
	ID           int
	Binary       string
	User         string
	RootDir      string
	Port         int
	MetricsPort  int
	Wallet       string
	Network      string
	Host         string
	Environment  string
}

// ParseUnit reads a systemd unit file at unitDir/unitName and extracts the
// fields the Surveyor needs. defaultHost is substituted when the unit
// listens on the 0.0.0.0 wildcard address.
func ParseUnit(unitDir, unitName, defaultHost string) (UnitDetails, error) {
	data, err := os.ReadFile(unitDir + "/" + unitName)
	if err != nil {
		return UnitDetails{}, fmt.Errorf("reading unit %s: %w", unitName, err)
	}
	text := string(data)

	d := UnitDetails{}
	if m := unitIDRe.FindStringSubmatch(unitName); m != nil {
		d.ID, _ = strconv.Atoi(m[1])
	} else {
		return UnitDetails{}, fmt.Errorf("unit name %s has no antnode<id> component", unitName)
	}
	if m := unitExecStartRe.FindStringSubmatch(text); m != nil {
		d.Binary = m[1]
	}
	if m := unitUserRe.FindStringSubmatch(text); m != nil {
		d.User = m[1]
	}
	if m := unitRootDirRe.FindStringSubmatch(text); m != nil {
		d.RootDir = m[1]
	}
	if m := unitPortRe.FindStringSubmatch(text); m != nil {
		d.Port, _ = strconv.Atoi(m[1])
	}
	if m := unitMetricsPortRe.FindStringSubmatch(text); m != nil {
		d.MetricsPort, _ = strconv.Atoi(m[1])
	}
	if m := unitRewardsRe.FindStringSubmatch(text); m != nil {
		d.Wallet = m[1]
		d.Network = m[2]
	}
	if m := unitIPRe.FindStringSubmatch(text); m != nil {
		if m[1] == "0.0.0.0" {
			d.Host = defaultHost
		} else {
			d.Host = m[1]
		}
	} else {
		d.Host = defaultHost
	}
	if m := unitEnvRe.FindStringSubmatch(text); m != nil {
		d.Environment = m[1]
	}
	return d, nil
}

// ParseLegacyUnit reads a unit file written by the predecessor "anm" tool.
// That format predates --port/--metrics-server-port: the node's port is a
// bare positional argument immediately before --rewards-address, and no
// metrics port appears anywhere in the ExecStart line at all. Callers
// derive MetricsPort themselves (from the allocator, keyed on ID) since
// this format has no way to recover it. Used only when migrate_anm
// adoption is requested.
func ParseLegacyUnit(unitDir, unitName, defaultHost string) (UnitDetails, error) {
	data, err := os.ReadFile(unitDir + "/" + unitName)
	if err != nil {
		return UnitDetails{}, fmt.Errorf("reading legacy unit %s: %w", unitName, err)
	}
	text := string(data)

	d := UnitDetails{}
	if m := unitIDRe.FindStringSubmatch(unitName); m != nil {
		d.ID, _ = strconv.Atoi(m[1])
	} else {
		return UnitDetails{}, fmt.Errorf("legacy unit name %s has no antnode<id> component", unitName)
	}
	if m := unitExecStartRe.FindStringSubmatch(text); m != nil {
		d.Binary = m[1]
	}
	if m := unitUserRe.FindStringSubmatch(text); m != nil {
		d.User = m[1]
	}
	if m := unitRootDirRe.FindStringSubmatch(text); m != nil {
		d.RootDir = m[1]
	}
	if m := legacyPortRe.FindStringSubmatch(text); m != nil {
		d.Port, _ = strconv.Atoi(m[1])
	}
	if m := unitRewardsRe.FindStringSubmatch(text); m != nil {
		d.Wallet = m[1]
		d.Network = m[2]
	}
	if m := unitIPRe.FindStringSubmatch(text); m != nil {
		if m[1] == "0.0.0.0" {
			d.Host = defaultHost
		} else {
			d.Host = m[1]
		}
	} else {
		d.Host = defaultHost
	}
	if m := unitEnvRe.FindStringSubmatch(text); m != nil {
		d.Environment = m[1]
	}
	return d, nil
}
