// Package hostmetrics samples host-level resource usage for the Metrics
// Collector: CPU and memory percent, disk usage and I/O rate on the node
// storage mount, network I/O rate, load averages, and boot time. Every
// counter is read through github.com/prometheus/procfs's typed /proc
// parsers; only the per-mount disk-usage figure, which procfs doesn't
// cover, goes straight to statfs via golang.org/x/sys/unix.
package hostmetrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// minSampleWindow is the minimum interval the rate counters (disk I/O,
// network I/O) and the CPU busy-percent figure are sampled over, per the
// "read, sleep, read again, subtract" pattern used throughout the
// predecessor tool's metrics collection.
const minSampleWindow = time.Second

// Sample is one pass of host-level measurements.
type Sample struct {
	SystemStart int64 // unix seconds, host boot time

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
}

// Sampler wraps the procfs filesystem handle so repeated Sample calls
// don't reopen /proc.
type Sampler struct {
	fs procfs.FS
}

// NewSampler opens the default /proc mount.
func NewSampler() (*Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	return &Sampler{fs: fs}, nil
}

// Sample takes one full host measurement, blocking for at least
// minSampleWindow while it brackets the rate counters. nodeStorage is the
// filesystem path whose usage percent and total bytes are reported.
func (s *Sampler) Sample(ctx context.Context, nodeStorage string) (Sample, error) {
	var sample Sample

	stat, err := s.fs.Stat()
	if err != nil {
		return sample, fmt.Errorf("reading /proc/stat: %w", err)
	}
	sample.SystemStart = int64(stat.BootTime)

	load, err := s.fs.LoadAvg()
	if err != nil {
		return sample, fmt.Errorf("reading /proc/loadavg: %w", err)
	}
	sample.LoadAverage1 = load.Load1
	sample.LoadAverage5 = load.Load5
	sample.LoadAverage15 = load.Load15

	startBusy, startTotal := cpuTicks(stat.CPUTotal)
	startDiskRead, startDiskWrite, err := s.diskBytes()
	if err != nil {
		return sample, fmt.Errorf("reading /proc/diskstats: %w", err)
	}
	startNetRead, startNetWrite, err := s.netBytes()
	if err != nil {
		return sample, fmt.Errorf("reading /proc/net/dev: %w", err)
	}
	start := time.Now()

	select {
	case <-time.After(minSampleWindow):
	case <-ctx.Done():
		return sample, ctx.Err()
	}

	statAfter, err := s.fs.Stat()
	if err != nil {
		return sample, fmt.Errorf("re-reading /proc/stat: %w", err)
	}
	endBusy, endTotal := cpuTicks(statAfter.CPUTotal)
	if delta := endTotal - startTotal; delta > 0 {
		sample.UsedCPUPercent = int(100 * (endBusy - startBusy) / delta)
	}

	endDiskRead, endDiskWrite, err := s.diskBytes()
	if err != nil {
		return sample, fmt.Errorf("re-reading /proc/diskstats: %w", err)
	}
	endNetRead, endNetWrite, err := s.netBytes()
	if err != nil {
		return sample, fmt.Errorf("re-reading /proc/net/dev: %w", err)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		elapsed = minSampleWindow.Seconds()
	}
	sample.HDIOReadBytes = int64(float64(endDiskRead-startDiskRead) / elapsed)
	sample.HDIOWriteBytes = int64(float64(endDiskWrite-startDiskWrite) / elapsed)
	sample.NetIOReadBytes = int64(float64(endNetRead-startNetRead) / elapsed)
	sample.NetIOWriteBytes = int64(float64(endNetWrite-startNetWrite) / elapsed)

	memPercent, err := s.memPercent()
	if err != nil {
		return sample, fmt.Errorf("reading /proc/meminfo: %w", err)
	}
	sample.UsedMemPercent = memPercent

	hdPercent, totalBytes, err := diskUsage(nodeStorage)
	if err != nil {
		return sample, fmt.Errorf("statfs %s: %w", nodeStorage, err)
	}
	sample.UsedHDPercent = hdPercent
	sample.TotalHDBytes = totalBytes

	return sample, nil
}

// cpuTicks returns (busy, total) tick counts from a CPUStat snapshot.
func cpuTicks(c procfs.CPUStat) (busy, total float64) {
	idle := c.Idle + c.Iowait
	busy = c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
	total = busy + idle
	return busy, total
}

func (s *Sampler) diskBytes() (read, write int64, err error) {
	stats, err := s.fs.ProcDiskstats()
	if err != nil {
		return 0, 0, err
	}
	for _, d := range stats {
		if strings.HasPrefix(d.DeviceName, "loop") || strings.HasPrefix(d.DeviceName, "ram") {
			continue
		}
		read += int64(d.ReadSectors) * 512
		write += int64(d.WriteSectors) * 512
	}
	return read, write, nil
}

func (s *Sampler) netBytes() (read, write int64, err error) {
	devs, err := s.fs.NetDev()
	if err != nil {
		return 0, 0, err
	}
	for name, dev := range devs {
		if name == "lo" {
			continue
		}
		read += int64(dev.RxBytes)
		write += int64(dev.TxBytes)
	}
	return read, write, nil
}

func (s *Sampler) memPercent() (int, error) {
	mem, err := s.fs.Meminfo()
	if err != nil {
		return 0, err
	}
	if mem.MemTotal == nil || *mem.MemTotal == 0 {
		return 0, nil
	}
	total := *mem.MemTotal
	var available uint64
	if mem.MemAvailable != nil {
		available = *mem.MemAvailable
	} else if mem.MemFree != nil {
		available = *mem.MemFree
	}
	used := total - available
	return int(100 * used / total), nil
}

func diskUsage(path string) (percent int, totalBytes int64, err error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	if total == 0 {
		return 0, 0, nil
	}
	used := total - free
	return int(100 * used / total), int64(total), nil
}
