//go:build linux

package platform

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/sentinelops/sentinel-agent/monitor"
)

// ProcLister snapshots the process table from /proc.
type ProcLister struct{}

func NewProcLister() *ProcLister { return &ProcLister{} }

// Processes lists the currently running processes. Entries that vanish
// or deny access mid-scan are skipped.
func (pl *ProcLister) Processes() ([]monitor.Process, error) {
	dirs, err := os.ReadDir("/proc")
	if err != nil {
		return nil, fmt.Errorf("read /proc: %w", err)
	}

	var procs []monitor.Process
	for _, d := range dirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		p, err := readProcess(pid)
		if err != nil {
			continue
		}
		procs = append(procs, p)
	}
	return procs, nil
}

func readProcess(pid int) (monitor.Process, error) {
	p := monitor.Process{PID: pid}

	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return p, err
	}
	p.Name = strings.TrimSpace(string(comm))

	if cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid)); err == nil {
		p.Cmdline = strings.TrimRight(strings.ReplaceAll(string(cmdline), "\x00", " "), " ")
	}

	if status, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid)); err == nil {
		for _, line := range strings.Split(string(status), "\n") {
			if !strings.HasPrefix(line, "Uid:") {
				continue
			}
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if u, err := user.LookupId(fields[1]); err == nil {
					p.Username = u.Username
				} else {
					p.Username = fields[1]
				}
			}
			break
		}
	}
	return p, nil
}

// ProcMetrics samples cpu, memory and disk utilization from /proc. CPU
// usage and disk throughput are deltas between consecutive reads, so the
// first sample reports zero for both.
type ProcMetrics struct {
	prevIdle     uint64
	prevTotal    uint64
	prevSectRead uint64
	prevSectWrit uint64
	prevSampleAt time.Time
	primed       bool
}

func NewProcMetrics() *ProcMetrics { return &ProcMetrics{} }

// sectorSize is the fixed unit /proc/diskstats counts in, regardless of
// the device's actual sector size.
const sectorSize = 512

// Sample returns cpu_percent, memory_percent, disk_read_bps and
// disk_write_bps.
func (pm *ProcMetrics) Sample() (map[string]float64, error) {
	now := time.Now()
	samples := make(map[string]float64, 4)

	idle, total, err := readCPUStat()
	if err != nil {
		return nil, err
	}
	if pm.primed && total > pm.prevTotal {
		dTotal := total - pm.prevTotal
		dIdle := idle - pm.prevIdle
		samples["cpu_percent"] = 100 * float64(dTotal-dIdle) / float64(dTotal)
	} else {
		samples["cpu_percent"] = 0
	}
	pm.prevIdle, pm.prevTotal = idle, total

	memPct, err := readMemoryPercent()
	if err != nil {
		return nil, err
	}
	samples["memory_percent"] = memPct

	sectRead, sectWrit, err := readDiskSectors()
	if err != nil {
		return nil, err
	}
	elapsed := now.Sub(pm.prevSampleAt).Seconds()
	if pm.primed && elapsed > 0 && sectRead >= pm.prevSectRead && sectWrit >= pm.prevSectWrit {
		samples["disk_read_bps"] = float64((sectRead-pm.prevSectRead)*sectorSize) / elapsed
		samples["disk_write_bps"] = float64((sectWrit-pm.prevSectWrit)*sectorSize) / elapsed
	} else {
		samples["disk_read_bps"] = 0
		samples["disk_write_bps"] = 0
	}
	pm.prevSectRead, pm.prevSectWrit = sectRead, sectWrit
	pm.prevSampleAt = now
	pm.primed = true

	return samples, nil
}

// readCPUStat returns the aggregate idle and total jiffies from the
// first line of /proc/stat.
func readCPUStat() (idle, total uint64, err error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse /proc/stat field: %w", err)
		}
		total += v
		// idle is the 4th value, iowait the 5th.
		if i == 3 || i == 4 {
			idle += v
		}
	}
	return idle, total, nil
}

// readDiskSectors sums sectors read and written across whole-disk
// devices in /proc/diskstats. Partitions are excluded so writes are not
// counted twice.
func readDiskSectors() (read, written uint64, err error) {
	data, err := os.ReadFile("/proc/diskstats")
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/diskstats: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		// major minor name reads reads_merged sectors_read read_ms
		// writes writes_merged sectors_written ...
		fields := strings.Fields(line)
		if len(fields) < 10 || !isWholeDisk(fields[2]) {
			continue
		}
		if v, err := strconv.ParseUint(fields[5], 10, 64); err == nil {
			read += v
		}
		if v, err := strconv.ParseUint(fields[9], 10, 64); err == nil {
			written += v
		}
	}
	return read, written, nil
}

// isWholeDisk reports whether a diskstats device name is a whole disk
// rather than a partition or a loop device.
func isWholeDisk(name string) bool {
	if strings.HasPrefix(name, "loop") || strings.HasPrefix(name, "ram") {
		return false
	}
	// nvme0n1 is a disk, nvme0n1p1 is a partition.
	if strings.HasPrefix(name, "nvme") {
		return !strings.Contains(name[4:], "p")
	}
	for _, prefix := range []string{"sd", "vd", "xvd", "hd"} {
		if strings.HasPrefix(name, prefix) {
			suffix := name[len(prefix):]
			return len(suffix) == 1 && suffix[0] >= 'a' && suffix[0] <= 'z'
		}
	}
	return strings.HasPrefix(name, "dm-")
}

func readMemoryPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}

	var totalKB, availKB float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = v
		case "MemAvailable:":
			availKB = v
		}
	}
	if totalKB == 0 {
		return 0, fmt.Errorf("MemTotal not found in /proc/meminfo")
	}
	return 100 * (totalKB - availKB) / totalKB, nil
}
