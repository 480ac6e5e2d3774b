package diagnostics

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jaypipes/ghw"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// GPUDevice describes one GPU visible to the host. Telemetry fields are
// populated only when a vendor tool (nvidia-smi) answered; discovery via
// PCI enumeration yields the name alone.
type GPUDevice struct {
	Name         string
	MemTotalMB   float64
	MemUsedMB    float64
	UtilPercent  float64
	HasTelemetry bool
}

// VolumeUsage is the fill level of the filesystem holding Path. Worker
// worktrees are full checkouts, so the worktree volume is the disk that
// matters for a run.
type VolumeUsage struct {
	Path        string
	TotalGB     float64
	UsedGB      float64
	UsedPercent float64
}

// HostReport is a point-in-time picture of the capacity relevant to
// spawning parallel workers.
type HostReport struct {
	CPUModel   string
	CPUCores   int
	CPUThreads int
	CPUPercent float64

	MemTotalMB float64
	MemUsedMB  float64
	MemPercent float64

	Load1  float64
	Load5  float64
	Load15 float64

	WorktreeVolume VolumeUsage
	GPUs           []GPUDevice
}

// Headroom is the verdict on whether the host can carry a given spawn
// parallelism. Notes list every pressure found; an empty list means OK.
type Headroom struct {
	OK    bool
	Notes []string
}

// SpawnHeadroom judges the report against a requested number of
// concurrent workers. Each worker is a full agent process plus a git
// worktree, so threads, memory, and worktree disk are the binding
// resources.
func (r HostReport) SpawnHeadroom(maxSpawns int) Headroom {
	var notes []string

	if maxSpawns > 0 && r.CPUThreads > 0 && maxSpawns > r.CPUThreads {
		notes = append(notes, fmt.Sprintf(
			"spawn parallelism %d exceeds %d hardware threads", maxSpawns, r.CPUThreads))
	}
	if r.CPUThreads > 0 && r.Load1 > float64(r.CPUThreads) {
		notes = append(notes, fmt.Sprintf(
			"load average %.1f already saturates %d threads", r.Load1, r.CPUThreads))
	}
	if r.MemPercent >= 90 {
		notes = append(notes, fmt.Sprintf("memory at %.0f%%", r.MemPercent))
	}
	if r.WorktreeVolume.UsedPercent >= 90 {
		notes = append(notes, fmt.Sprintf(
			"worktree volume %s at %.0f%%, worker checkouts may fail",
			r.WorktreeVolume.Path, r.WorktreeVolume.UsedPercent))
	}

	return Headroom{OK: len(notes) == 0, Notes: notes}
}

// HostCollector gathers a HostReport. Hardware identity is probed once;
// utilization is sampled per Collect call.
type HostCollector struct {
	worktreeDir string

	hwOnce     sync.Once
	cpuModel   string
	cpuCores   int
	cpuThreads int
}

// NewHostCollector returns a collector whose disk figures describe the
// filesystem holding worktreeDir. An empty dir falls back to the root
// filesystem.
func NewHostCollector(worktreeDir string) *HostCollector {
	return &HostCollector{worktreeDir: worktreeDir}
}

// Collect samples the host. Every probe is best effort: a field its
// source cannot answer is left zero rather than failing the report.
func (c *HostCollector) Collect() HostReport {
	c.hwOnce.Do(c.probeHardware)

	report := HostReport{
		CPUModel:   c.cpuModel,
		CPUCores:   c.cpuCores,
		CPUThreads: c.cpuThreads,
	}

	if pcts, err := cpu.Percent(200*time.Millisecond, false); err == nil && len(pcts) > 0 {
		report.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.MemTotalMB = float64(vm.Total) / 1024 / 1024
		report.MemUsedMB = float64(vm.Used) / 1024 / 1024
		report.MemPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		report.Load1 = avg.Load1
		report.Load5 = avg.Load5
		report.Load15 = avg.Load15
	}

	path := nearestExistingDir(c.worktreeDir)
	if usage, err := disk.Usage(path); err == nil {
		report.WorktreeVolume = VolumeUsage{
			Path:        path,
			TotalGB:     float64(usage.Total) / 1024 / 1024 / 1024,
			UsedGB:      float64(usage.Used) / 1024 / 1024 / 1024,
			UsedPercent: usage.UsedPercent,
		}
	}

	report.GPUs = detectGPUs()
	return report
}

func (c *HostCollector) probeHardware() {
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		c.cpuModel = infos[0].ModelName
	}
	if n, err := cpu.Counts(false); err == nil {
		c.cpuCores = n
	}
	if n, err := cpu.Counts(true); err == nil {
		c.cpuThreads = n
	}
}

// nearestExistingDir walks up from dir until it finds a path that
// exists. The worktree dir is created lazily on the first run, so
// before that its parent volume is the right thing to measure.
func nearestExistingDir(dir string) string {
	if dir == "" {
		return "/"
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir
		}
		parent := strings.TrimRight(dir, "/")
		idx := strings.LastIndex(parent, "/")
		if idx <= 0 {
			return "/"
		}
		dir = parent[:idx]
	}
}

func detectGPUs() []GPUDevice {
	if gpus := queryNvidiaSMI(); len(gpus) > 0 {
		return gpus
	}
	return enumeratePCIDisplay()
}

func queryNvidiaSMI() []GPUDevice {
	if _, err := exec.LookPath("nvidia-smi"); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,utilization.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	return parseNvidiaCSV(string(out))
}

// parseNvidiaCSV reads nvidia-smi csv,noheader,nounits output, one GPU
// per line: name, total MiB, used MiB, utilization %. Fields the tool
// reports as [N/A] parse as zero.
func parseNvidiaCSV(out string) []GPUDevice {
	var gpus []GPUDevice
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 4 {
			continue
		}
		name := strings.TrimSpace(fields[0])
		if name == "" {
			continue
		}
		gpus = append(gpus, GPUDevice{
			Name:         name,
			MemTotalMB:   csvFloat(fields[1]),
			MemUsedMB:    csvFloat(fields[2]),
			UtilPercent:  csvFloat(fields[3]),
			HasTelemetry: true,
		})
	}
	return gpus
}

func csvFloat(field string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
	if err != nil {
		return 0
	}
	return v
}

// enumeratePCIDisplay lists display controllers from the PCI bus. No
// utilization is available this way, only presence and names.
func enumeratePCIDisplay() []GPUDevice {
	info, err := ghw.GPU()
	if err != nil || info == nil {
		return nil
	}
	var gpus []GPUDevice
	for _, card := range info.GraphicsCards {
		name := ""
		if card.DeviceInfo != nil {
			switch {
			case card.DeviceInfo.Vendor != nil && card.DeviceInfo.Product != nil:
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name + " " + card.DeviceInfo.Product.Name)
			case card.DeviceInfo.Product != nil:
				name = strings.TrimSpace(card.DeviceInfo.Product.Name)
			case card.DeviceInfo.Vendor != nil:
				name = strings.TrimSpace(card.DeviceInfo.Vendor.Name)
			}
		}
		if name == "" {
			name = fmt.Sprintf("display controller %d", card.Index)
		}
		gpus = append(gpus, GPUDevice{Name: name})
	}
	return gpus
}
