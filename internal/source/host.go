package source

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/system"
)

const cpuBaselineWindow = 200 * time.Millisecond

type HostOptions struct {
	FS       system.FS
	DiskPath string
	Now      func() time.Time
	Logger   *slog.Logger

	// Overrides for capabilities; nil selects the procfs implementation when
	// procfs is mounted and the no-op one otherwise.
	Processes  ProcessLister
	Throughput ThroughputMeter
}

// Host reads the local machine through procfs and statfs.
type Host struct {
	fs         system.FS
	diskPath   string
	now        func() time.Time
	logger     *slog.Logger
	processes  ProcessLister
	throughput ThroughputMeter

	cpuMu   sync.Mutex
	prevCPU *system.CPUCounters
}

func NewHost(opts HostOptions) *Host {
	fs := opts.FS
	if fs.ProcRoot == "" {
		fs = system.Host()
	}
	if opts.DiskPath == "" {
		opts.DiskPath = "/"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	procfs := fs.Available()
	processes := opts.Processes
	if processes == nil {
		if procfs {
			processes = NewProcTable(fs, opts.Now)
		} else {
			processes = NopProcesses()
		}
	}
	throughput := opts.Throughput
	if throughput == nil {
		if procfs {
			throughput = NewNetMeter(fs.ReadNetCounters, opts.Now)
		} else {
			throughput = NopThroughput()
		}
	}
	if !procfs {
		opts.Logger.Warn("procfs unavailable, process and network sampling disabled", "proc_root", fs.ProcRoot)
	}

	return &Host{
		fs:         fs,
		diskPath:   opts.DiskPath,
		now:        opts.Now,
		logger:     opts.Logger,
		processes:  processes,
		throughput: throughput,
	}
}

func (h *Host) Identity(ctx context.Context) model.DeviceIdentity {
	id, err := h.fs.ReadIdentity()
	if err != nil {
		h.logger.Warn("device identity partially unavailable", "error", err)
	}
	return id
}

func (h *Host) Resources(ctx context.Context) (model.ResourceReading, error) {
	var out model.ResourceReading
	var errs []error

	cpu, err := h.cpuPercent(ctx)
	if err != nil {
		errs = append(errs, &FieldError{Field: "cpu_percent", Err: err})
	}
	out.CPUPercent = cpu

	if mem, err := h.fs.ReadMemoryInfo(); err != nil {
		errs = append(errs, &FieldError{Field: "mem_percent", Err: err})
	} else {
		out.MemPercent = round1(mem.UsedPercent())
	}

	if disk, err := system.ReadDiskUsage(h.diskPath); err != nil {
		errs = append(errs, &FieldError{Field: "disk", Err: err})
	} else {
		out.DiskUsedGB = bytesToGB(disk.UsedBytes)
		out.DiskTotalGB = bytesToGB(disk.TotalBytes)
	}

	if up, err := h.fs.ReadUptime(); err != nil {
		errs = append(errs, &FieldError{Field: "uptime_seconds", Err: err})
	} else {
		secs := int64(up / time.Second)
		out.UptimeSeconds = &secs
	}

	return out, errors.Join(errs...)
}

func (h *Host) ProcessSnapshot(ctx context.Context, n int) (*model.ProcessSnapshot, error) {
	return h.processes.TopProcesses(ctx, n)
}

func (h *Host) NetworkThroughput(ctx context.Context) (model.Throughput, error) {
	return h.throughput.Throughput(ctx)
}

// cpuPercent measures against the previous call. Without a baseline it samples
// twice across a short window.
func (h *Host) cpuPercent(ctx context.Context) (float64, error) {
	h.cpuMu.Lock()
	defer h.cpuMu.Unlock()

	if h.prevCPU == nil {
		first, err := h.fs.ReadCPUCounters()
		if err != nil {
			return 0, err
		}
		h.prevCPU = &first
		t := time.NewTimer(cpuBaselineWindow)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-t.C:
		}
	}

	cur, err := h.fs.ReadCPUCounters()
	if err != nil {
		return 0, err
	}
	usage := system.CPUUsage(*h.prevCPU, cur)
	h.prevCPU = &cur
	return round1(usage), nil
}

func bytesToGB(b uint64) float64 {
	return math.Round(float64(b)/(1<<30)*100) / 100
}
