package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"insight-agent/internal/model"
	"insight-agent/internal/system"
)

const maxProcessNameRunes = 128

// ProcTable ranks processes by cpu usage since its previous call. The first
// call has no baseline, so every process reports 0% cpu.
type ProcTable struct {
	fs  system.FS
	now func() time.Time

	mu     sync.Mutex
	prev   map[int]uint64
	prevAt time.Time
}

func NewProcTable(fs system.FS, now func() time.Time) *ProcTable {
	if now == nil {
		now = time.Now
	}
	return &ProcTable{fs: fs, now: now}
}

func (p *ProcTable) TopProcesses(ctx context.Context, n int) (*model.ProcessSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats, err := p.fs.ReadProcesses()
	if err != nil {
		return nil, err
	}
	var memTotal uint64
	if mem, memErr := p.fs.ReadMemoryInfo(); memErr == nil {
		memTotal = mem.TotalBytes
	}
	now := p.now()

	p.mu.Lock()
	prev, prevAt := p.prev, p.prevAt
	next := make(map[int]uint64, len(stats))
	for _, st := range stats {
		next[st.PID] = st.CPUTicks
	}
	p.prev, p.prevAt = next, now
	p.mu.Unlock()

	elapsed := now.Sub(prevAt).Seconds()
	top := make([]model.ProcessInfo, 0, len(stats))
	for _, st := range stats {
		info := model.ProcessInfo{
			PID:  st.PID,
			Name: truncateRunes(st.Name, maxProcessNameRunes),
		}
		if before, ok := prev[st.PID]; ok && elapsed > 0 && st.CPUTicks >= before {
			info.CPUPercent = round1(float64(st.CPUTicks-before) / system.ClockTicks / elapsed * 100)
		}
		if memTotal > 0 {
			info.MemPercent = float64(st.RSSBytes) / float64(memTotal) * 100
		}
		top = append(top, info)
	}

	return &model.ProcessSnapshot{Timestamp: now.UTC(), Top: TopN(top, n)}, nil
}

// TopN orders processes by cpu then memory, both descending, and keeps the first n.
func TopN(procs []model.ProcessInfo, n int) []model.ProcessInfo {
	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].CPUPercent != procs[j].CPUPercent {
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
		return procs[i].MemPercent > procs[j].MemPercent
	})
	if n < 0 {
		n = 0
	}
	if len(procs) > n {
		procs = procs[:n]
	}
	return procs
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

type nopProcesses struct{}

// NopProcesses reports no process snapshot; envelopes are then resource-only.
func NopProcesses() ProcessLister { return nopProcesses{} }

func (nopProcesses) TopProcesses(context.Context, int) (*model.ProcessSnapshot, error) {
	return nil, nil
}
