package system

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type CPUCounters struct {
	User    uint64
	Nice    uint64
	System  uint64
	Idle    uint64
	IOWait  uint64
	IRQ     uint64
	SoftIRQ uint64
	Steal   uint64
	Total   uint64
}

func (fs FS) ReadCPUCounters() (CPUCounters, error) {
	f, err := os.Open(fs.proc("stat"))
	if err != nil {
		return CPUCounters{}, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()
	return parseCPUCounters(f)
}

func parseCPUCounters(r io.Reader) (CPUCounters, error) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 8 {
			return CPUCounters{}, fmt.Errorf("unexpected cpu line: %q", line)
		}
		vals := make([]uint64, 0, len(parts)-1)
		for _, p := range parts[1:] {
			v, convErr := strconv.ParseUint(p, 10, 64)
			if convErr != nil {
				return CPUCounters{}, fmt.Errorf("parse cpu stat %q: %w", p, convErr)
			}
			vals = append(vals, v)
		}
		// guest and guest_nice are already folded into user and nice
		if len(vals) > 8 {
			vals = vals[:8]
		}
		c := CPUCounters{}
		fields := []*uint64{&c.User, &c.Nice, &c.System, &c.Idle, &c.IOWait, &c.IRQ, &c.SoftIRQ, &c.Steal}
		for i, v := range vals {
			*fields[i] = v
			c.Total += v
		}
		return c, nil
	}
	if err := s.Err(); err != nil {
		return CPUCounters{}, fmt.Errorf("scan /proc/stat: %w", err)
	}
	return CPUCounters{}, fmt.Errorf("cpu aggregate line not found")
}

func CPUUsage(prev, cur CPUCounters) float64 {
	if cur.Total <= prev.Total {
		return 0
	}
	totalDelta := float64(cur.Total - prev.Total)
	idledPrev := prev.Idle + prev.IOWait
	idledCur := cur.Idle + cur.IOWait
	if idledCur < idledPrev {
		idledCur = idledPrev
	}
	idleDelta := float64(idledCur - idledPrev)
	return clampPercent(((totalDelta - idleDelta) / totalDelta) * 100)
}

func clampPercent(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}
