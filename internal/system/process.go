package system

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ClockTicks is USER_HZ, the unit of utime/stime in /proc/<pid>/stat. It is 100
// on every mainstream Linux architecture.
const ClockTicks = 100

type ProcessStat struct {
	PID      int
	Name     string
	CPUTicks uint64
	RSSBytes uint64
}

// ReadProcesses lists every process visible in procfs. Processes that exit
// while being read are skipped.
func (fs FS) ReadProcesses() ([]ProcessStat, error) {
	entries, err := os.ReadDir(fs.ProcRoot)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fs.ProcRoot, err)
	}

	pageSize := uint64(os.Getpagesize())
	out := make([]ProcessStat, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, convErr := strconv.Atoi(entry.Name())
		if convErr != nil || pid <= 0 {
			continue
		}
		raw, readErr := os.ReadFile(fs.proc(entry.Name(), "stat"))
		if readErr != nil {
			continue
		}
		st, parseErr := parseProcessStat(string(raw), pageSize)
		if parseErr != nil {
			continue
		}
		st.PID = pid
		if len(st.Name) == 15 {
			st.Name = fs.expandTruncatedName(entry.Name(), st.Name)
		}
		out = append(out, st)
	}
	return out, nil
}

func parseProcessStat(raw string, pageSize uint64) (ProcessStat, error) {
	open := strings.IndexByte(raw, '(')
	closeIdx := strings.LastIndexByte(raw, ')')
	if open < 0 || closeIdx < open {
		return ProcessStat{}, fmt.Errorf("malformed stat line")
	}
	name := raw[open+1 : closeIdx]
	// fields after the comm start at field 3 (state)
	rest := strings.Fields(raw[closeIdx+1:])
	if len(rest) < 22 {
		return ProcessStat{}, fmt.Errorf("short stat line: %d fields", len(rest))
	}
	utime, err := strconv.ParseUint(rest[11], 10, 64)
	if err != nil {
		return ProcessStat{}, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(rest[12], 10, 64)
	if err != nil {
		return ProcessStat{}, fmt.Errorf("parse stime: %w", err)
	}
	rssPages, err := strconv.ParseInt(rest[21], 10, 64)
	if err != nil {
		return ProcessStat{}, fmt.Errorf("parse rss: %w", err)
	}
	if rssPages < 0 {
		rssPages = 0
	}
	return ProcessStat{
		Name:     name,
		CPUTicks: utime + stime,
		RSSBytes: uint64(rssPages) * pageSize,
	}, nil
}

// comm is capped at 15 bytes; recover the full name from argv[0] when it extends comm.
func (fs FS) expandTruncatedName(pid, comm string) string {
	raw, err := os.ReadFile(fs.proc(pid, "cmdline"))
	if err != nil || len(raw) == 0 {
		return comm
	}
	argv0, _, _ := strings.Cut(string(raw), "\x00")
	base := filepath.Base(argv0)
	if strings.HasPrefix(base, comm) {
		return base
	}
	return comm
}
