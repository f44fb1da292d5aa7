package system

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func (fs FS) ReadUptime() (time.Duration, error) {
	raw, err := os.ReadFile(fs.proc("uptime"))
	if err != nil {
		return 0, fmt.Errorf("read /proc/uptime: %w", err)
	}
	return parseUptime(string(raw))
}

func parseUptime(raw string) (time.Duration, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty /proc/uptime")
	}
	secs, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("parse uptime %q: %w", fields[0], err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
