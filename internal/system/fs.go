package system

import (
	"os"
	"path/filepath"
	"strings"
)

// FS locates the kernel pseudo-filesystems the readers parse. Tests point it at fixtures.
type FS struct {
	ProcRoot string
	SysRoot  string
	EtcRoot  string
}

func Host() FS {
	return FS{ProcRoot: "/proc", SysRoot: "/sys", EtcRoot: "/etc"}
}

// Available reports whether the proc root looks like a mounted procfs.
func (fs FS) Available() bool {
	_, err := os.Stat(fs.proc("stat"))
	return err == nil
}

func (fs FS) proc(parts ...string) string {
	return filepath.Join(append([]string{fs.ProcRoot}, parts...)...)
}

func (fs FS) sys(parts ...string) string {
	return filepath.Join(append([]string{fs.SysRoot}, parts...)...)
}

func (fs FS) etc(parts ...string) string {
	return filepath.Join(append([]string{fs.EtcRoot}, parts...)...)
}

func readTextFile(path string) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}
